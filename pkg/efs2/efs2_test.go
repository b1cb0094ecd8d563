package efs2

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcsuper/diagcore/pkg/diag"
)

// fakeDevice simulates a device's EFS2 responses for a single Client,
// keyed by subcommand, entirely in memory.
type fakeDevice struct {
	files map[string][]byte
	fd    int32
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{files: map[string][]byte{}}
}

func (d *fakeDevice) SendRecv(ctx context.Context, op diag.Opcode, payload []byte, acceptError bool) (diag.Opcode, []byte, error) {
	cmd := Subcommand(binary.LittleEndian.Uint16(payload[1:3]))
	switch cmd {
	case cmdHello:
		resp := make([]byte, 3+6*4+3*4+4)
		copy(resp, payload[:3])
		off := 3 + 6*4
		binary.LittleEndian.PutUint32(resp[off:off+4], 1)
		binary.LittleEndian.PutUint32(resp[off+4:off+8], 1)
		binary.LittleEndian.PutUint32(resp[off+8:off+12], 1)
		binary.LittleEndian.PutUint32(resp[off+12:off+16], 0xffffffff)
		return diag.DiagSubsysCmdF, resp, nil

	case cmdOpen:
		path := cString(payload[11:])
		d.fd++
		if _, ok := d.files[path]; !ok {
			d.files[path] = nil
		}
		resp := make([]byte, 11)
		binary.LittleEndian.PutUint32(resp[3:7], uint32(d.fd))
		return diag.DiagSubsysCmdF, resp, nil

	case cmdWrite:
		fd := int32(binary.LittleEndian.Uint32(payload[3:7]))
		_ = fd
		offset := binary.LittleEndian.Uint32(payload[7:11])
		data := payload[11:]
		// single-file fake, so just append/overwrite contiguous
		for path := range d.files {
			buf := d.files[path]
			need := int(offset) + len(data)
			if len(buf) < need {
				grown := make([]byte, need)
				copy(grown, buf)
				buf = grown
			}
			copy(buf[offset:], data)
			d.files[path] = buf
		}
		resp := make([]byte, 19)
		binary.LittleEndian.PutUint32(resp[11:15], uint32(len(data)))
		return diag.DiagSubsysCmdF, resp, nil

	case cmdRead:
		offset := binary.LittleEndian.Uint32(payload[11:15])
		var content []byte
		for _, v := range d.files {
			content = v
		}
		end := int(offset) + readChunkSize
		if end > len(content) {
			end = len(content)
		}
		var chunk []byte
		if int(offset) < len(content) {
			chunk = content[offset:end]
		}
		resp := make([]byte, 19+len(chunk))
		binary.LittleEndian.PutUint32(resp[11:15], uint32(len(chunk)))
		copy(resp[19:], chunk)
		return diag.DiagSubsysCmdF, resp, nil

	case cmdClose:
		resp := make([]byte, 7)
		return diag.DiagSubsysCmdF, resp, nil

	case cmdMkdir:
		resp := make([]byte, 7)
		return diag.DiagSubsysCmdF, resp, nil

	case cmdStat:
		resp := make([]byte, 3+4*7)
		binary.LittleEndian.PutUint32(resp[7:11], sIFDIR)
		return diag.DiagSubsysCmdF, resp, nil
	}
	return diag.DiagSubsysCmdF, make([]byte, 32), nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func TestClientWriteThenReadRoundTrip(t *testing.T) {
	dev := newFakeDevice()
	c := NewClient(dev, SubsystemFS)
	ctx := context.Background()

	f, err := c.Open(ctx, "/test.txt", OWronlyTruncCreat, 0o644)
	require.NoError(t, err)
	require.NoError(t, f.WriteAll(ctx, bytes.NewReader([]byte("hello efs2"))))
	require.NoError(t, f.Close(ctx))

	f2, err := c.Open(ctx, "/test.txt", ORdonly, 0)
	require.NoError(t, err)
	var out bytes.Buffer
	require.NoError(t, f2.ReadAll(ctx, &out))
	require.NoError(t, f2.Close(ctx))

	assert.Equal(t, "hello efs2", out.String())
}

func TestClientMkdir(t *testing.T) {
	dev := newFakeDevice()
	c := NewClient(dev, SubsystemFS)
	assert.NoError(t, c.Mkdir(context.Background(), "/newdir"))
}

func TestClientStatIsDir(t *testing.T) {
	dev := newFakeDevice()
	c := NewClient(dev, SubsystemFS)
	st, err := c.Stat(context.Background(), "/somedir")
	require.NoError(t, err)
	assert.True(t, st.IsDir())
}

// scriptedDevice replies to each subcommand from a fixed, ordered script
// and records every subcommand it was asked for, for the "EFS cat"
// end-to-end scenario.
type scriptedDevice struct {
	replies []scriptedReply
	calls   []Subcommand
}

type scriptedReply struct {
	cmd  Subcommand
	resp []byte
}

func (d *scriptedDevice) SendRecv(ctx context.Context, op diag.Opcode, payload []byte, acceptError bool) (diag.Opcode, []byte, error) {
	cmd := Subcommand(binary.LittleEndian.Uint16(payload[1:3]))
	d.calls = append(d.calls, cmd)
	for _, r := range d.replies {
		if r.cmd == cmd {
			return diag.DiagSubsysCmdF, r.resp, nil
		}
	}
	return diag.DiagSubsysCmdF, nil, assert.AnError
}

func openResp(fd uint32) []byte {
	resp := make([]byte, 11)
	binary.LittleEndian.PutUint32(resp[3:7], fd)
	return resp
}

func readResp(data []byte) []byte {
	resp := make([]byte, 19+len(data))
	binary.LittleEndian.PutUint32(resp[11:15], uint32(len(data)))
	copy(resp[19:], data)
	return resp
}

func closeResp() []byte {
	return make([]byte, 7)
}

func helloResp() []byte {
	resp := make([]byte, 3+6*4+3*4+4)
	off := 3 + 6*4
	binary.LittleEndian.PutUint32(resp[off:off+4], 1)
	binary.LittleEndian.PutUint32(resp[off+4:off+8], 1)
	binary.LittleEndian.PutUint32(resp[off+8:off+12], 1)
	binary.LittleEndian.PutUint32(resp[off+12:off+16], 0xffffffff)
	return resp
}

func TestClientCatIssuesExactlyOpenReadReadCloseInOrder(t *testing.T) {
	payload := bytes.Repeat([]byte{0x41}, 500)
	dev := &scriptedDevice{replies: []scriptedReply{
		{cmd: cmdHello, resp: helloResp()},
		{cmd: cmdOpen, resp: openResp(7)},
		{cmd: cmdClose, resp: closeResp()},
	}}
	// READ is scripted by call order rather than a fixed response, since
	// the same subcommand is issued twice with different results.
	reads := [][]byte{readResp(payload), readResp(nil)}
	c := NewClient(&stubRequester{base: dev, reads: reads}, SubsystemFS)

	require.NoError(t, c.Hello(context.Background()))
	dev.calls = nil // the handshake precedes, and isn't counted among, the four cat requests

	f, err := c.Open(context.Background(), "/etc/version", ORdonly, 0)
	require.NoError(t, err)
	var out bytes.Buffer
	require.NoError(t, f.ReadAll(context.Background(), &out))
	require.NoError(t, f.Close(context.Background()))

	assert.Equal(t, 500, out.Len())
	assert.Equal(t, []Subcommand{cmdOpen, cmdRead, cmdRead, cmdClose}, dev.calls)
}

// stubRequester intercepts READ calls to return successive scripted reads
// (the fake device above has no per-call sequencing) and forwards
// everything else to base.
type stubRequester struct {
	base  Requester
	reads [][]byte
	n     int
}

func (s *stubRequester) SendRecv(ctx context.Context, op diag.Opcode, payload []byte, acceptError bool) (diag.Opcode, []byte, error) {
	cmd := Subcommand(binary.LittleEndian.Uint16(payload[1:3]))
	if cmd == cmdRead {
		resp := s.reads[s.n]
		s.n++
		if sd, ok := s.base.(*scriptedDevice); ok {
			sd.calls = append(sd.calls, cmd)
		}
		return diag.DiagSubsysCmdF, resp, nil
	}
	return s.base.SendRecv(ctx, op, payload, acceptError)
}

func TestDirReadAllStopsAtEmptyPathAndClosesDir(t *testing.T) {
	dev := &dirScriptedDevice{
		names: []string{"foo", "bar", ""},
	}
	c := NewClient(dev, SubsystemFS)

	dir, err := c.OpenDir(context.Background(), "/data")
	require.NoError(t, err)
	entries, err := dir.ReadAll(context.Background())
	require.NoError(t, err)
	require.NoError(t, dir.Close(context.Background()))

	require.Len(t, entries, 2)
	assert.Equal(t, "foo", entries[0].Name)
	assert.Equal(t, "bar", entries[1].Name)
	assert.True(t, dev.closed)
	assert.Equal(t, 3, dev.readdirCalls)
}

// dirScriptedDevice replies to OPENDIR/READDIR/CLOSEDIR for the directory
// iteration terminator scenario: READDIR yields names in order, the empty
// name ends the sequence, and CLOSEDIR is observed.
type dirScriptedDevice struct {
	names        []string
	readdirCalls int
	closed       bool
}

func (d *dirScriptedDevice) SendRecv(ctx context.Context, op diag.Opcode, payload []byte, acceptError bool) (diag.Opcode, []byte, error) {
	cmd := Subcommand(binary.LittleEndian.Uint16(payload[1:3]))
	switch cmd {
	case cmdOpendir:
		resp := make([]byte, 11)
		binary.LittleEndian.PutUint32(resp[3:7], 9)
		return diag.DiagSubsysCmdF, resp, nil
	case cmdReaddir:
		name := d.names[d.readdirCalls]
		d.readdirCalls++
		const headerLen = 3 + 4 + 8*4
		resp := make([]byte, headerLen+len(name)+1)
		binary.LittleEndian.PutUint32(resp[19:23], 0) // mode: regular file
		copy(resp[headerLen:], name)
		return diag.DiagSubsysCmdF, resp, nil
	case cmdClosedir:
		d.closed = true
		return diag.DiagSubsysCmdF, make([]byte, 7), nil
	case cmdHello:
		return diag.DiagSubsysCmdF, helloResp(), nil
	}
	return diag.DiagSubsysCmdF, make([]byte, 32), nil
}
