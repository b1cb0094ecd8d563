package messages

import (
	"bytes"
	"context"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcsuper/diagcore/pkg/diag"
)

func buildMsgHeader(tsType, numArgs, dropCnt uint8, timestamp uint64) []byte {
	h := make([]byte, msgHeaderLen)
	h[0] = tsType
	h[1] = numArgs
	h[2] = dropCnt
	binary.LittleEndian.PutUint64(h[3:11], timestamp)
	return h
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func TestDecodeDiagMsgFRawText(t *testing.T) {
	payload := append(buildMsgHeader(0, 0, 0, 0), []byte("hello world\x00")...)
	pkt := diag.Packet{Kind: diag.KindMessage, MessageOpcode: diag.DiagMsgF, MessagePayload: payload}

	dec, err := Decode(pkt, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello world", dec.Text)
}

func TestDecodeDiagExtMsgFWithArgs(t *testing.T) {
	meta := make([]byte, normalMetaLen)
	binary.LittleEndian.PutUint16(meta[0:2], 42)   // line
	binary.LittleEndian.PutUint16(meta[2:4], 7)     // ssid
	binary.LittleEndian.PutUint32(meta[4:8], 0xff)  // ss_mask

	payload := buildMsgHeader(0, 1, 0, 0)
	payload = append(payload, meta...)
	payload = append(payload, le32(5)...)               // one 4-byte arg
	payload = append(payload, []byte("count=%u\x00file.c\x00")...)

	pkt := diag.Packet{Kind: diag.KindMessage, MessageOpcode: diag.DiagExtMsgF, MessagePayload: payload}

	dec, err := Decode(pkt, nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), dec.Line)
	assert.Equal(t, uint16(7), dec.Ssid)
	assert.Equal(t, "file.c", dec.File)
	assert.Equal(t, "count=5", dec.Text)
}

func TestDecodeTerseMessageResolvesAgainstQDB(t *testing.T) {
	qdbText := "1234:modem/foo.c:value=%u\n"
	qdb, err := NewQDB(strings.NewReader(qdbText))
	require.NoError(t, err)

	meta := make([]byte, terseMetaLen)
	binary.LittleEndian.PutUint16(meta[0:2], 10)
	binary.LittleEndian.PutUint16(meta[2:4], 3)
	binary.LittleEndian.PutUint32(meta[4:8], 0x1)
	binary.LittleEndian.PutUint32(meta[8:12], 1234)

	payload := buildMsgHeader(0, 1, 0, 0)
	payload = append(payload, meta...)
	payload = append(payload, le32(99)...)

	pkt := diag.Packet{Kind: diag.KindMessage, MessageOpcode: diag.DiagQsrExtMsgTerseF, MessagePayload: payload}

	dec, err := Decode(pkt, qdb)
	require.NoError(t, err)
	assert.Equal(t, "modem/foo.c", dec.File)
	assert.Equal(t, "value=99", dec.Text)
}

func TestDecodeTerseMessageUnmappedHashIsError(t *testing.T) {
	meta := make([]byte, terseMetaLen)
	binary.LittleEndian.PutUint32(meta[8:12], 999)
	payload := append(buildMsgHeader(0, 0, 0, 0), meta...)

	pkt := diag.Packet{Kind: diag.KindMessage, MessageOpcode: diag.DiagExtMsgTerseF, MessagePayload: payload}

	_, err := Decode(pkt, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnmappedHash)
}

func TestDecodeQsr4TerseMessageVariableArgSize(t *testing.T) {
	qdbText := "<Content>\n555:3:2:17:qsr4/bar.c:got %u\n</Content>\n"
	qdb, err := NewQDB(strings.NewReader(qdbText))
	require.NoError(t, err)

	meta := make([]byte, qsr4TerseMetaLen)
	binary.LittleEndian.PutUint32(meta[0:4], 555)

	// num_args packs arg_size in the high nibble, num_args in the low nibble.
	numArgs := uint8(4<<4 | 1)
	payload := buildMsgHeader(0, numArgs, 0, 0)
	payload = append(payload, meta...)
	payload = append(payload, le32(7)...)

	pkt := diag.Packet{Kind: diag.KindMessage, MessageOpcode: diag.DiagQsr4ExtMsgTerseF, MessagePayload: payload}

	dec, err := Decode(pkt, qdb)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), dec.Ssid)
	assert.Equal(t, uint16(17), dec.Line)
	assert.Equal(t, "qsr4/bar.c", dec.File)
	assert.Equal(t, "got 7", dec.Text)
}

func TestFormatMessageHexFallbackForUnhandledConversion(t *testing.T) {
	got := formatMessage([]byte("str=%s"), [][]byte{le32(0xdead)})
	assert.Equal(t, "str=s[0xdead]", got)
}

func TestFormatMessageSignedAndHex(t *testing.T) {
	neg := make([]byte, 4)
	binary.LittleEndian.PutUint32(neg, 0xffffffff)
	assert.Equal(t, "-1", formatMessage([]byte("%d"), [][]byte{neg}))
	assert.Equal(t, "ff", formatMessage([]byte("%x"), [][]byte{{0xff, 0, 0, 0}}))
	assert.Equal(t, "%%", formatMessage([]byte("%%%%"), nil))
}

type fakeRequester struct {
	calls [][]byte
}

func (f *fakeRequester) SendRecv(ctx context.Context, reqOpcode diag.Opcode, payload []byte, acceptError bool) (diag.Opcode, []byte, error) {
	f.calls = append(f.calls, append([]byte(nil), payload...))
	return diag.DiagExtMsgConfigF, nil, nil
}

func TestManagerOnInitSetsAllLevelsWithNoFilters(t *testing.T) {
	req := &fakeRequester{}
	m := &Manager{}

	require.NoError(t, m.OnInit(context.Background(), req))
	require.Len(t, req.calls, 1)
	assert.Equal(t, uint8(extSubcmdSetAllRTMask), req.calls[0][0])
	assert.Equal(t, uint32(levelAll), binary.LittleEndian.Uint32(req.calls[0][3:7]))
}

func TestManagerOnInitSetsPerSsidFilters(t *testing.T) {
	req := &fakeRequester{}
	m := &Manager{Filters: []Filter{{Ssid: 3, Level: 2}}}

	require.NoError(t, m.OnInit(context.Background(), req))
	require.Len(t, req.calls, 1)
	assert.Equal(t, uint8(extSubcmdSetRTMask), req.calls[0][0])
	assert.Equal(t, uint16(3), binary.LittleEndian.Uint16(req.calls[0][1:3]))
}

func TestManagerOnMessageForwardsDecodedText(t *testing.T) {
	var got Decoded
	m := &Manager{OnText: func(d Decoded) { got = d }}

	payload := append(buildMsgHeader(0, 0, 0, 0), []byte("hi\x00")...)
	m.OnMessage(diag.Packet{Kind: diag.KindMessage, MessageOpcode: diag.DiagMsgF, MessagePayload: payload})

	assert.Equal(t, "hi", got.Text)
}

func TestManagerOnMessageSwallowsUnmappedHash(t *testing.T) {
	called := false
	m := &Manager{OnText: func(Decoded) { called = true }}

	meta := make([]byte, terseMetaLen)
	binary.LittleEndian.PutUint32(meta[8:12], 1)
	payload := append(buildMsgHeader(0, 0, 0, 0), meta...)
	m.OnMessage(diag.Packet{Kind: diag.KindMessage, MessageOpcode: diag.DiagExtMsgTerseF, MessagePayload: payload})

	assert.False(t, called)
}

func TestQDBParsesPlainTextAndQsr4Content(t *testing.T) {
	text := "10:a.c:plain %u\n<Content>\n20:1:2:3:b.c:tagged %u\n</Content>\n"
	qdb, err := NewQDB(bytes.NewReader([]byte(text)))
	require.NoError(t, err)

	h, ok := qdb.lookupTerse(10)
	require.True(t, ok)
	assert.Equal(t, "a.c", h.File)

	q4, ok := qdb.lookupQsr4(20)
	require.True(t, ok)
	assert.Equal(t, "b.c", q4.File)
	assert.Equal(t, uint16(2), q4.Ssid)
	assert.Equal(t, uint16(3), q4.Line)
}

func TestQDBMergeCombinesDictionaries(t *testing.T) {
	a, err := NewQDB(strings.NewReader("1:a.c:foo\n"))
	require.NoError(t, err)
	b, err := NewQDB(strings.NewReader("2:b.c:bar\n"))
	require.NoError(t, err)

	a.Merge(b)
	_, ok := a.lookupTerse(2)
	assert.True(t, ok)
}
