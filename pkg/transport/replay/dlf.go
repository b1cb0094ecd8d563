package replay

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/qcsuper/diagcore/pkg/diag"
)

// timestampOffset is 1980-01-06 00:00:00 UTC expressed as a Unix
// timestamp: the epoch DIAG QWORD timestamps count from (spec.md §4.9).
var timestampOffset = time.Date(1980, 1, 6, 0, 0, 0, 0, time.UTC).Unix()

// timestampMin/Max bound the range a decoded timestamp must fall in to be
// adopted as DLF's "current" clock; values outside this range are still
// dispatched, just not trusted as wall-clock time (spec.md §4.9).
var (
	timestampMin = time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	timestampMax = time.Date(2050, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
)

// DecodeTimestamp converts a DIAG_LOG_F QWORD timestamp (high 44 bits:
// 20ms units since 1980-01-06; low 20 bits: fractional seconds / 2^20)
// into Unix seconds as a float64, matching dlf_read.py's formula exactly.
func DecodeTimestamp(raw uint64) float64 {
	return float64(raw>>20)/50 + float64(timestampOffset) + float64(raw&0xfffff)/float64(0x100000)
}

// DlfReader reads DIAG_LOG_F records from a DLF file: each record is a
// bare 12-byte inner header ("<HHQ>": inner length, log type, log time)
// followed by (inner length - 12) bytes of body, with no outer
// pending/outer-length wrapper (spec.md §4.9).
type DlfReader struct {
	r io.Reader

	mu            sync.Mutex
	lastTimestamp float64
	haveLast      bool
	lastRaw       uint64 // the QWORD that decoded to lastTimestamp
}

// NewDlfReader wraps r as a replay Transport.
func NewDlfReader(r io.Reader) *DlfReader {
	return &DlfReader{r: r}
}

// Timestamp returns the most recent plausible (2010-2050) timestamp seen,
// or zero if none has been decoded yet.
func (d *DlfReader) Timestamp() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastTimestamp
}

// Read pulls the next record off the file and returns it as a single
// HDLC-encapsulated DIAG_LOG_F frame. Returns io.EOF at end of file.
func (d *DlfReader) Read(ctx context.Context) ([]byte, error) {
	header := make([]byte, innerHeaderLen)
	if _, err := io.ReadFull(d.r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}

	logLength := binary.LittleEndian.Uint16(header[0:2])
	logTime := binary.LittleEndian.Uint64(header[4:12])

	if logLength < innerHeaderLen {
		return nil, fmt.Errorf("replay: dlf record declares length %d shorter than its own header", logLength)
	}
	body := make([]byte, int(logLength)-innerHeaderLen)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return nil, fmt.Errorf("replay: dlf record body: %w", err)
	}

	ts := DecodeTimestamp(logTime)
	d.mu.Lock()
	if ts >= float64(timestampMin) && ts <= float64(timestampMax) {
		d.lastTimestamp = ts
		d.lastRaw = logTime
		d.haveLast = true
	} else if d.haveLast {
		// Out-of-range timestamp: dispatch this record still, but carrying
		// the previously observed in-range timestamp rather than garbage
		// (spec.md §4.9), mirroring dlf_read.py's sticky self.timestamp.
		binary.LittleEndian.PutUint64(header[4:12], d.lastRaw)
	}
	d.mu.Unlock()

	return synthesizeFrame(header, body), nil
}

// Write always fails: a DLF file has no device on the other end.
func (d *DlfReader) Write(ctx context.Context, framed []byte) error {
	return ErrReadOnly
}

// TransportKind reports DlfReader as a file-derived transport, so a
// trailer-only frame is ignored rather than treated as a dead baseband.
func (d *DlfReader) TransportKind() diag.TransportKind {
	return diag.TransportKindFile
}

// Close closes the underlying reader if it is an io.Closer.
func (d *DlfReader) Close() error {
	if c, ok := d.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
