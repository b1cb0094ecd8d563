package replay

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/qcsuper/diagcore/pkg/diag"
)

// jsonRecord is one line of a json_geo_dump-produced replay file. Either
// LogFrame is present (a log record) or Lat/Lng are (a GPS fix, which this
// reader still records as its current geolocation, matching
// json_geo_read.py's self.latitude/self.longitude, even though no module
// in this port consumes it yet).
type jsonRecord struct {
	LogType   *uint16  `json:"log_type"`
	LogFrame  *string  `json:"log_frame"`
	Timestamp *float64 `json:"timestamp"`
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
}

// JSONLReader reads DIAG_LOG_F records from a JSON-line replay file: each
// line is a JSON object carrying a base64-encoded record (12-byte inner
// header + body) plus an already-computed float timestamp, or a bare GPS
// fix line that updates the reader's current geolocation instead of
// producing a frame (spec.md §4.9).
type JSONLReader struct {
	scanner *bufio.Scanner
	closer  io.Closer

	mu            sync.Mutex
	lastTimestamp float64
	haveGeo       bool
	latitude      float64
	longitude     float64
}

// NewJSONLReader wraps r as a replay Transport. If r also implements
// io.Closer, Close forwards to it.
func NewJSONLReader(r io.Reader) *JSONLReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	closer, _ := r.(io.Closer)
	return &JSONLReader{scanner: scanner, closer: closer}
}

// Timestamp returns the most recently read record's timestamp, or zero if
// none has been read yet.
func (j *JSONLReader) Timestamp() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastTimestamp
}

// Geolocation returns the most recently read GPS fix's latitude/longitude
// and whether any fix has been seen yet, mirroring json_geo_read.py's
// self.latitude/self.longitude for a geolocation-emitting module to consume.
func (j *JSONLReader) Geolocation() (lat, lng float64, ok bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.latitude, j.longitude, j.haveGeo
}

// Read pulls the next log-record line off the file and returns it as a
// single HDLC-encapsulated DIAG_LOG_F frame. GPS-fix lines update the
// reader's geolocation state (see Geolocation) and are not dispatched as
// frames; Read continues on to the next line instead. Returns io.EOF once
// every line has been consumed.
func (j *JSONLReader) Read(ctx context.Context) ([]byte, error) {
	for {
		if !j.scanner.Scan() {
			if err := j.scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}

		var rec jsonRecord
		if err := json.Unmarshal(j.scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("replay: malformed json line: %w", err)
		}

		if rec.LogFrame == nil {
			if rec.Lat != nil && rec.Lng != nil {
				j.mu.Lock()
				j.latitude = *rec.Lat
				j.longitude = *rec.Lng
				j.haveGeo = true
				j.mu.Unlock()
			}
			continue
		}

		raw, err := base64.StdEncoding.DecodeString(*rec.LogFrame)
		if err != nil {
			return nil, fmt.Errorf("replay: decoding base64 log_frame: %w", err)
		}
		if len(raw) < innerHeaderLen {
			return nil, fmt.Errorf("replay: log_frame shorter than its own header: %d bytes", len(raw))
		}

		if rec.Timestamp != nil {
			j.mu.Lock()
			j.lastTimestamp = *rec.Timestamp
			j.mu.Unlock()
		}

		header := raw[:innerHeaderLen]
		body := raw[innerHeaderLen:]
		return synthesizeFrame(header, body), nil
	}
}

// Write always fails: a JSON-line file has no device on the other end.
func (j *JSONLReader) Write(ctx context.Context, framed []byte) error {
	return ErrReadOnly
}

// TransportKind reports JSONLReader as a file-derived transport, so a
// trailer-only frame is ignored rather than treated as a dead baseband.
func (j *JSONLReader) TransportKind() diag.TransportKind {
	return diag.TransportKindFile
}

// Close closes the underlying reader if it is an io.Closer.
func (j *JSONLReader) Close() error {
	if j.closer != nil {
		return j.closer.Close()
	}
	return nil
}
