// Package replay implements the two read-only replay transports: a binary
// DLF log file and a JSON-line log file, both re-synthesized as HDLC
// frames so they can be fed into the same Session.Run read loop that
// drives a live serial/USB/TCP connection (spec.md §4.9).
package replay

import (
	"encoding/binary"
	"errors"

	"github.com/qcsuper/diagcore/pkg/diag"
	"github.com/qcsuper/diagcore/pkg/hdlc"
)

// ErrReadOnly is returned by Write on every replay transport: there is no
// device on the other end to send a request to.
var ErrReadOnly = errors.New("replay: transport is read-only")

// innerHeaderLen is the 12-byte "<HHQ>" header (inner length, log type,
// log time) every DIAG_LOG_F record carries, with or without the
// "pending messages"+"outer length" wrapper added back by synthesizeFrame.
const innerHeaderLen = 12

// synthesizeFrame rebuilds a full DIAG_LOG_F packet (outer+inner header +
// body) from a replay source's bare inner header and body, then
// HDLC-encapsulates it exactly as a live transport's wire bytes would
// arrive.
func synthesizeFrame(innerHeader []byte, body []byte) []byte {
	outerLen := uint16(3 + len(innerHeader) + len(body))

	unframed := make([]byte, 1+3+len(innerHeader)+len(body))
	unframed[0] = byte(diag.DiagLogF)
	unframed[1] = 0 // pending_messages
	binary.LittleEndian.PutUint16(unframed[2:4], outerLen)
	copy(unframed[4:], innerHeader)
	copy(unframed[4+len(innerHeader):], body)

	return hdlc.Encapsulate(unframed)
}
