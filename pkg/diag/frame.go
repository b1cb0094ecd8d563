package diag

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind classifies an unframed DIAG packet (spec.md §4.3).
type Kind int

const (
	KindResponse Kind = iota
	KindLog
	KindMessage
)

// ErrShortFrame is returned when a frame is too small to carry even an
// opcode byte.
var ErrShortFrame = errors.New("diag: frame shorter than one opcode byte")

// multiRadioHeaderLen is the fixed wrapper stripped before re-classifying a
// DIAG_MULTI_RADIO_CMD_F frame (spec.md §3, §4.3).
const multiRadioHeaderLen = 7

// LogHeader is the outer+inner header of a DIAG_LOG_F record (spec.md §3).
type LogHeader struct {
	PendingMessages uint8
	OuterLength     uint16
	InnerLength     uint16
	LogCode         uint16
	Timestamp       uint64
}

// Packet is a classified, unframed DIAG packet ready for dispatch.
type Packet struct {
	Kind Kind

	// Response fields.
	Opcode  Opcode
	Payload []byte

	// Log fields.
	LogHeader LogHeader
	LogBody   []byte

	// Message fields.
	MessageOpcode  Opcode
	MessagePayload []byte
}

// Classify inspects the first byte of an unframed packet and routes it to
// a response, log, or message packet, unwrapping DIAG_MULTI_RADIO_CMD_F
// wrappers recursively (spec.md §4.3).
func Classify(unframed []byte) (Packet, error) {
	if len(unframed) < 1 {
		return Packet{}, ErrShortFrame
	}

	op := Opcode(unframed[0])
	body := unframed[1:]

	switch {
	case op == DiagMultiRadioCmdF:
		if len(body) < multiRadioHeaderLen {
			return Packet{}, fmt.Errorf("diag: multi-radio wrapper too short: %d bytes", len(body))
		}
		return Classify(body[multiRadioHeaderLen:])

	case op == DiagLogF:
		return classifyLog(body)

	case MessageOpcodes[op]:
		return Packet{Kind: KindMessage, MessageOpcode: op, MessagePayload: body}, nil

	default:
		return Packet{Kind: KindResponse, Opcode: op, Payload: body}, nil
	}
}

// logOuterHeaderLen is the size of the pending-count + outer-length fields.
const logOuterHeaderLen = 1 + 2

// logInnerHeaderLen is the size of the inner length + log code + timestamp fields.
const logInnerHeaderLen = 2 + 2 + 8

func classifyLog(body []byte) (Packet, error) {
	if len(body) < logOuterHeaderLen+logInnerHeaderLen {
		return Packet{}, fmt.Errorf("diag: log record too short: %d bytes", len(body))
	}

	pending := body[0]
	outerLen := binary.LittleEndian.Uint16(body[1:3])
	inner := body[logOuterHeaderLen:]

	innerLen := binary.LittleEndian.Uint16(inner[0:2])
	logCode := binary.LittleEndian.Uint16(inner[2:4])
	timestamp := binary.LittleEndian.Uint64(inner[4:12])
	logBody := inner[logInnerHeaderLen:]

	return Packet{
		Kind: KindLog,
		LogHeader: LogHeader{
			PendingMessages: pending,
			OuterLength:     outerLen,
			InnerLength:     innerLen,
			LogCode:         logCode,
			Timestamp:       timestamp,
		},
		LogBody: logBody,
	}, nil
}

// OuterLengthMismatch reports whether the record's declared outer length
// disagrees with the header+body actually present, per spec.md's
// forensic-but-non-fatal invariant.
func (p Packet) OuterLengthMismatch() bool {
	if p.Kind != KindLog {
		return false
	}
	want := uint16(logOuterHeaderLen + logInnerHeaderLen + len(p.LogBody))
	return p.LogHeader.OuterLength != want
}
