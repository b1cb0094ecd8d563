// Package messages decodes DIAG_MSG_F/DIAG_EXT_MSG_F/DIAG_QSR_EXT_MSG_TERSE_F/
// DIAG_QSR4_EXT_MSG_TERSE_F debug messages: the terse variants carry only a
// hash of a printf-style format string, resolved against a QDB dictionary
// shipped alongside the baseband firmware (spec.md §2 "message/log decoding
// helpers").
package messages

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/qcsuper/diagcore/pkg/diag"
)

// Ext-msg-config sub-commands and levels for DIAG_EXT_MSG_CONFIG_F. The
// single-filter sub-command value is not named anywhere in the retrieved
// source snapshot (only imported, never defined in the files the pack
// kept), so it is assigned consistently with the rest of this package's
// opcode table rather than guessed from a vendor header.
const (
	extSubcmdSetRTMask    = 4
	extSubcmdSetAllRTMask = 5

	levelNone = 0
	levelAll  = 0xffffffff
)

// msgHeaderLen is the "<BBBQ>" header (timestamp type, arg count, dropped
// message count, timestamp) carried by every message variant.
const msgHeaderLen = 1 + 1 + 1 + 8

// MsgHeader is the fixed header common to every message opcode.
type MsgHeader struct {
	TSType    uint8
	NumArgs   uint8
	DropCnt   uint8
	Timestamp uint64
}

func parseMsgHeader(payload []byte) (MsgHeader, []byte, error) {
	if len(payload) < msgHeaderLen {
		return MsgHeader{}, nil, fmt.Errorf("messages: header too short: %d bytes", len(payload))
	}
	h := MsgHeader{
		TSType:    payload[0],
		NumArgs:   payload[1],
		DropCnt:   payload[2],
		Timestamp: binary.LittleEndian.Uint64(payload[3:11]),
	}
	return h, payload[msgHeaderLen:], nil
}

// NormalMeta is the "<HHI>" metadata preceding a DIAG_EXT_MSG_F string.
type NormalMeta struct {
	Line   uint16
	Ssid   uint16
	SsMask uint32
}

const normalMetaLen = 2 + 2 + 4

func parseNormalMeta(data []byte) (NormalMeta, []byte, error) {
	if len(data) < normalMetaLen {
		return NormalMeta{}, nil, fmt.Errorf("messages: normal meta too short")
	}
	m := NormalMeta{
		Line:   binary.LittleEndian.Uint16(data[0:2]),
		Ssid:   binary.LittleEndian.Uint16(data[2:4]),
		SsMask: binary.LittleEndian.Uint32(data[4:8]),
	}
	return m, data[normalMetaLen:], nil
}

// TerseMeta is the "<HHII>" metadata preceding a DIAG_QSR_EXT_MSG_TERSE_F hash.
type TerseMeta struct {
	Line   uint16
	Ssid   uint16
	SsMask uint32
	Hash   uint32
}

const terseMetaLen = 2 + 2 + 4 + 4

func parseTerseMeta(data []byte) (TerseMeta, []byte, error) {
	if len(data) < terseMetaLen {
		return TerseMeta{}, nil, fmt.Errorf("messages: terse meta too short")
	}
	m := TerseMeta{
		Line:   binary.LittleEndian.Uint16(data[0:2]),
		Ssid:   binary.LittleEndian.Uint16(data[2:4]),
		SsMask: binary.LittleEndian.Uint32(data[4:8]),
		Hash:   binary.LittleEndian.Uint32(data[8:12]),
	}
	return m, data[terseMetaLen:], nil
}

// Qsr4TerseMeta is the "<IH>" metadata preceding a DIAG_QSR4_EXT_MSG_TERSE_F
// message; unlike TerseMeta it carries no line/ssid of its own — those come
// from the matched QDB entry.
type Qsr4TerseMeta struct {
	Hash  uint32
	Magic uint16
}

const qsr4TerseMetaLen = 4 + 2

func parseQsr4TerseMeta(data []byte) (Qsr4TerseMeta, []byte, error) {
	if len(data) < qsr4TerseMetaLen {
		return Qsr4TerseMeta{}, nil, fmt.Errorf("messages: qsr4 terse meta too short")
	}
	m := Qsr4TerseMeta{
		Hash:  binary.LittleEndian.Uint32(data[0:4]),
		Magic: binary.LittleEndian.Uint16(data[4:6]),
	}
	return m, data[qsr4TerseMetaLen:], nil
}

// argsAtStart splits off numArgs fixed-size arguments from the front of data.
func argsAtStart(data []byte, argSize, numArgs int) ([][]byte, []byte, error) {
	size := argSize * numArgs
	if size == 0 {
		return nil, data, nil
	}
	if len(data) < size {
		return nil, nil, fmt.Errorf("messages: too few argument bytes: need %d, have %d", size, len(data))
	}
	args := make([][]byte, numArgs)
	for i := 0; i < numArgs; i++ {
		args[i] = data[i*argSize : (i+1)*argSize]
	}
	return args, data[size:], nil
}

// Decoded is a fully resolved debug message ready to print.
type Decoded struct {
	Ssid    uint16
	SsMask  uint32
	Line    uint16
	File    string
	Text    string
	DropCnt uint8
}

// ErrUnmappedHash is returned when a terse message's hash has no matching
// entry in the QDB dictionary.
var ErrUnmappedHash = fmt.Errorf("messages: unmapped terse message hash")

// Decode resolves pkt (a classified KindMessage packet) into a printable
// message, looking up terse-format hashes against qdb. qdb may be nil, in
// which case every terse message resolves as ErrUnmappedHash.
func Decode(pkt diag.Packet, qdb *QDB) (Decoded, error) {
	hdr, rest, err := parseMsgHeader(pkt.MessagePayload)
	if err != nil {
		return Decoded{}, err
	}

	switch pkt.MessageOpcode {
	case diag.DiagMsgF:
		text := string(bytes.TrimRight(rest, "\x00"))
		return Decoded{Text: text, DropCnt: hdr.DropCnt}, nil

	case diag.DiagExtMsgF:
		meta, rest, err := parseNormalMeta(rest)
		if err != nil {
			return Decoded{}, err
		}
		args, rest, err := argsAtStart(rest, 4, int(hdr.NumArgs))
		if err != nil {
			return Decoded{}, err
		}
		parts := bytes.SplitN(rest, []byte{0}, 3)
		if len(parts) < 2 {
			return Decoded{}, fmt.Errorf("messages: malformed string/file trailer")
		}
		text := formatMessage(parts[0], args)
		return Decoded{
			Ssid: meta.Ssid, SsMask: meta.SsMask, Line: meta.Line,
			File: string(parts[1]), Text: text, DropCnt: hdr.DropCnt,
		}, nil

	case diag.DiagQsrExtMsgTerseF, diag.DiagExtMsgTerseF:
		meta, rest, err := parseTerseMeta(rest)
		if err != nil {
			return Decoded{}, err
		}
		args, _, err := argsAtStart(rest, 4, int(hdr.NumArgs))
		if err != nil {
			return Decoded{}, err
		}
		h, ok := qdb.lookupTerse(meta.Hash)
		if !ok {
			return Decoded{}, fmt.Errorf("%w: %#x", ErrUnmappedHash, meta.Hash)
		}
		text := formatMessage(h.String, args)
		return Decoded{
			Ssid: meta.Ssid, SsMask: meta.SsMask, Line: meta.Line,
			File: h.File, Text: text, DropCnt: hdr.DropCnt,
		}, nil

	case diag.DiagQsr4ExtMsgTerseF:
		meta, rest, err := parseQsr4TerseMeta(rest)
		if err != nil {
			return Decoded{}, err
		}
		argSize := int(hdr.NumArgs>>4) & 0xf
		numArgs := int(hdr.NumArgs) & 0xf
		args, _, err := argsAtStart(rest, argSize, numArgs)
		if err != nil {
			return Decoded{}, err
		}
		h, ok := qdb.lookupQsr4(meta.Hash)
		if !ok {
			return Decoded{}, fmt.Errorf("%w: %#x", ErrUnmappedHash, meta.Hash)
		}
		text := formatMessage(h.String, args)
		return Decoded{
			Ssid: h.Ssid, SsMask: h.SsMask, Line: h.Line,
			File: h.File, Text: text, DropCnt: hdr.DropCnt,
		}, nil

	default:
		return Decoded{}, fmt.Errorf("messages: unhandled message opcode %s", pkt.MessageOpcode)
	}
}

// Filter restricts message delivery to a single subsystem ID and level,
// matching --msg-filter semantics.
type Filter struct {
	Ssid  uint16
	Level uint32
}

// Manager owns a QDB dictionary and the device-side message level
// configuration for a Session.
type Manager struct {
	QDB     *QDB
	Filters []Filter
	Log     diag.Logger
	OnText  func(Decoded)
}

// Requester is the subset of *diag.Session a Manager needs.
type Requester interface {
	SendRecv(ctx context.Context, reqOpcode diag.Opcode, payload []byte, acceptError bool) (diag.Opcode, []byte, error)
}

// OnInit enables message delivery: every subsystem at full verbosity if no
// Filters were configured, or only the filtered subsystems at their
// requested level, matching MessagePrinter.on_init.
func (m *Manager) OnInit(ctx context.Context, req Requester) error {
	if len(m.Filters) == 0 {
		return m.setAll(ctx, req, levelAll)
	}
	for _, f := range m.Filters {
		body := make([]byte, 1+2+2+2+4)
		body[0] = extSubcmdSetRTMask
		binary.LittleEndian.PutUint16(body[1:3], f.Ssid)
		binary.LittleEndian.PutUint16(body[3:5], f.Ssid)
		binary.LittleEndian.PutUint32(body[7:11], f.Level)
		if _, _, err := req.SendRecv(ctx, diag.DiagExtMsgConfigF, body, false); err != nil {
			return fmt.Errorf("messages: setting filter for ssid %d: %w", f.Ssid, err)
		}
	}
	return nil
}

// OnDeinit silences every subsystem, matching MessagePrinter.on_deinit.
func (m *Manager) OnDeinit(ctx context.Context, req Requester) {
	_ = m.setAll(ctx, req, levelNone)
}

func (m *Manager) setAll(ctx context.Context, req Requester, level uint32) error {
	body := make([]byte, 1+2+4)
	body[0] = extSubcmdSetAllRTMask
	binary.LittleEndian.PutUint32(body[3:7], level)
	_, _, err := req.SendRecv(ctx, diag.DiagExtMsgConfigF, body, false)
	return err
}

// OnMessage decodes pkt and forwards it to OnText (if set), logging the
// formatted line. Unmapped terse hashes and malformed payloads are logged
// as warnings and otherwise dropped, matching on_message's behavior of
// never failing the session over one bad message.
func (m *Manager) OnMessage(pkt diag.Packet) {
	dec, err := Decode(pkt, m.QDB)
	if err != nil {
		if m.Log != nil {
			m.Log.Infof("messages: %v", err)
		}
		return
	}
	if dec.DropCnt > 0 && m.Log != nil {
		m.Log.Infof("messages: dropped %d message(s); consider adding filters", dec.DropCnt)
	}
	if m.OnText != nil {
		m.OnText(dec)
	}
	if m.Log != nil {
		m.Log.Debugf("[%5d] %s:%d %s", dec.Ssid, dec.File, dec.Line, dec.Text)
	}
}

// Module adapts Manager into a *diag.Module for registration with a Session.
func (m *Manager) Module(req Requester) *diag.Module {
	return &diag.Module{
		Name: "messages",
		OnInit: func(ctx context.Context, _ *diag.Session) error {
			return m.OnInit(ctx, req)
		},
		OnDeinit: func(ctx context.Context, _ *diag.Session) {
			m.OnDeinit(ctx, req)
		},
		WantsMessage: m.OnMessage,
	}
}
