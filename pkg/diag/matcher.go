package diag

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MaxRetransmits is the number of retransmissions attempted after the
// initial send, for a total of MaxRetransmits+1 send attempts (spec.md §4.4).
const MaxRetransmits = 3

// RequestTimeout bounds how long the matcher waits for a response to a
// single send attempt before retransmitting (spec.md §4.4).
const RequestTimeout = 5 * time.Second

// ErrRequestTimeout is returned when no response arrived after every
// retransmit attempt was exhausted.
var ErrRequestTimeout = errors.New("diag: request timed out after all retransmits")

// ErrUnexpectedResponse is returned when a response's opcode matches
// neither the request opcode nor any of the recognized error opcodes —
// the hallmark of a second client stealing responses off the same device
// (spec.md §4.4).
var ErrUnexpectedResponse = errors.New("diag: unexpected response opcode, possibly another client attached")

// ErrResponseIsError is returned when the device replied with one of the
// seven error opcodes and the caller did not set AcceptError.
var ErrResponseIsError = errors.New("diag: device returned an error response")

// Sender writes a single unframed request packet to the transport.
type Sender interface {
	SendRequest(ctx context.Context, payload []byte) error
}

// Matcher serializes request/response exchanges: only one request may be
// in flight at a time, and every inbound packet the frame demultiplexer
// classifies as a response is routed here; logs and messages go to module
// dispatch instead (spec.md §4.4).
type Matcher struct {
	sender Sender

	sendMu sync.Mutex // serializes SendRecv calls: one request in flight

	pendingMu sync.Mutex // guards pending against the demux goroutine
	pending   chan Packet

	onFatal func(error)
}

// NewMatcher builds a Matcher that writes requests via sender. onFatal is
// invoked (at most once per fatal condition) when a timeout or an
// unexpected/error response forces a session-wide shutdown, mirroring the
// original's practice of tearing down the whole client rather than
// returning a recoverable error to one caller (spec.md §4.4, §4.5).
func NewMatcher(sender Sender, onFatal func(error)) *Matcher {
	return &Matcher{sender: sender, onFatal: onFatal}
}

// SendRecv sends req and waits for the matching response, retransmitting
// up to MaxRetransmits times on timeout. acceptError suppresses the
// error-opcode check, matching send_recv(accept_error=True) callers during
// module initialization (spec.md §4.4).
func (m *Matcher) SendRecv(ctx context.Context, reqOpcode Opcode, payload []byte, acceptError bool) (Opcode, []byte, error) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	respCh := make(chan Packet, 1)
	m.pendingMu.Lock()
	m.pending = respCh
	m.pendingMu.Unlock()
	defer func() {
		m.pendingMu.Lock()
		m.pending = nil
		m.pendingMu.Unlock()
	}()

	framed := make([]byte, 1+len(payload))
	framed[0] = byte(reqOpcode)
	copy(framed[1:], payload)

	var lastErr error
	for attempt := 0; attempt <= MaxRetransmits; attempt++ {
		if err := m.sender.SendRequest(ctx, framed); err != nil {
			return 0, nil, fmt.Errorf("diag: sending request %s: %w", reqOpcode, err)
		}

		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()

		case pkt := <-respCh:
			op := pkt.Opcode
			if op != reqOpcode && !IsErrorOpcode(op) {
				m.fatal(fmt.Errorf("%w: sent %s, got %s", ErrUnexpectedResponse, reqOpcode, op))
				return 0, nil, ErrUnexpectedResponse
			}
			if IsErrorOpcode(op) && !acceptError {
				m.fatal(fmt.Errorf("%w: %s", ErrResponseIsError, op))
				return 0, nil, ErrResponseIsError
			}
			return op, pkt.Payload, nil

		case <-time.After(RequestTimeout):
			lastErr = fmt.Errorf("%w: opcode %s, attempt %d/%d", ErrRequestTimeout, reqOpcode, attempt+1, MaxRetransmits+1)
		}
	}

	m.fatal(lastErr)
	return 0, nil, lastErr
}

// Deliver routes a classified response packet to the currently waiting
// SendRecv call, if any. It is called from the frame demultiplexer's read
// loop. A response arriving with nothing pending is silently dropped, per
// the original's tolerance of stray late replies.
func (m *Matcher) Deliver(pkt Packet) {
	m.pendingMu.Lock()
	ch := m.pending
	m.pendingMu.Unlock()

	if ch == nil {
		return
	}
	select {
	case ch <- pkt:
	default:
	}
}

func (m *Matcher) fatal(err error) {
	if err == nil || m.onFatal == nil {
		return
	}
	m.onFatal(err)
}
