package diag

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/qcsuper/diagcore/pkg/hdlc"
)

// Transport is the minimal read/write/close contract every wire binding
// (serial, USB, TCP, or a read-only replay source) must satisfy. Defined
// here, at the point of use, rather than in pkg/transport, so that
// package stays free to depend on nothing from pkg/diag (spec.md §4.2).
type Transport interface {
	io.Closer
	// Write sends a single already-HDLC-framed buffer.
	Write(ctx context.Context, framed []byte) error
	// Read blocks for at least one new chunk of bytes off the wire, or
	// returns io.EOF once the transport is exhausted (replay sources) or
	// closed.
	Read(ctx context.Context) ([]byte, error)
}

// Sink is the optional forensic/telemetry observer a Session reports
// every classified packet to, independent of module dispatch (spec.md
// §4.12). A nil Sink is a valid no-op.
type Sink interface {
	Observe(pkt Packet)
}

// TransportKind distinguishes a live device connection from a replay
// source, so the read loop can tell a dead baseband from an exhausted file
// (spec.md §4.3).
type TransportKind int

const (
	// TransportKindLive is a real device on the other end: serial, USB, or
	// TCP. This is the default for any Transport that does not opt into a
	// more specific kind.
	TransportKindLive TransportKind = iota
	// TransportKindFile is a replay source reading a previously captured
	// file (DLF, JSON-line): there is no baseband to lose.
	TransportKindFile
)

// kindedTransport is implemented by transports that are not a live device,
// checked via type assertion so the base Transport interface stays minimal
// and serial/USB/TCP need not declare anything.
type kindedTransport interface {
	TransportKind() TransportKind
}

func transportKind(t Transport) TransportKind {
	if kt, ok := t.(kindedTransport); ok {
		return kt.TransportKind()
	}
	return TransportKindLive
}

// Logger is the minimal structured-logging surface Session needs; satisfied
// by *internal/logger.Logger.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Session is the composition root: one transport, its frame demultiplexer,
// the request/response matcher, the module registry, and the shutdown
// coordinator, wired together exactly as described in spec.md §3 and §5.
type Session struct {
	transport Transport
	registry  *Registry
	matcher   *Matcher
	shutdown  *Shutdown
	sink      Sink
	log       Logger

	firstFrameReceived bool

	sendMu  sync.Mutex // one writer at a time on the underlying transport
	recvBuf []byte
}

// NewSession wires a Session around transport. log may be nil, in which
// case Session falls back to a discarding logger.
func NewSession(transport Transport, sink Sink, log Logger) *Session {
	sess := &Session{
		transport: transport,
		sink:      sink,
		log:       log,
		shutdown:  NewShutdown(),
	}
	sess.registry = NewRegistry(sess.shutdown)
	sess.matcher = NewMatcher(sess, sess.onMatcherFatal)
	return sess
}

func (s *Session) logf(format string, args ...interface{}) {
	if s.log == nil {
		return
	}
	s.log.Debugf(format, args...)
}

func (s *Session) onMatcherFatal(err error) {
	s.shutdown.Signal(fmt.Errorf("diag: matcher fatal: %w", err))
}

// Registry exposes the module registry so callers can Add modules before Run.
func (s *Session) Registry() *Registry { return s.registry }

// Shutdown exposes the shutdown coordinator for callers that want to wait
// on Done() or trigger a user-requested interrupt via Signal(nil).
func (s *Session) Shutdown() *Shutdown { return s.shutdown }

// SendRequest implements Sender: it HDLC-encapsulates payload and writes
// it to the transport, serialized against concurrent callers.
func (s *Session) SendRequest(ctx context.Context, payload []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.transport.Write(ctx, hdlc.Encapsulate(payload))
}

// SendRecv issues a request through the matcher. See Matcher.SendRecv.
func (s *Session) SendRecv(ctx context.Context, reqOpcode Opcode, payload []byte, acceptError bool) (Opcode, []byte, error) {
	return s.matcher.SendRecv(ctx, reqOpcode, payload, acceptError)
}

// Run drives the read loop: pull bytes from the transport, split on frame
// trailers, decapsulate, classify, and dispatch until the transport is
// exhausted/closed or shutdown is signaled externally. It returns once the
// read loop ends, always signaling shutdown first if nothing already has
// (spec.md §4.3, §4.6).
func (s *Session) Run(ctx context.Context) {
	defer func() {
		s.shutdown.Signal(fmt.Errorf("diag: read loop ended"))
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown.Done():
			return
		default:
		}

		chunk, err := s.transport.Read(ctx)
		if err != nil {
			if err != io.EOF {
				s.logf("transport read error: %v", err)
			}
			return
		}
		s.recvBuf = append(s.recvBuf, chunk...)

		var frames [][]byte
		frames, s.recvBuf = hdlc.Split(s.recvBuf)
		for _, frame := range frames {
			s.handleFrame(frame)
		}
	}
}

func (s *Session) handleFrame(frame []byte) {
	if len(frame) == 1 && frame[0] == hdlc.TRAILER {
		// A frame consisting only of the trailer byte carries nothing to
		// decapsulate. Over a replay file this is an artifact of the
		// capture and safely ignored; over a live transport it means the
		// baseband has stopped answering, which nothing can recover from
		// (spec.md §4.3).
		if transportKind(s.transport) == TransportKindFile {
			s.logf("ignoring trailer-only frame")
			return
		}
		s.shutdown.Signal(fmt.Errorf("diag: trailer-only frame received, baseband gone"))
		return
	}

	strict := s.firstFrameReceived
	payload, err := hdlc.Decapsulate(frame, strict)
	if err != nil {
		if !strict {
			// Tolerate a truncated leading fragment on a freshly opened
			// transport (spec.md §3); the next frame still gets a chance.
			s.logf("dropping unframeable leading fragment: %v", err)
			return
		}
		s.logf("dropping corrupt frame: %v", err)
		return
	}
	s.firstFrameReceived = true

	pkt, err := Classify(payload)
	if err != nil {
		s.logf("dropping unclassifiable packet: %v", err)
		return
	}

	if s.sink != nil {
		s.sink.Observe(pkt)
	}

	switch pkt.Kind {
	case KindResponse:
		s.matcher.Deliver(pkt)
	case KindLog:
		if pkt.OuterLengthMismatch() {
			s.logf("log record %d outer-length mismatch (non-fatal)", pkt.LogHeader.LogCode)
		}
		s.registry.DispatchLog(pkt)
	case KindMessage:
		s.registry.DispatchMessage(pkt)
	}
}

// Close closes the underlying transport.
func (s *Session) Close() error {
	return s.transport.Close()
}
