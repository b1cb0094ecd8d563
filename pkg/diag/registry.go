package diag

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
)

// Module is the capability surface a protocol feature (log subscription,
// EFS2 client, message decoding, ...) implements to participate in a
// Session. Modules compose capabilities as plain struct fields instead of
// the original's hasattr-based mixin probing (spec.md §9 REDESIGN FLAGS):
// a Module that wants to see log records sets WantsLog, one that wants
// raw debug messages sets WantsMessage, and so on.
type Module struct {
	Name string

	// OnInit runs once, after housekeeping requests, before the module is
	// considered live. Returning an error removes the module from the
	// registry without ever invoking WantsLog/WantsMessage/OnDeinit.
	OnInit func(ctx context.Context, sess *Session) error

	// OnDeinit runs once during an orderly shutdown sweep, best-effort.
	OnDeinit func(ctx context.Context, sess *Session)

	// WantsLog, if non-nil, receives every classified log record.
	WantsLog func(pkt Packet)

	// WantsMessage, if non-nil, receives every classified debug message.
	WantsMessage func(pkt Packet)
}

// hasSubscription reports whether m wants to receive anything from the
// device at all. A module with neither hook is deregistered after init,
// mirroring the original's "no on_log/on_message -> drop" rule.
func (m *Module) hasSubscription() bool {
	return m.WantsLog != nil || m.WantsMessage != nil
}

// Registry tracks the live module set and notifies Shutdown when the set
// becomes empty (spec.md §4.5, §4.6).
type Registry struct {
	mu       sync.Mutex
	modules  []*Module
	shutdown *Shutdown
}

// NewRegistry builds a Registry that signals shutdown once every module
// has been removed.
func NewRegistry(shutdown *Shutdown) *Registry {
	return &Registry{shutdown: shutdown}
}

// Add registers m. Safe to call only before InitAll or from within another
// module's OnInit.
func (r *Registry) Add(m *Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules = append(r.modules, m)
}

// logConfigDisableOp and the ext-msg-config sub-command/level below are the
// two housekeeping requests issued before any module runs: they clear any
// log configuration and message-level mask left over from a previous,
// uncleanly-terminated client (spec.md §4.5).
const (
	logConfigDisableOp   = 0
	extMsgConfigSetAllOp = 5
	extMsgLevelNone      = 0
)

// InitAll issues the two mandatory housekeeping requests (disable residual
// log configuration; silence all message levels), then runs OnInit for
// every registered module in order, removing any module whose OnInit fails
// or that subscribes to nothing afterward (spec.md §4.5). Both housekeeping
// requests tolerate an error response, matching the original's
// accept_error=True.
func (r *Registry) InitAll(ctx context.Context, sess *Session) {
	disableLog := make([]byte, 3+4)
	binary.LittleEndian.PutUint32(disableLog[3:7], logConfigDisableOp)
	if _, _, err := sess.SendRecv(ctx, DiagLogConfigF, disableLog, true); err != nil {
		sess.logf("housekeeping: disabling residual log config: %v", err)
	}

	silenceMessages := make([]byte, 3+4)
	silenceMessages[0] = extMsgConfigSetAllOp
	binary.LittleEndian.PutUint32(silenceMessages[3:7], extMsgLevelNone)
	if _, _, err := sess.SendRecv(ctx, DiagExtMsgConfigF, silenceMessages, true); err != nil {
		sess.logf("housekeeping: silencing message levels: %v", err)
	}

	r.mu.Lock()
	modules := append([]*Module(nil), r.modules...)
	r.mu.Unlock()

	for _, m := range modules {
		if m.OnInit != nil {
			if err := m.OnInit(ctx, sess); err != nil {
				sess.logf("module %s failed to initialize: %v", m.Name, err)
				r.Remove(ctx, m, sess, false)
				continue
			}
		}
		if !m.hasSubscription() {
			sess.logf("module %s subscribes to nothing, deregistering", m.Name)
			r.Remove(ctx, m, sess, false)
		}
	}
}

// Remove deregisters m, optionally invoking its OnDeinit first (runDeinit
// is false when OnInit itself already failed, matching the original's
// "never deinit a module that never finished initializing" rule). If the
// registry becomes empty, the shutdown coordinator is notified.
func (r *Registry) Remove(ctx context.Context, m *Module, sess *Session, runDeinit bool) {
	if runDeinit && m.OnDeinit != nil {
		m.OnDeinit(ctx, sess)
	}

	r.mu.Lock()
	for i, cur := range r.modules {
		if cur == m {
			r.modules = append(r.modules[:i], r.modules[i+1:]...)
			break
		}
	}
	empty := len(r.modules) == 0
	r.mu.Unlock()

	if empty {
		r.shutdown.Signal(fmt.Errorf("diag: last module deregistered"))
	}
}

// DeinitAll runs OnDeinit for every remaining module, best-effort, during
// an orderly shutdown sweep (spec.md §4.5).
func (r *Registry) DeinitAll(ctx context.Context, sess *Session) {
	r.mu.Lock()
	modules := append([]*Module(nil), r.modules...)
	r.mu.Unlock()

	for _, m := range modules {
		if m.OnDeinit != nil {
			m.OnDeinit(ctx, sess)
		}
	}
}

// ModuleInfo is a read-only capability summary of a registered module,
// for observability surfaces like pkg/dashboard.
type ModuleInfo struct {
	Name         string
	WantsLog     bool
	WantsMessage bool
}

// Snapshot returns a capability summary of every currently registered
// module, in registration order.
func (r *Registry) Snapshot() []ModuleInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ModuleInfo, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, ModuleInfo{
			Name:         m.Name,
			WantsLog:     m.WantsLog != nil,
			WantsMessage: m.WantsMessage != nil,
		})
	}
	return out
}

// DispatchLog fans a classified log packet out to every module that wants it.
func (r *Registry) DispatchLog(pkt Packet) {
	r.mu.Lock()
	modules := append([]*Module(nil), r.modules...)
	r.mu.Unlock()

	for _, m := range modules {
		if m.WantsLog != nil {
			m.WantsLog(pkt)
		}
	}
}

// DispatchMessage fans a classified debug-message packet out to every
// module that wants it.
func (r *Registry) DispatchMessage(pkt Packet) {
	r.mu.Lock()
	modules := append([]*Module(nil), r.modules...)
	r.mu.Unlock()

	for _, m := range modules {
		if m.WantsMessage != nil {
			m.WantsMessage(pkt)
		}
	}
}
