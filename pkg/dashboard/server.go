// Package dashboard exposes a read-only operator HTTP/WebSocket surface
// over a running diag session, adapted from the teacher's pkg/web.Server
// (spec.md SPEC_FULL §4.13): health/metrics, the registered module set,
// current log-mask subscription sizes, and a live WebSocket tail of
// dispatched log/message frames. It never calls SendRecv and cannot
// mutate session state.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qcsuper/diagcore/pkg/diag"
	"github.com/qcsuper/diagcore/pkg/health"
)

// StatusProvider exposes session health/metrics.
type StatusProvider interface {
	Status() health.Status
}

// ModulesProvider exposes the registered module capability set.
type ModulesProvider interface {
	Modules() []diag.ModuleInfo
}

// SubscriptionProvider exposes current per-equipment-ID mask sizes.
type SubscriptionProvider interface {
	Subscription() map[uint32]uint32
}

// Config wires a Server to its data sources and listen settings.
type Config struct {
	Addr              string
	AuthService       *AuthService
	Status            StatusProvider
	Modules           ModulesProvider
	Subscription      SubscriptionProvider
	Logger            Logger
	ReadHeaderTimeout time.Duration
}

// Logger is the minimal structured-logging surface Server needs.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// StreamEvent is one live-tail record pushed to WebSocket subscribers.
type StreamEvent struct {
	Kind      string    `json:"kind"`
	Opcode    uint32    `json:"opcode,omitempty"`
	LogCode   uint32    `json:"log_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Server is the dashboard's HTTP/WebSocket front end.
type Server struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader

	wsMu      sync.RWMutex
	wsClients map[*websocket.Conn]chan StreamEvent
}

// New builds a Server from cfg. Call Observe from the session's Sink (or a
// tee in front of it) to feed the live WebSocket tail.
func New(cfg Config) *Server {
	return &Server{
		cfg:       cfg,
		wsClients: make(map[*websocket.Conn]chan StreamEvent),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Observe implements diag.Sink: every classified packet becomes a
// StreamEvent broadcast to connected WebSocket clients.
func (s *Server) Observe(pkt diag.Packet) {
	ev := StreamEvent{Timestamp: time.Now()}
	switch pkt.Kind {
	case diag.KindLog:
		ev.Kind = "log"
		ev.LogCode = uint32(pkt.LogHeader.LogCode)
	case diag.KindMessage:
		ev.Kind = "message"
		ev.Opcode = uint32(pkt.MessageOpcode)
	default:
		return
	}
	s.broadcast(ev)
}

// Start begins serving HTTP. It blocks until the server stops.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/health", s.requireAuth(s.handleHealth))
	mux.HandleFunc("/metrics", s.requireAuth(s.handleMetrics))
	mux.HandleFunc("/api/modules", s.requireAuth(s.handleModules))
	mux.HandleFunc("/api/subscription", s.requireAuth(s.handleSubscription))
	mux.HandleFunc("/api/stream", s.handleStream)

	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: orDefault(s.cfg.ReadHeaderTimeout, 10*time.Second),
	}

	if s.cfg.Logger != nil {
		s.cfg.Logger.Infof("dashboard listening on %s", s.cfg.Addr)
	}
	return s.server.ListenAndServe()
}

// Stop gracefully shuts the HTTP server down and disconnects WebSocket clients.
func (s *Server) Stop(ctx context.Context) error {
	s.wsMu.Lock()
	for conn, ch := range s.wsClients {
		conn.Close()
		close(ch)
	}
	s.wsClients = make(map[*websocket.Conn]chan StreamEvent)
	s.wsMu.Unlock()

	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.sendError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if _, err := s.cfg.AuthService.ValidateToken(token); err != nil {
			s.sendError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := s.cfg.AuthService.Login(req.Username, req.Password)
	if err != nil {
		s.sendError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.cfg.Status.Status()
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"healthy":        status.Healthy,
		"shutdown_cause": status.ShutdownCause,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.cfg.Status.Status())
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.cfg.Modules.Modules())
}

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.cfg.Subscription.Subscription())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := s.cfg.AuthService.ValidateToken(token); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.cfg.Logger != nil {
			s.cfg.Logger.Warnf("websocket upgrade failed: %v", err)
		}
		return
	}

	ch := make(chan StreamEvent, 64)
	s.wsMu.Lock()
	s.wsClients[conn] = ch
	s.wsMu.Unlock()

	defer func() {
		s.wsMu.Lock()
		delete(s.wsClients, conn)
		s.wsMu.Unlock()
		conn.Close()
	}()

	go s.drainClientReads(conn)

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// drainClientReads discards anything the client sends and returns once a
// read fails (the peer hung up or the connection was closed). It does not
// close the connection itself.
func (s *Server) drainClientReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) broadcast(ev StreamEvent) {
	s.wsMu.RLock()
	defer s.wsMu.RUnlock()
	for _, ch := range s.wsClients {
		select {
		case ch <- ev:
		default:
			// Slow consumer: drop rather than block the session's read loop.
		}
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil && s.cfg.Logger != nil {
		s.cfg.Logger.Errorf("encoding dashboard response: %v", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{"error": message})
}
