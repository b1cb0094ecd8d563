// Package health tracks liveness and basic counters for a diag session,
// adapted from the teacher's pkg/health package (spec.md SPEC_FULL §4.13).
package health

import (
	"sync"
	"time"
)

// Config tunes periodic health reporting.
type Config struct {
	Enabled       bool
	CheckInterval time.Duration
}

// Status is a point-in-time snapshot of session health.
type Status struct {
	Healthy            bool
	Timestamp          time.Time
	UptimeSeconds      int64
	RequestsIssued     int64
	Retransmits        int64
	LogsDispatched     int64
	MessagesDispatched int64
	ErrorCount         int64
	LastError          string
	ShutdownCause      string
}

// Monitor accumulates session counters and exposes a Status snapshot,
// primarily for pkg/dashboard's /health and /metrics endpoints.
type Monitor struct {
	mu        sync.RWMutex
	config    Config
	startTime time.Time
	status    Status
	stop      chan struct{}
}

// NewMonitor creates a Monitor and starts its periodic timestamp/uptime
// refresh loop if cfg.Enabled.
func NewMonitor(cfg Config) *Monitor {
	m := &Monitor{
		config:    cfg,
		startTime: time.Now(),
		status:    Status{Healthy: true, Timestamp: time.Now()},
		stop:      make(chan struct{}),
	}
	if cfg.Enabled && cfg.CheckInterval > 0 {
		go m.tickLoop()
	}
	return m
}

// Status returns a copy of the current health snapshot.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.status
	s.UptimeSeconds = int64(time.Since(m.startTime).Seconds())
	return s
}

// RecordRequest increments the request counter.
func (m *Monitor) RecordRequest() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.RequestsIssued++
}

// RecordRetransmit increments the retransmit counter.
func (m *Monitor) RecordRetransmit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.Retransmits++
}

// RecordLog increments the dispatched-log counter.
func (m *Monitor) RecordLog() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.LogsDispatched++
}

// RecordMessage increments the dispatched-message counter.
func (m *Monitor) RecordMessage() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.MessagesDispatched++
}

// RecordError counts err and records it as the last error. It does not
// change Healthy; only RecordShutdown does.
func (m *Monitor) RecordError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.ErrorCount++
	m.status.LastError = err.Error()
}

// RecordShutdown marks the session as shut down with the given cause.
func (m *Monitor) RecordShutdown(cause string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.Healthy = false
	m.status.ShutdownCause = cause
}

// Stop terminates the background refresh loop, if running.
func (m *Monitor) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}

func (m *Monitor) tickLoop() {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			m.status.Timestamp = now
			m.mu.Unlock()
		}
	}
}
