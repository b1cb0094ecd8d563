package health

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMonitorRecordsCounters(t *testing.T) {
	m := NewMonitor(Config{})
	m.RecordRequest()
	m.RecordRequest()
	m.RecordRetransmit()
	m.RecordLog()
	m.RecordMessage()

	s := m.Status()
	assert.EqualValues(t, 2, s.RequestsIssued)
	assert.EqualValues(t, 1, s.Retransmits)
	assert.EqualValues(t, 1, s.LogsDispatched)
	assert.EqualValues(t, 1, s.MessagesDispatched)
	assert.True(t, s.Healthy)
}

func TestMonitorRecordErrorDoesNotFlipHealthy(t *testing.T) {
	m := NewMonitor(Config{})
	m.RecordError(errors.New("boom"))

	s := m.Status()
	assert.EqualValues(t, 1, s.ErrorCount)
	assert.Equal(t, "boom", s.LastError)
	assert.True(t, s.Healthy) // a logged error alone isn't a shutdown
}

func TestMonitorRecordShutdownMarksUnhealthy(t *testing.T) {
	m := NewMonitor(Config{})
	m.RecordShutdown("peer closed connection")

	s := m.Status()
	assert.False(t, s.Healthy)
	assert.Equal(t, "peer closed connection", s.ShutdownCause)
}

func TestMonitorStopIsIdempotent(t *testing.T) {
	m := NewMonitor(Config{})
	assert.NotPanics(t, func() {
		m.Stop()
		m.Stop()
	})
}
