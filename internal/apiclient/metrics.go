package apiclient

import (
	"sync"

	"go.uber.org/zap"
)

// Event names a token-lifecycle occurrence observed by the client.
type Event string

const (
	EventRefreshSuccess      Event = "refresh.success"
	EventRefreshFailure      Event = "refresh.failure"
	EventRefreshMissingToken Event = "refresh.missing_token"
	EventForcedLogout        Event = "session.forced_logout"
	EventRequestRetried      Event = "request.retried"
)

// MetricsRecorder observes client events.
type MetricsRecorder interface {
	Increment(event Event)
}

// CounterMetrics tallies events in memory.
type CounterMetrics struct {
	mutex   sync.Mutex
	tallies map[Event]int64
}

// NewCounterMetrics returns an empty tally.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{tallies: make(map[Event]int64)}
}

// Increment records one occurrence of event.
func (metrics *CounterMetrics) Increment(event Event) {
	metrics.mutex.Lock()
	metrics.tallies[event]++
	metrics.mutex.Unlock()
}

// Count reports how often event occurred.
func (metrics *CounterMetrics) Count(event Event) int64 {
	metrics.mutex.Lock()
	defer metrics.mutex.Unlock()
	return metrics.tallies[event]
}

// Snapshot copies every tally keyed by event name.
func (metrics *CounterMetrics) Snapshot() map[string]int64 {
	metrics.mutex.Lock()
	defer metrics.mutex.Unlock()
	snapshot := make(map[string]int64, len(metrics.tallies))
	for event, tally := range metrics.tallies {
		snapshot[string(event)] = tally
	}
	return snapshot
}

// LoggingMetrics forwards events to next and writes each one as a debug line.
type LoggingMetrics struct {
	next   MetricsRecorder
	logger *zap.Logger
}

// NewLoggingMetrics wraps next. A nil next only logs.
func NewLoggingMetrics(next MetricsRecorder, logger *zap.Logger) *LoggingMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingMetrics{next: next, logger: logger}
}

// Increment logs event and forwards it.
func (metrics *LoggingMetrics) Increment(event Event) {
	metrics.logger.Debug("client event",
		zap.String("code", "apiclient.event"),
		zap.String("event", string(event)))
	if metrics.next != nil {
		metrics.next.Increment(event)
	}
}
