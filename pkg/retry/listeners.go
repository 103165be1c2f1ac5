package retry

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// LogListener logs orchestration events through slog. Attempt-level events
// log at Debug, lifecycle events at Info, and degradation signals (attempt
// failures, breaker opens) at Warn.
type LogListener struct {
	logger *slog.Logger
}

// NewLogListener creates a log listener; a nil logger falls back to
// slog.Default().
func NewLogListener(logger *slog.Logger) *LogListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogListener{logger: logger}
}

// OnEvent implements Listener
func (l *LogListener) OnEvent(e Event) {
	attrs := []any{
		slog.String("session_id", e.SessionID),
		slog.String("operation_id", e.OperationID),
		slog.String("operation_type", string(e.OperationType)),
		slog.String("device_id", e.DeviceID),
		slog.String("priority", e.Priority.String()),
	}
	if e.Attempt > 0 {
		attrs = append(attrs, slog.Int("attempt", e.Attempt))
	}
	if e.Delay > 0 {
		attrs = append(attrs, slog.Duration("delay", e.Delay))
	}
	if e.Duration > 0 {
		attrs = append(attrs, slog.Duration("duration", e.Duration))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.Any("error", e.Err))
	}

	switch e.Type {
	case EventRetryScheduled:
		l.logger.Debug("retry scheduled", attrs...)
	case EventOperationSucceeded:
		l.logger.Info("operation succeeded", attrs...)
	case EventOperationFailed:
		l.logger.Warn("operation attempt failed", attrs...)
	case EventSessionCompleted:
		l.logger.Info("retry session completed", attrs...)
	case EventBreakerOpened:
		l.logger.Warn("circuit breaker opened", attrs...)
	case EventBreakerHalfOpen:
		l.logger.Info("circuit breaker half-open", attrs...)
	case EventBreakerReset:
		l.logger.Info("circuit breaker reset", attrs...)
	case EventRetryCancelled:
		l.logger.Info("retry cancelled", attrs...)
	case EventBudgetReset:
		l.logger.Info("retry budget window reset", attrs...)
	default:
		l.logger.Debug(string(e.Type), attrs...)
	}
}

// ChannelListener delivers events on a buffered channel. When the buffer is
// full the event is dropped rather than blocking the attempt loop; Dropped
// reports how many were discarded.
type ChannelListener struct {
	mu      sync.RWMutex
	ch      chan Event
	closed  bool
	dropped int64
}

// DefaultChannelBuffer is the event buffer size when none is given.
const DefaultChannelBuffer = 64

// NewChannelListener creates a channel listener with the given buffer size.
func NewChannelListener(buffer int) *ChannelListener {
	if buffer <= 0 {
		buffer = DefaultChannelBuffer
	}
	return &ChannelListener{
		ch: make(chan Event, buffer),
	}
}

// OnEvent implements Listener
func (l *ChannelListener) OnEvent(e Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return
	}

	select {
	case l.ch <- e:
	default:
		atomic.AddInt64(&l.dropped, 1)
	}
}

// Events returns the receive side of the listener's channel. The channel
// closes when the listener is closed.
func (l *ChannelListener) Events() <-chan Event {
	return l.ch
}

// Dropped returns the number of events discarded due to a full buffer.
func (l *ChannelListener) Dropped() int64 {
	return atomic.LoadInt64(&l.dropped)
}

// Close stops delivery and closes the event channel. Safe to call more
// than once.
func (l *ChannelListener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	close(l.ch)
}
