package retry

import (
	"time"

	"github.com/synckit/resilience/pkg/types"
)

// EventType identifies an orchestration event.
type EventType string

const (
	// EventRetryScheduled fires when a retry delay starts, and when
	// Schedule arms a deferred run
	EventRetryScheduled EventType = "retry_scheduled"

	// EventOperationSucceeded fires when an attempt returns success
	EventOperationSucceeded EventType = "operation_succeeded"

	// EventOperationFailed fires when an attempt returns an error
	EventOperationFailed EventType = "operation_failed"

	// EventSessionCompleted fires when a session reaches a terminal state
	EventSessionCompleted EventType = "session_completed"

	// EventBreakerOpened fires when a circuit breaker trips or re-opens
	EventBreakerOpened EventType = "circuit_breaker_opened"

	// EventBreakerHalfOpen fires when an open breaker starts admitting probes
	EventBreakerHalfOpen EventType = "circuit_breaker_half_open"

	// EventBreakerReset fires when a success closes a breaker
	EventBreakerReset EventType = "circuit_breaker_reset"

	// EventRetryCancelled fires when a pending retry is cancelled
	EventRetryCancelled EventType = "retry_cancelled"

	// EventBudgetReset fires when a device's retry window rolls over
	EventBudgetReset EventType = "retry_budget_reset"
)

// Event is the side-effect-only record of one orchestration step. Listeners
// observe the stream; retry decisions never read it back.
type Event struct {
	Type          EventType
	SessionID     string
	OperationID   string
	OperationType types.OperationType
	DeviceID      string
	Priority      types.Priority

	// Attempt is the 1-based attempt number, zero when not attempt-scoped
	Attempt int

	// Delay is the wait preceding a scheduled retry
	Delay time.Duration

	// Duration is the attempt duration for operation events and the total
	// elapsed time for session completion
	Duration time.Duration

	// Err carries the attempt error on failure events
	Err error

	Timestamp time.Time
}

// Listener consumes orchestration events. Implementations must return
// quickly; the orchestrator invokes them inline on the attempt loop.
type Listener interface {
	OnEvent(e Event)
}

// ListenerFunc adapts a plain function to the Listener interface.
type ListenerFunc func(Event)

// OnEvent implements Listener
func (f ListenerFunc) OnEvent(e Event) {
	f(e)
}
