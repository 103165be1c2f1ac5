// Package retry provides retry orchestration for sync operations
package retry

import (
	"fmt"
	"time"

	"github.com/synckit/resilience/pkg/types"
)

// Default tuning applied by NewContext for each priority level.
const (
	DefaultMaxRetries    = 3
	DefaultBaseDelay     = time.Second
	DefaultMaxDelay      = 30 * time.Second
	DefaultBackoffFactor = 2.0
	DefaultJitterFactor  = 0.1
)

// Context describes the retry tuning for a single operation. Values are
// treated as immutable once handed to the orchestrator; the attempt loop
// reads them but never writes them back.
type Context struct {
	// OperationID identifies the logical operation across attempts
	OperationID string

	// OperationType is the kind of sync work being performed
	OperationType types.OperationType

	// DeviceID is the peer or backend the operation targets
	DeviceID string

	// Priority controls the default tuning aggressiveness
	Priority types.Priority

	// MaxRetries is the number of retries after the first attempt
	MaxRetries int

	// BaseDelay seeds the exponential backoff
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff before jitter
	MaxDelay time.Duration

	// BackoffFactor is the per-attempt delay multiplier
	BackoffFactor float64

	// JitterFactor is the symmetric jitter range as a fraction of the delay
	JitterFactor float64

	// RetryableErrors lists error codes retried ahead of any category rule
	RetryableErrors []string

	// CircuitBreakerEnabled gates breaker consultation for this operation
	CircuitBreakerEnabled bool
}

// ContextOption is a configuration option for retry contexts
type ContextOption func(*Context)

// NewContext creates a retry context with medium-priority defaults. Apply
// WithPriority before explicit tuning options; it replaces the tuning with
// the priority's defaults.
func NewContext(operationID, deviceID string, opType types.OperationType, opts ...ContextOption) Context {
	c := Context{
		OperationID:           operationID,
		OperationType:         opType,
		DeviceID:              deviceID,
		CircuitBreakerEnabled: true,
	}
	c.applyPriority(types.PriorityMedium)

	for _, opt := range opts {
		opt(&c)
	}

	return c
}

// applyPriority sets the priority and its default tuning
func (c *Context) applyPriority(p types.Priority) {
	c.Priority = p
	c.BackoffFactor = DefaultBackoffFactor
	c.JitterFactor = DefaultJitterFactor

	switch p {
	case types.PriorityHigh:
		c.MaxRetries = 5
		c.BaseDelay = 500 * time.Millisecond
		c.MaxDelay = DefaultMaxDelay
	case types.PriorityLow:
		c.MaxRetries = 2
		c.BaseDelay = 2 * time.Second
		c.MaxDelay = time.Minute
	default:
		c.MaxRetries = DefaultMaxRetries
		c.BaseDelay = DefaultBaseDelay
		c.MaxDelay = DefaultMaxDelay
	}
}

// Validate checks the numeric constraints and identifier fields.
func (c Context) Validate() error {
	switch {
	case c.OperationID == "":
		return fmt.Errorf("%w: operation ID is empty", types.ErrInvalidContext)
	case c.DeviceID == "":
		return fmt.Errorf("%w: device ID is empty", types.ErrInvalidContext)
	case !c.OperationType.Valid():
		return fmt.Errorf("%w: unknown operation type %q", types.ErrInvalidContext, c.OperationType)
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: max retries must be >= 0, got %d", types.ErrInvalidContext, c.MaxRetries)
	case c.BaseDelay <= 0:
		return fmt.Errorf("%w: base delay must be positive, got %v", types.ErrInvalidContext, c.BaseDelay)
	case c.MaxDelay < c.BaseDelay:
		return fmt.Errorf("%w: max delay %v is below base delay %v", types.ErrInvalidContext, c.MaxDelay, c.BaseDelay)
	case c.BackoffFactor <= 1:
		return fmt.Errorf("%w: backoff factor must be > 1, got %v", types.ErrInvalidContext, c.BackoffFactor)
	case c.JitterFactor < 0 || c.JitterFactor > 1:
		return fmt.Errorf("%w: jitter factor must be within [0, 1], got %v", types.ErrInvalidContext, c.JitterFactor)
	}
	return nil
}

// WithPriority sets the priority and applies its default tuning
func WithPriority(p types.Priority) ContextOption {
	return func(c *Context) {
		c.applyPriority(p)
	}
}

// WithMaxRetries sets the retry count after the first attempt
func WithMaxRetries(n int) ContextOption {
	return func(c *Context) {
		c.MaxRetries = n
	}
}

// WithBaseDelay sets the backoff seed delay
func WithBaseDelay(d time.Duration) ContextOption {
	return func(c *Context) {
		c.BaseDelay = d
	}
}

// WithMaxDelay sets the backoff cap
func WithMaxDelay(d time.Duration) ContextOption {
	return func(c *Context) {
		c.MaxDelay = d
	}
}

// WithBackoffFactor sets the per-attempt delay multiplier
func WithBackoffFactor(f float64) ContextOption {
	return func(c *Context) {
		c.BackoffFactor = f
	}
}

// WithJitterFactor sets the symmetric jitter range
func WithJitterFactor(f float64) ContextOption {
	return func(c *Context) {
		c.JitterFactor = f
	}
}

// WithRetryableErrors lists error codes that are always retried
func WithRetryableErrors(codes ...string) ContextOption {
	return func(c *Context) {
		c.RetryableErrors = codes
	}
}

// WithoutCircuitBreaker disables breaker consultation for this operation
func WithoutCircuitBreaker() ContextOption {
	return func(c *Context) {
		c.CircuitBreakerEnabled = false
	}
}
