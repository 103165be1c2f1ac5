package breaker

import (
	"sync"
	"time"

	"github.com/synckit/resilience/pkg/types"
)

// Default breaker tuning.
const (
	// DefaultTripThreshold is the consecutive failure count that opens a breaker
	DefaultTripThreshold = 5

	// DefaultCooldown is how long an open breaker rejects calls
	DefaultCooldown = time.Minute
)

// State is the breaker position for one key.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Key identifies one protected target.
type Key struct {
	DeviceID  string
	Operation types.OperationType
}

// Snapshot is a copy of one breaker's state. Snapshots report the effective
// state: an open breaker whose cooldown has lapsed reads as half-open even
// before a call observes the transition.
type Snapshot struct {
	Key             Key
	State           State
	FailureCount    int
	SuccessCount    int
	LastFailureTime time.Time
	LastSuccessTime time.Time
	OpenUntil       time.Time
}

// entry is the mutable state for one key, guarded by its own mutex so keys
// never contend with each other
type entry struct {
	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	lastSuccess time.Time
	openUntil   time.Time
}

// Registry tracks circuit breakers keyed by (device, operation type).
// Unknown keys lazily initialize to a closed zeroed breaker; referencing a
// key never fails. The registry mutates state only through RecordSuccess,
// RecordFailure and the time-based open-to-half-open transition; it emits
// nothing itself, the transition results let the caller report.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]*entry

	clock     types.Clock
	threshold int
	cooldown  time.Duration
}

// Option is a configuration option for the registry
type Option func(*Registry)

// WithClock sets the time source
func WithClock(clock types.Clock) Option {
	return func(r *Registry) {
		r.clock = clock
	}
}

// WithTripThreshold sets the consecutive failure count that opens a breaker
func WithTripThreshold(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.threshold = n
		}
	}
}

// WithCooldown sets how long an open breaker rejects calls
func WithCooldown(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.cooldown = d
		}
	}
}

// NewRegistry creates a breaker registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries:   make(map[Key]*entry),
		clock:     types.NewRealClock(),
		threshold: DefaultTripThreshold,
		cooldown:  DefaultCooldown,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// get returns the entry for key, creating it closed and zeroed on first
// reference
func (r *Registry) get(key Key) *entry {
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e
	}
	e = &entry{state: StateClosed}
	r.entries[key] = e
	return e
}

// Allow reports whether a call to the key may proceed. An open breaker
// whose cooldown has elapsed moves to half-open and admits the probe; the
// second result reports that transition.
func (r *Registry) Allow(deviceID string, op types.OperationType) (allowed, halfOpened bool) {
	e := r.get(Key{DeviceID: deviceID, Operation: op})

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateOpen {
		return true, false
	}
	if !r.clock.Now().After(e.openUntil) {
		return false, false
	}

	e.state = StateHalfOpen
	return true, true
}

// IsOpen reports whether the key currently rejects calls, applying the same
// lazy half-open transition as Allow.
func (r *Registry) IsOpen(deviceID string, op types.OperationType) bool {
	allowed, _ := r.Allow(deviceID, op)
	return !allowed
}

// RecordSuccess notes a successful call. Any single success fully heals the
// breaker: the failure count drops to zero and the state returns to closed.
// The result reports whether this call closed a previously open or
// half-open breaker.
func (r *Registry) RecordSuccess(deviceID string, op types.OperationType) (healed bool) {
	e := r.get(Key{DeviceID: deviceID, Operation: op})

	e.mu.Lock()
	defer e.mu.Unlock()

	healed = e.state != StateClosed
	e.state = StateClosed
	e.failures = 0
	e.successes++
	e.lastSuccess = r.clock.Now()
	e.openUntil = time.Time{}
	return healed
}

// RecordFailure notes a failed call. Reaching the trip threshold while
// closed opens the breaker for the cooldown period; any failure while
// half-open re-opens it with a fresh cooldown. The result reports whether
// this call opened the breaker.
func (r *Registry) RecordFailure(deviceID string, op types.OperationType) (opened bool) {
	e := r.get(Key{DeviceID: deviceID, Operation: op})

	e.mu.Lock()
	defer e.mu.Unlock()

	now := r.clock.Now()
	e.failures++
	e.lastFailure = now

	switch e.state {
	case StateHalfOpen:
		e.state = StateOpen
		e.openUntil = now.Add(r.cooldown)
		return true
	case StateClosed:
		if e.failures >= r.threshold {
			e.state = StateOpen
			e.openUntil = now.Add(r.cooldown)
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the key's state without mutating it.
func (r *Registry) Snapshot(deviceID string, op types.OperationType) Snapshot {
	key := Key{DeviceID: deviceID, Operation: op}
	e := r.get(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.state
	if state == StateOpen && r.clock.Now().After(e.openUntil) {
		state = StateHalfOpen
	}

	return Snapshot{
		Key:             key,
		State:           state,
		FailureCount:    e.failures,
		SuccessCount:    e.successes,
		LastFailureTime: e.lastFailure,
		LastSuccessTime: e.lastSuccess,
		OpenUntil:       e.openUntil,
	}
}

// Reset returns the key's breaker to a closed zeroed state.
func (r *Registry) Reset(deviceID string, op types.OperationType) {
	e := r.get(Key{DeviceID: deviceID, Operation: op})

	e.mu.Lock()
	defer e.mu.Unlock()

	e.state = StateClosed
	e.failures = 0
	e.successes = 0
	e.lastFailure = time.Time{}
	e.lastSuccess = time.Time{}
	e.openUntil = time.Time{}
}

// ResetAll drops every breaker in the registry.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[Key]*entry)
}

// Len returns the number of tracked keys.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
