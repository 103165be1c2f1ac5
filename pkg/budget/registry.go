package budget

import (
	"sync"
	"time"

	"github.com/synckit/resilience/pkg/types"
)

// Default budget tuning.
const (
	// DefaultWindow is the budget window length
	DefaultWindow = time.Hour

	// DefaultMaxRetries is the retry allowance per window
	DefaultMaxRetries = 20
)

// Snapshot is a copy of one device's budget state.
type Snapshot struct {
	DeviceID       string
	WindowStart    time.Time
	WindowDuration time.Duration
	MaxRetries     int
	UsedRetries    int
	ResetTime      time.Time
}

// Remaining returns the retry headroom left in the window.
func (s Snapshot) Remaining() int {
	if s.UsedRetries >= s.MaxRetries {
		return 0
	}
	return s.MaxRetries - s.UsedRetries
}

// entry is one device's window, guarded by its own mutex
type entry struct {
	mu          sync.Mutex
	windowStart time.Time
	used        int
	resetTime   time.Time
}

// Registry tracks retry budgets per device. A budget gates retries only;
// first attempts are never charged against it. Windows roll forward lazily:
// the first access after ResetTime replaces the window with a fresh one.
// Unknown devices lazily initialize to a full fresh window.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	clock      types.Clock
	window     time.Duration
	maxRetries int
}

// Option is a configuration option for the registry
type Option func(*Registry)

// WithClock sets the time source
func WithClock(clock types.Clock) Option {
	return func(r *Registry) {
		r.clock = clock
	}
}

// WithWindow sets the budget window length
func WithWindow(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.window = d
		}
	}
}

// WithMaxRetries sets the retry allowance per window
func WithMaxRetries(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxRetries = n
		}
	}
}

// NewRegistry creates a budget registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries:    make(map[string]*entry),
		clock:      types.NewRealClock(),
		window:     DefaultWindow,
		maxRetries: DefaultMaxRetries,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// get returns the device's entry, creating a fresh window on first reference
func (r *Registry) get(deviceID string) *entry {
	r.mu.RLock()
	e, ok := r.entries[deviceID]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[deviceID]; ok {
		return e
	}
	now := r.clock.Now()
	e = &entry{
		windowStart: now,
		resetTime:   now.Add(r.window),
	}
	r.entries[deviceID] = e
	return e
}

// rollLocked replaces a lapsed window with a fresh one. The caller holds
// e.mu. Returns whether a roll-over happened.
func (r *Registry) rollLocked(e *entry, now time.Time) bool {
	if now.Before(e.resetTime) {
		return false
	}
	e.windowStart = now
	e.resetTime = now.Add(r.window)
	e.used = 0
	return true
}

// Has reports whether the device has retry headroom left, rolling the
// window forward first when it has lapsed. The second result reports the
// roll-over. Has does not consume; pair it with Consume only when the gap
// between the two is acceptable, otherwise use TryConsume.
func (r *Registry) Has(deviceID string) (ok, rolled bool) {
	e := r.get(deviceID)

	e.mu.Lock()
	defer e.mu.Unlock()

	rolled = r.rollLocked(e, r.clock.Now())
	return e.used < r.maxRetries, rolled
}

// Consume charges one retry against the device's budget without checking
// headroom. The result reports a window roll-over.
func (r *Registry) Consume(deviceID string) (rolled bool) {
	e := r.get(deviceID)

	e.mu.Lock()
	defer e.mu.Unlock()

	rolled = r.rollLocked(e, r.clock.Now())
	e.used++
	return rolled
}

// TryConsume atomically checks headroom and charges one retry. It refuses
// without consuming when the window is spent.
func (r *Registry) TryConsume(deviceID string) (ok, rolled bool) {
	e := r.get(deviceID)

	e.mu.Lock()
	defer e.mu.Unlock()

	rolled = r.rollLocked(e, r.clock.Now())
	if e.used >= r.maxRetries {
		return false, rolled
	}
	e.used++
	return true, rolled
}

// Snapshot returns a copy of the device's budget, rolling the window
// forward first when it has lapsed.
func (r *Registry) Snapshot(deviceID string) Snapshot {
	e := r.get(deviceID)

	e.mu.Lock()
	defer e.mu.Unlock()

	r.rollLocked(e, r.clock.Now())
	return Snapshot{
		DeviceID:       deviceID,
		WindowStart:    e.windowStart,
		WindowDuration: r.window,
		MaxRetries:     r.maxRetries,
		UsedRetries:    e.used,
		ResetTime:      e.resetTime,
	}
}

// Reset gives the device a fresh full window immediately.
func (r *Registry) Reset(deviceID string) {
	e := r.get(deviceID)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := r.clock.Now()
	e.windowStart = now
	e.resetTime = now.Add(r.window)
	e.used = 0
}

// ResetAll drops every budget in the registry.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*entry)
}

// Len returns the number of tracked devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
