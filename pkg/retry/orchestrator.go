// Package retry provides the retry orchestrator implementation
package retry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/synckit/resilience/pkg/breaker"
	"github.com/synckit/resilience/pkg/budget"
	"github.com/synckit/resilience/pkg/types"
)

// Operation is the unit of work the orchestrator executes and retries. The
// orchestrator never inspects the result payload beyond stamping attempt
// count and elapsed time on it; timeouts inside the operation are the
// operation's own responsibility.
type Operation func(ctx context.Context) (*types.SyncResult, error)

// Session housekeeping defaults.
const (
	// DefaultSweepInterval is how often terminal sessions are swept
	DefaultSweepInterval = 10 * time.Minute

	// DefaultSessionRetention is how long terminal sessions stay queryable
	DefaultSessionRetention = time.Hour
)

// Stats contains orchestrator counters
type Stats struct {
	TotalSessions   int64         // sessions created
	TotalAttempts   int64         // operation invocations
	TotalRetries    int64         // invocations beyond an operation's first
	TotalSuccesses  int64         // sessions ended in success
	TotalFailures   int64         // sessions ended in failure
	TotalCancelled  int64         // scheduled sessions cancelled before running
	AverageAttempts float64       // attempts per completed session
	TotalRetryDelay time.Duration // accumulated backoff wait time
	LastRetryTime   time.Time     // when the last retry delay started
	mu              sync.RWMutex
}

// updateAverageAttempts recomputes attempts per completed session
func (s *Stats) updateAverageAttempts() {
	completed := s.TotalSuccesses + s.TotalFailures
	if completed > 0 {
		s.AverageAttempts = float64(s.TotalAttempts) / float64(completed)
	}
}

// Orchestrator coordinates retry execution for sync operations. It owns its
// breaker registry, budget registry and session store; independent
// orchestrators share nothing.
type Orchestrator struct {
	breakers *breaker.Registry
	budgets  *budget.Registry
	sessions *sessionStore
	clock    types.Clock

	listenerMu sync.RWMutex
	listeners  []Listener

	stats Stats

	sweepInterval time.Duration
	retention     time.Duration

	closed    int32
	closeMu   sync.RWMutex
	closeOnce sync.Once
	quit      chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
}

// Option is a configuration option for the orchestrator
type Option func(*Orchestrator)

// WithClock sets the clock for time operations
func WithClock(clock types.Clock) Option {
	return func(o *Orchestrator) {
		o.clock = clock
	}
}

// WithListener registers an event listener; may be given more than once
func WithListener(l Listener) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.listeners = append(o.listeners, l)
		}
	}
}

// WithBreakerRegistry sets the circuit breaker registry. When omitted the
// orchestrator builds one sharing its clock.
func WithBreakerRegistry(r *breaker.Registry) Option {
	return func(o *Orchestrator) {
		o.breakers = r
	}
}

// WithBudgetRegistry sets the retry budget registry. When omitted the
// orchestrator builds one sharing its clock.
func WithBudgetRegistry(r *budget.Registry) Option {
	return func(o *Orchestrator) {
		o.budgets = r
	}
}

// WithSweepInterval sets how often terminal sessions are swept
func WithSweepInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.sweepInterval = d
		}
	}
}

// WithSessionRetention sets how long terminal sessions stay queryable
func WithSessionRetention(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.retention = d
		}
	}
}

// New creates an orchestrator and starts its session sweeper.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		clock:         types.NewRealClock(),
		sessions:      newSessionStore(),
		sweepInterval: DefaultSweepInterval,
		retention:     DefaultSessionRetention,
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.breakers == nil {
		o.breakers = breaker.NewRegistry(breaker.WithClock(o.clock))
	}
	if o.budgets == nil {
		o.budgets = budget.NewRegistry(budget.WithClock(o.clock))
	}

	go o.sweepLoop()

	return o
}

// AddListener registers an event listener at runtime.
func (o *Orchestrator) AddListener(l Listener) {
	if l == nil {
		return
	}
	o.listenerMu.Lock()
	defer o.listenerMu.Unlock()
	o.listeners = append(o.listeners, l)
}

// ExecuteWithRetry runs the operation under the context's retry rules and
// returns the final result, or the terminal error.
//
// Preconditions are checked in order before any session exists: an open
// circuit for (device, operation type) returns types.ErrCircuitOpen, and a
// spent retry budget returns types.ErrBudgetExhausted. Once both pass, the
// attempt loop runs up to MaxRetries+1 invocations. Operation errors
// surface to the caller unchanged; the failure result with attempt count
// and elapsed time is available on the session.
func (o *Orchestrator) ExecuteWithRetry(ctx context.Context, rc Context, op Operation, network types.NetworkCondition) (*types.SyncResult, error) {
	if o.isClosed() {
		return nil, types.ErrOrchestratorClosed
	}
	if err := rc.Validate(); err != nil {
		return nil, err
	}

	if rc.CircuitBreakerEnabled {
		allowed, halfOpened := o.breakers.Allow(rc.DeviceID, rc.OperationType)
		if halfOpened {
			o.emit(o.newContextEvent(EventBreakerHalfOpen, rc))
		}
		if !allowed {
			return nil, types.ErrCircuitOpen
		}
	}

	ok, rolled := o.budgets.Has(rc.DeviceID)
	if rolled {
		o.emit(o.newContextEvent(EventBudgetReset, rc))
	}
	if !ok {
		return nil, types.ErrBudgetExhausted
	}

	sess := newSession(uuid.NewString(), rc, o.clock.Now())
	o.sessions.add(sess)
	o.updateStats(func(s *Stats) {
		s.TotalSessions++
	})

	return o.run(ctx, sess, op, network)
}

// run drives the attempt loop for one session. Attempts are strictly
// sequential; the loop suspends only on the backoff wait and inside the
// operation itself.
func (o *Orchestrator) run(ctx context.Context, sess *session, op Operation, network types.NetworkCondition) (*types.SyncResult, error) {
	rc := sess.ctx
	maxAttempts := rc.MaxRetries + 1
	opCtx := types.WithClock(ctx, o.clock)

	var lastErr error

	for attempt := 1; ; attempt++ {
		delay := rc.DelayForAttempt(attempt)
		if delay > 0 {
			sess.setNextRetry(o.clock.Now().Add(delay))
			o.updateStats(func(s *Stats) {
				s.TotalRetryDelay += delay
				s.LastRetryTime = o.clock.Now()
			})

			e := o.newEvent(EventRetryScheduled, sess)
			e.Attempt = attempt
			e.Delay = delay
			o.emit(e)

			select {
			case <-ctx.Done():
				return nil, o.abandon(sess, attempt-1, ctx.Err())
			case <-o.quit:
				return nil, o.abandon(sess, attempt-1, types.ErrOrchestratorClosed)
			case <-o.clock.After(delay):
			}
			sess.clearNextRetry()
		} else if err := ctx.Err(); err != nil {
			return nil, o.abandon(sess, attempt-1, err)
		}

		// retries draw from the device's budget; the first attempt is free
		if attempt > 1 {
			ok, rolled := o.budgets.TryConsume(rc.DeviceID)
			if rolled {
				o.emit(o.newEvent(EventBudgetReset, sess))
			}
			if !ok {
				o.completeFailure(sess, attempt-1)
				return nil, types.ErrBudgetExhausted
			}
		}

		started := o.clock.Now()
		result, err := op(opCtx)
		elapsed := o.clock.Since(started)

		o.updateStats(func(s *Stats) {
			s.TotalAttempts++
			if attempt > 1 {
				s.TotalRetries++
			}
		})

		sess.appendAttempt(Attempt{
			Number:    attempt,
			Timestamp: o.clock.Now(),
			Delay:     delay,
			Err:       err,
			Network:   network,
			Success:   err == nil,
		})

		if err == nil {
			if rc.CircuitBreakerEnabled {
				if healed := o.breakers.RecordSuccess(rc.DeviceID, rc.OperationType); healed {
					o.emit(o.newEvent(EventBreakerReset, sess))
				}
			}

			e := o.newEvent(EventOperationSucceeded, sess)
			e.Attempt = attempt
			e.Duration = elapsed
			o.emit(e)

			return o.completeSuccess(sess, result, attempt), nil
		}

		lastErr = err
		if rc.CircuitBreakerEnabled {
			if opened := o.breakers.RecordFailure(rc.DeviceID, rc.OperationType); opened {
				o.emit(o.newEvent(EventBreakerOpened, sess))
			}
		}

		e := o.newEvent(EventOperationFailed, sess)
		e.Attempt = attempt
		e.Duration = elapsed
		e.Err = err
		o.emit(e)

		if !o.continueAfter(sess, err, attempt, maxAttempts, network) {
			o.completeFailure(sess, attempt)
			return nil, lastErr
		}
	}
}

// continueAfter applies the post-failure checks in order: error
// retryability, attempt headroom, breaker state, network usability.
func (o *Orchestrator) continueAfter(sess *session, err error, attempt, maxAttempts int, network types.NetworkCondition) bool {
	rc := sess.ctx

	if !rc.Retryable(err) {
		return false
	}
	if attempt >= maxAttempts {
		return false
	}
	if rc.CircuitBreakerEnabled {
		allowed, halfOpened := o.breakers.Allow(rc.DeviceID, rc.OperationType)
		if halfOpened {
			o.emit(o.newEvent(EventBreakerHalfOpen, sess))
		}
		if !allowed {
			return false
		}
	}
	return network.Usable()
}

// completeSuccess finishes the session with the operation's result stamped
// with attempt count and elapsed time
func (o *Orchestrator) completeSuccess(sess *session, result *types.SyncResult, attempts int) *types.SyncResult {
	now := o.clock.Now()

	res := types.SyncResult{Success: true}
	if result != nil {
		res = *result
	}
	res.RetryAttempts = attempts
	res.Duration = now.Sub(sess.start)

	sess.complete(now, &res)
	o.updateStats(func(s *Stats) {
		s.TotalSuccesses++
		s.updateAverageAttempts()
	})

	e := o.newEvent(EventSessionCompleted, sess)
	e.Attempt = attempts
	e.Duration = res.Duration
	o.emit(e)

	return &res
}

// completeFailure finishes the session with a failure result carrying the
// attempt count and elapsed time
func (o *Orchestrator) completeFailure(sess *session, attempts int) {
	now := o.clock.Now()

	res := &types.SyncResult{
		Success:       false,
		RetryAttempts: attempts,
		Duration:      now.Sub(sess.start),
	}

	sess.complete(now, res)
	o.updateStats(func(s *Stats) {
		s.TotalFailures++
		s.updateAverageAttempts()
	})

	e := o.newEvent(EventSessionCompleted, sess)
	e.Attempt = attempts
	e.Duration = res.Duration
	o.emit(e)
}

// abandon completes a session whose pending retry will never run
func (o *Orchestrator) abandon(sess *session, attempts int, cause error) error {
	sess.clearNextRetry()
	o.emit(o.newEvent(EventRetryCancelled, sess))
	o.completeFailure(sess, attempts)
	return cause
}

// Schedule arms a deferred run of the operation after the given delay and
// returns the pending session's ID. The session can be cancelled until the
// timer fires; once it fires, the regular attempt loop takes over.
func (o *Orchestrator) Schedule(ctx context.Context, rc Context, op Operation, network types.NetworkCondition, delay time.Duration) (string, error) {
	if err := rc.Validate(); err != nil {
		return "", err
	}
	if delay < 0 {
		delay = 0
	}
	if !o.tryTrack() {
		return "", types.ErrOrchestratorClosed
	}

	now := o.clock.Now()
	sess := newSession(uuid.NewString(), rc, now)
	sess.markPending(now.Add(delay))
	o.sessions.add(sess)
	o.updateStats(func(s *Stats) {
		s.TotalSessions++
	})

	e := o.newEvent(EventRetryScheduled, sess)
	e.Delay = delay
	o.emit(e)

	go o.runScheduled(ctx, sess, op, network, delay)

	return sess.id, nil
}

// runScheduled waits out the scheduling delay and hands the session to the
// attempt loop, unless it is cancelled first.
func (o *Orchestrator) runScheduled(ctx context.Context, sess *session, op Operation, network types.NetworkCondition, delay time.Duration) {
	defer o.wg.Done()

	timer := o.clock.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C():
		if o.isClosed() {
			// Close cancels the session; don't race it for the run
			return
		}
		if !sess.claimRun() {
			return
		}
		_, _ = o.run(ctx, sess, op, network)
	case <-sess.cancelCh:
		// cancelled through Cancel or Close
	case <-ctx.Done():
		if sess.cancelPending(o.clock.Now()) {
			o.finishCancelled(sess)
		}
	case <-o.quit:
		// Close cancels the remaining pending sessions
	}
}

// finishCancelled emits the cancellation events for a pending session that
// was already moved to its terminal state
func (o *Orchestrator) finishCancelled(sess *session) {
	o.updateStats(func(s *Stats) {
		s.TotalCancelled++
	})
	o.emit(o.newEvent(EventRetryCancelled, sess))
	o.emit(o.newEvent(EventSessionCompleted, sess))
}

// Cancel aborts a scheduled session that has not fired yet. It returns
// false when the ID is unknown, the session already ran, or it was already
// cancelled.
func (o *Orchestrator) Cancel(sessionID string) bool {
	sess := o.sessions.get(sessionID)
	if sess == nil {
		return false
	}
	if !sess.cancelPending(o.clock.Now()) {
		return false
	}
	o.finishCancelled(sess)
	return true
}

// GetSession returns a snapshot of the session with the given ID.
func (o *Orchestrator) GetSession(sessionID string) (Session, error) {
	sess := o.sessions.get(sessionID)
	if sess == nil {
		return Session{}, types.ErrSessionNotFound
	}
	return sess.snapshot(), nil
}

// GetActiveSessions returns snapshots of all non-terminal sessions.
func (o *Orchestrator) GetActiveSessions() []Session {
	return o.sessions.active()
}

// GetSessionsForDevice returns snapshots of all sessions targeting the
// device, terminal ones included until the sweeper drops them.
func (o *Orchestrator) GetSessionsForDevice(deviceID string) []Session {
	return o.sessions.forDevice(deviceID)
}

// GetBreakerState returns the breaker snapshot for (device, operation type).
func (o *Orchestrator) GetBreakerState(deviceID string, op types.OperationType) breaker.Snapshot {
	return o.breakers.Snapshot(deviceID, op)
}

// GetBudget returns the budget snapshot for the device.
func (o *Orchestrator) GetBudget(deviceID string) budget.Snapshot {
	return o.budgets.Snapshot(deviceID)
}

// GetStats returns a copy of the orchestrator counters.
func (o *Orchestrator) GetStats() Stats {
	o.stats.mu.RLock()
	defer o.stats.mu.RUnlock()
	return Stats{
		TotalSessions:   o.stats.TotalSessions,
		TotalAttempts:   o.stats.TotalAttempts,
		TotalRetries:    o.stats.TotalRetries,
		TotalSuccesses:  o.stats.TotalSuccesses,
		TotalFailures:   o.stats.TotalFailures,
		TotalCancelled:  o.stats.TotalCancelled,
		AverageAttempts: o.stats.AverageAttempts,
		TotalRetryDelay: o.stats.TotalRetryDelay,
		LastRetryTime:   o.stats.LastRetryTime,
		// don't copy mutex
	}
}

// ResetStats resets the orchestrator counters.
func (o *Orchestrator) ResetStats() {
	o.stats.mu.Lock()
	defer o.stats.mu.Unlock()

	o.stats.TotalSessions = 0
	o.stats.TotalAttempts = 0
	o.stats.TotalRetries = 0
	o.stats.TotalSuccesses = 0
	o.stats.TotalFailures = 0
	o.stats.TotalCancelled = 0
	o.stats.AverageAttempts = 0
	o.stats.TotalRetryDelay = 0
	o.stats.LastRetryTime = time.Time{}
}

// Close cancels every pending scheduled session, stops the sweeper and
// clears the registries. Scheduled and asynchronous runs are waited for; a
// synchronous ExecuteWithRetry on another goroutine is not preempted, it
// aborts at its next backoff wait. Execute and Schedule refuse with
// types.ErrOrchestratorClosed afterwards.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		o.closeMu.Lock()
		atomic.StoreInt32(&o.closed, 1)
		o.closeMu.Unlock()

		close(o.quit)
		<-o.done
		o.wg.Wait()

		now := o.clock.Now()
		for _, sess := range o.sessions.pendingSessions() {
			if sess.cancelPending(now) {
				o.finishCancelled(sess)
			}
		}

		o.sessions.clear()
		o.breakers.ResetAll()
		o.budgets.ResetAll()
	})
	return nil
}

// sweepLoop periodically drops terminal sessions past the retention window
func (o *Orchestrator) sweepLoop() {
	defer close(o.done)

	ticker := o.clock.NewTicker(o.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			o.sessions.sweep(o.clock.Now().Add(-o.retention))
		case <-o.quit:
			return
		}
	}
}

// isClosed reports whether Close has begun
func (o *Orchestrator) isClosed() bool {
	return atomic.LoadInt32(&o.closed) == 1
}

// tryTrack registers background work with the orchestrator's wait group,
// refusing once Close has begun. The read lock pairs with Close's write
// lock so no work starts after the closed flag is set.
func (o *Orchestrator) tryTrack() bool {
	o.closeMu.RLock()
	defer o.closeMu.RUnlock()

	if atomic.LoadInt32(&o.closed) == 1 {
		return false
	}
	o.wg.Add(1)
	return true
}

// newEvent builds an event carrying the session's identity fields
func (o *Orchestrator) newEvent(t EventType, sess *session) Event {
	e := o.newContextEvent(t, sess.ctx)
	e.SessionID = sess.id
	return e
}

// newContextEvent builds an event for decisions made before a session exists
func (o *Orchestrator) newContextEvent(t EventType, rc Context) Event {
	return Event{
		Type:          t,
		OperationID:   rc.OperationID,
		OperationType: rc.OperationType,
		DeviceID:      rc.DeviceID,
		Priority:      rc.Priority,
		Timestamp:     o.clock.Now(),
	}
}

// emit delivers the event to every listener outside the listener lock
func (o *Orchestrator) emit(e Event) {
	o.listenerMu.RLock()
	listeners := make([]Listener, len(o.listeners))
	copy(listeners, o.listeners)
	o.listenerMu.RUnlock()

	for _, l := range listeners {
		l.OnEvent(e)
	}
}

// updateStats updates statistics (thread-safe)
func (o *Orchestrator) updateStats(fn func(*Stats)) {
	o.stats.mu.Lock()
	defer o.stats.mu.Unlock()
	fn(&o.stats)
}
