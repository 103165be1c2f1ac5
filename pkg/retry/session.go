package retry

import (
	"sync"
	"time"

	"github.com/synckit/resilience/pkg/types"
)

// Attempt records a single operation invocation within a session.
type Attempt struct {
	// Number is the 1-based attempt index, increasing by exactly one
	Number int

	// Timestamp is when the attempt finished
	Timestamp time.Time

	// Delay is the backoff wait that preceded this attempt
	Delay time.Duration

	// Err is the attempt's error, nil on success
	Err error

	// Network is the connectivity snapshot supplied for this run
	Network types.NetworkCondition

	Success bool
}

// Session is a read-only snapshot of one orchestration run. The orchestrator
// hands out copies; mutating a snapshot has no effect on the live session.
type Session struct {
	ID       string
	Context  Context
	Attempts []Attempt

	// Active is true until the session reaches a terminal state
	Active bool

	// NextRetryTime is set while a retry delay or scheduled run is pending
	NextRetryTime *time.Time

	// TotalDelay is the sum of all attempt delays
	TotalDelay time.Duration

	StartTime time.Time
	EndTime   *time.Time

	// FinalResult is set once the session completes
	FinalResult *types.SyncResult
}

// session is the mutable record behind Session snapshots. All access goes
// through its mutex; the orchestrator is the only writer.
type session struct {
	mu sync.Mutex

	id         string
	ctx        Context
	attempts   []Attempt
	active     bool
	nextRetry  *time.Time
	totalDelay time.Duration
	start      time.Time
	end        *time.Time
	result     *types.SyncResult

	// pending marks a scheduled run that has not fired yet; cancelCh is
	// closed to abort it
	pending  bool
	cancelCh chan struct{}
}

func newSession(id string, ctx Context, now time.Time) *session {
	return &session{
		id:       id,
		ctx:      ctx,
		active:   true,
		start:    now,
		cancelCh: make(chan struct{}),
	}
}

// snapshot copies the session into its public shape
func (s *session) snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Session{
		ID:         s.id,
		Context:    s.ctx,
		Active:     s.active,
		TotalDelay: s.totalDelay,
		StartTime:  s.start,
	}

	snap.Attempts = make([]Attempt, len(s.attempts))
	copy(snap.Attempts, s.attempts)

	if s.nextRetry != nil {
		t := *s.nextRetry
		snap.NextRetryTime = &t
	}
	if s.end != nil {
		t := *s.end
		snap.EndTime = &t
	}
	if s.result != nil {
		r := *s.result
		snap.FinalResult = &r
	}

	return snap
}

// appendAttempt records an attempt and accumulates its delay
func (s *session) appendAttempt(a Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts = append(s.attempts, a)
	s.totalDelay += a.Delay
}

// attemptCount returns the number of attempts recorded so far
func (s *session) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}

// setNextRetry publishes the time the next attempt will run
func (s *session) setNextRetry(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRetry = &t
}

// clearNextRetry removes the pending retry marker
func (s *session) clearNextRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRetry = nil
}

// complete moves the session to its terminal state
func (s *session) complete(now time.Time, result *types.SyncResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = false
	s.nextRetry = nil
	s.end = &now
	s.result = result
}

// isActive reports whether the session is still running
func (s *session) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// endedBefore reports whether the session is terminal and ended before t
func (s *session) endedBefore(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.active && s.end != nil && s.end.Before(t)
}

// claimRun transitions a pending scheduled session into its running state.
// It returns false when the session was cancelled first.
func (s *session) claimRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.pending {
		return false
	}
	s.pending = false
	s.nextRetry = nil
	return true
}

// cancelPending aborts a scheduled run that has not fired. It returns false
// when there is nothing left to cancel.
func (s *session) cancelPending(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.pending {
		return false
	}
	s.pending = false
	s.active = false
	s.nextRetry = nil
	s.end = &now
	close(s.cancelCh)
	return true
}

// markPending flags the session as a scheduled run waiting to fire
func (s *session) markPending(fireAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = true
	s.nextRetry = &fireAt
}

// sessionStore holds sessions by ID behind a read-write mutex.
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newSessionStore() *sessionStore {
	return &sessionStore{
		sessions: make(map[string]*session),
	}
}

func (st *sessionStore) add(s *session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[s.id] = s
}

func (st *sessionStore) get(id string) *session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[id]
}

// active returns snapshots of all non-terminal sessions
func (st *sessionStore) active() []Session {
	st.mu.RLock()
	defer st.mu.RUnlock()

	var out []Session
	for _, s := range st.sessions {
		if s.isActive() {
			out = append(out, s.snapshot())
		}
	}
	return out
}

// forDevice returns snapshots of all sessions targeting the device
func (st *sessionStore) forDevice(deviceID string) []Session {
	st.mu.RLock()
	defer st.mu.RUnlock()

	var out []Session
	for _, s := range st.sessions {
		if s.ctx.DeviceID == deviceID {
			out = append(out, s.snapshot())
		}
	}
	return out
}

// pendingSessions returns the scheduled sessions that have not fired yet
func (st *sessionStore) pendingSessions() []*session {
	st.mu.RLock()
	defer st.mu.RUnlock()

	var out []*session
	for _, s := range st.sessions {
		s.mu.Lock()
		pending := s.pending
		s.mu.Unlock()
		if pending {
			out = append(out, s)
		}
	}
	return out
}

// sweep drops terminal sessions that ended before the cutoff
func (st *sessionStore) sweep(cutoff time.Time) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	removed := 0
	for id, s := range st.sessions {
		if s.endedBefore(cutoff) {
			delete(st.sessions, id)
			removed++
		}
	}
	return removed
}

func (st *sessionStore) clear() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions = make(map[string]*session)
}

func (st *sessionStore) len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
