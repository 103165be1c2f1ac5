package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/synckit/resilience/pkg/breaker"
	"github.com/synckit/resilience/pkg/budget"
	"github.com/synckit/resilience/pkg/types"
)

// Test helpers

func testNetwork() types.NetworkCondition {
	return types.NetworkCondition{Type: types.NetworkWifi, Quality: types.QualityGood}
}

// fastContext builds a context with millisecond delays so retry loops finish
// quickly under test
func fastContext(operationID, deviceID string, maxRetries int) Context {
	return NewContext(operationID, deviceID, types.OpSync,
		WithMaxRetries(maxRetries),
		WithBaseDelay(time.Millisecond),
		WithMaxDelay(5*time.Millisecond),
		WithJitterFactor(0))
}

func networkError() *types.OperationError {
	return types.NewOperationError(types.CategoryNetwork, "CONNECTION_RESET", true, nil)
}

func noopOperation(ctx context.Context) (*types.SyncResult, error) {
	return &types.SyncResult{Success: true}, nil
}

// eventRecorder captures the event stream for assertions
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) OnEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) typeSequence() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *eventRecorder) count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// waitFor polls until the condition holds or the timeout expires
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestOrchestrator_FirstAttemptSuccess(t *testing.T) {
	o := New()
	defer o.Close()

	var calls int32
	result, err := o.ExecuteWithRetry(context.Background(), fastContext("op-1", "device-1", 3),
		func(ctx context.Context) (*types.SyncResult, error) {
			atomic.AddInt32(&calls, 1)
			return &types.SyncResult{Success: true, SyncedRecords: 42, BytesTransferred: 1024}, nil
		}, testNetwork())
	if err != nil {
		t.Fatalf("ExecuteWithRetry failed: %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("operation ran %d times, want 1", got)
	}
	if !result.Success {
		t.Error("result should report success")
	}
	if result.RetryAttempts != 1 {
		t.Errorf("RetryAttempts = %d, want 1", result.RetryAttempts)
	}
	if result.SyncedRecords != 42 || result.BytesTransferred != 1024 {
		t.Error("operation result fields should pass through unchanged")
	}

	stats := o.GetStats()
	if stats.TotalSessions != 1 || stats.TotalAttempts != 1 || stats.TotalRetries != 0 {
		t.Errorf("stats = sessions %d, attempts %d, retries %d; want 1, 1, 0",
			stats.TotalSessions, stats.TotalAttempts, stats.TotalRetries)
	}
	if stats.TotalSuccesses != 1 {
		t.Errorf("TotalSuccesses = %d, want 1", stats.TotalSuccesses)
	}
}

func TestOrchestrator_RetriesUntilSuccess(t *testing.T) {
	o := New()
	defer o.Close()

	var calls int32
	result, err := o.ExecuteWithRetry(context.Background(), fastContext("op-1", "device-1", 3),
		func(ctx context.Context) (*types.SyncResult, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return nil, networkError()
			}
			return &types.SyncResult{Success: true}, nil
		}, testNetwork())
	if err != nil {
		t.Fatalf("ExecuteWithRetry failed: %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("operation ran %d times, want 3", got)
	}
	if result.RetryAttempts != 3 {
		t.Errorf("RetryAttempts = %d, want 3", result.RetryAttempts)
	}
	if result.Duration <= 0 {
		t.Errorf("Duration = %v, want > 0", result.Duration)
	}

	sessions := o.GetSessionsForDevice("device-1")
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions for device, want 1", len(sessions))
	}
	snap := sessions[0]
	if len(snap.Attempts) != 3 {
		t.Fatalf("session recorded %d attempts, want 3", len(snap.Attempts))
	}
	for i, a := range snap.Attempts {
		if a.Number != i+1 {
			t.Errorf("attempt %d has Number %d", i, a.Number)
		}
	}
	if snap.Attempts[0].Err == nil || snap.Attempts[1].Err == nil {
		t.Error("failed attempts should record their errors")
	}
	if !snap.Attempts[2].Success {
		t.Error("final attempt should record success")
	}

	stats := o.GetStats()
	if stats.TotalRetries != 2 {
		t.Errorf("TotalRetries = %d, want 2", stats.TotalRetries)
	}
}

func TestOrchestrator_MaxAttemptsExhausted(t *testing.T) {
	o := New()
	defer o.Close()

	opErr := networkError()
	var calls int32
	result, err := o.ExecuteWithRetry(context.Background(), fastContext("op-1", "device-1", 3),
		func(ctx context.Context) (*types.SyncResult, error) {
			atomic.AddInt32(&calls, 1)
			return nil, opErr
		}, testNetwork())

	// MaxRetries 3 means one initial attempt plus three retries
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Errorf("operation ran %d times, want 4", got)
	}
	if result != nil {
		t.Errorf("result = %+v, want nil on failure", result)
	}
	if !errors.Is(err, opErr) {
		t.Errorf("err = %v, want the operation's own error", err)
	}

	sessions := o.GetSessionsForDevice("device-1")
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions for device, want 1", len(sessions))
	}
	snap := sessions[0]
	if snap.Active {
		t.Error("exhausted session should be terminal")
	}
	if len(snap.Attempts) != 4 {
		t.Errorf("session recorded %d attempts, want 4", len(snap.Attempts))
	}
	if snap.TotalDelay != 7*time.Millisecond {
		t.Errorf("TotalDelay = %v, want 7ms (1 + 2 + 4)", snap.TotalDelay)
	}
	if snap.FinalResult == nil {
		t.Fatal("terminal session should carry a final result")
	}
	if snap.FinalResult.Success {
		t.Error("final result should report failure")
	}
	if snap.FinalResult.RetryAttempts != 4 {
		t.Errorf("final result RetryAttempts = %d, want 4", snap.FinalResult.RetryAttempts)
	}
}

func TestOrchestrator_NonRetryableError(t *testing.T) {
	o := New()
	defer o.Close()

	opErr := types.NewOperationError(types.CategoryPermission, "ACCESS_DENIED", false, nil)
	var calls int32
	_, err := o.ExecuteWithRetry(context.Background(), fastContext("op-1", "device-1", 3),
		func(ctx context.Context) (*types.SyncResult, error) {
			atomic.AddInt32(&calls, 1)
			return nil, opErr
		}, testNetwork())

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("operation ran %d times, want 1", got)
	}
	if !errors.Is(err, opErr) {
		t.Errorf("err = %v, want the operation's own error", err)
	}
}

func TestOrchestrator_OfflineNetworkStopsRetries(t *testing.T) {
	o := New()
	defer o.Close()

	offline := types.NetworkCondition{Type: types.NetworkOffline, Quality: types.QualityUnusable}

	var calls int32
	_, err := o.ExecuteWithRetry(context.Background(), fastContext("op-1", "device-1", 3),
		func(ctx context.Context) (*types.SyncResult, error) {
			atomic.AddInt32(&calls, 1)
			return nil, networkError()
		}, offline)

	// the error is retryable but the link is not
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("operation ran %d times, want 1", got)
	}
	if _, ok := types.AsOperationError(err); !ok {
		t.Errorf("err = %v, want the operation's own error", err)
	}
}

func TestOrchestrator_InvalidContext(t *testing.T) {
	o := New()
	defer o.Close()

	var calls int32
	_, err := o.ExecuteWithRetry(context.Background(), NewContext("", "device-1", types.OpSync),
		func(ctx context.Context) (*types.SyncResult, error) {
			atomic.AddInt32(&calls, 1)
			return nil, nil
		}, testNetwork())

	if !errors.Is(err, types.ErrInvalidContext) {
		t.Errorf("err = %v, want ErrInvalidContext", err)
	}
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Errorf("operation ran %d times, want 0", got)
	}
	if got := o.GetStats().TotalSessions; got != 0 {
		t.Errorf("TotalSessions = %d, want 0", got)
	}
}

func TestOrchestrator_CircuitOpenPrecondition(t *testing.T) {
	breakers := breaker.NewRegistry()
	for i := 0; i < breaker.DefaultTripThreshold; i++ {
		breakers.RecordFailure("device-1", types.OpSync)
	}

	rec := &eventRecorder{}
	o := New(WithBreakerRegistry(breakers), WithListener(rec))
	defer o.Close()

	var calls int32
	_, err := o.ExecuteWithRetry(context.Background(), fastContext("op-1", "device-1", 3),
		func(ctx context.Context) (*types.SyncResult, error) {
			atomic.AddInt32(&calls, 1)
			return nil, nil
		}, testNetwork())

	if !errors.Is(err, types.ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Errorf("operation ran %d times, want 0", got)
	}

	// the refusal happens before any session exists
	if got := o.GetStats().TotalSessions; got != 0 {
		t.Errorf("TotalSessions = %d, want 0", got)
	}
	if got := rec.count(EventSessionCompleted); got != 0 {
		t.Errorf("session_completed events = %d, want 0", got)
	}
}

func TestOrchestrator_CircuitTripsMidLoop(t *testing.T) {
	breakers := breaker.NewRegistry(breaker.WithTripThreshold(2))
	rec := &eventRecorder{}
	o := New(WithBreakerRegistry(breakers), WithListener(rec))
	defer o.Close()

	var calls int32
	_, err := o.ExecuteWithRetry(context.Background(), fastContext("op-1", "device-1", 5),
		func(ctx context.Context) (*types.SyncResult, error) {
			atomic.AddInt32(&calls, 1)
			return nil, networkError()
		}, testNetwork())

	// the second failure trips the breaker, cutting the loop short of its
	// six-attempt headroom
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("operation ran %d times, want 2", got)
	}
	if _, ok := types.AsOperationError(err); !ok {
		t.Errorf("err = %v, want the operation's own error", err)
	}
	if !breakers.IsOpen("device-1", types.OpSync) {
		t.Error("breaker should be open after the trip")
	}
	if got := rec.count(EventBreakerOpened); got != 1 {
		t.Errorf("circuit_breaker_opened events = %d, want 1", got)
	}
}

func TestOrchestrator_BreakerDisabled(t *testing.T) {
	breakers := breaker.NewRegistry()
	for i := 0; i < breaker.DefaultTripThreshold; i++ {
		breakers.RecordFailure("device-1", types.OpSync)
	}

	o := New(WithBreakerRegistry(breakers))
	defer o.Close()

	rc := NewContext("op-1", "device-1", types.OpSync,
		WithMaxRetries(0),
		WithBaseDelay(time.Millisecond),
		WithMaxDelay(5*time.Millisecond),
		WithJitterFactor(0),
		WithoutCircuitBreaker())

	result, err := o.ExecuteWithRetry(context.Background(), rc, noopOperation, testNetwork())
	if err != nil {
		t.Fatalf("ExecuteWithRetry failed: %v", err)
	}
	if !result.Success {
		t.Error("result should report success")
	}

	// the run neither consulted nor fed the breaker
	snap := o.GetBreakerState("device-1", types.OpSync)
	if snap.State != breaker.StateOpen {
		t.Errorf("breaker state = %v, want still open", snap.State)
	}
	if snap.SuccessCount != 0 {
		t.Errorf("SuccessCount = %d, want 0", snap.SuccessCount)
	}
}

func TestOrchestrator_BudgetExhaustedPrecondition(t *testing.T) {
	budgets := budget.NewRegistry(budget.WithMaxRetries(2))
	budgets.Consume("device-1")
	budgets.Consume("device-1")

	o := New(WithBudgetRegistry(budgets))
	defer o.Close()

	var calls int32
	_, err := o.ExecuteWithRetry(context.Background(), fastContext("op-1", "device-1", 3),
		func(ctx context.Context) (*types.SyncResult, error) {
			atomic.AddInt32(&calls, 1)
			return nil, nil
		}, testNetwork())

	if !errors.Is(err, types.ErrBudgetExhausted) {
		t.Errorf("err = %v, want ErrBudgetExhausted", err)
	}
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Errorf("operation ran %d times, want 0", got)
	}
	if got := o.GetStats().TotalSessions; got != 0 {
		t.Errorf("TotalSessions = %d, want 0", got)
	}
}

func TestOrchestrator_BudgetSpentMidLoop(t *testing.T) {
	budgets := budget.NewRegistry(budget.WithMaxRetries(1))
	o := New(WithBudgetRegistry(budgets))
	defer o.Close()

	var calls int32
	_, err := o.ExecuteWithRetry(context.Background(), fastContext("op-1", "device-1", 5),
		func(ctx context.Context) (*types.SyncResult, error) {
			atomic.AddInt32(&calls, 1)
			return nil, networkError()
		}, testNetwork())

	// first attempt free, one budgeted retry, then the third attempt's
	// consume is refused
	if !errors.Is(err, types.ErrBudgetExhausted) {
		t.Errorf("err = %v, want ErrBudgetExhausted", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("operation ran %d times, want 2", got)
	}
	if got := o.GetBudget("device-1").UsedRetries; got != 1 {
		t.Errorf("UsedRetries = %d, want 1 (the refused consume must not charge)", got)
	}

	sessions := o.GetSessionsForDevice("device-1")
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions for device, want 1", len(sessions))
	}
	if sessions[0].Active {
		t.Error("session should be terminal after budget refusal")
	}
	if got := sessions[0].FinalResult.RetryAttempts; got != 2 {
		t.Errorf("final result RetryAttempts = %d, want 2", got)
	}
}

func TestOrchestrator_ContextCancelledDuringWait(t *testing.T) {
	o := New()
	defer o.Close()

	rc := NewContext("op-1", "device-1", types.OpSync,
		WithMaxRetries(3),
		WithBaseDelay(200*time.Millisecond),
		WithMaxDelay(time.Second),
		WithJitterFactor(0))

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(50*time.Millisecond, cancel)
	defer timer.Stop()
	defer cancel()

	var calls int32
	start := time.Now()
	_, err := o.ExecuteWithRetry(ctx, rc,
		func(ctx context.Context) (*types.SyncResult, error) {
			atomic.AddInt32(&calls, 1)
			return nil, networkError()
		}, testNetwork())

	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("operation ran %d times, want 1", got)
	}
	if elapsed := time.Since(start); elapsed >= 200*time.Millisecond {
		t.Errorf("cancellation took %v, should abort the backoff wait early", elapsed)
	}

	sessions := o.GetSessionsForDevice("device-1")
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions for device, want 1", len(sessions))
	}
	if sessions[0].Active {
		t.Error("abandoned session should be terminal")
	}
}

func TestOrchestrator_EventSequence(t *testing.T) {
	rec := &eventRecorder{}
	o := New(WithListener(rec))
	defer o.Close()

	var calls int32
	_, err := o.ExecuteWithRetry(context.Background(), fastContext("op-1", "device-1", 3),
		func(ctx context.Context) (*types.SyncResult, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return nil, networkError()
			}
			return &types.SyncResult{Success: true}, nil
		}, testNetwork())
	if err != nil {
		t.Fatalf("ExecuteWithRetry failed: %v", err)
	}

	want := []EventType{
		EventOperationFailed,
		EventRetryScheduled,
		EventOperationFailed,
		EventRetryScheduled,
		EventOperationSucceeded,
		EventSessionCompleted,
	}
	got := rec.typeSequence()
	if len(got) != len(want) {
		t.Fatalf("event sequence %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %v, want %v (full sequence %v)", i, got[i], want[i], got)
		}
	}

	// every event carries the session identity
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, e := range rec.events {
		if e.SessionID == "" || e.OperationID != "op-1" || e.DeviceID != "device-1" {
			t.Errorf("event %v missing identity fields: %+v", e.Type, e)
		}
	}
}

func TestOrchestrator_BreakerEvents(t *testing.T) {
	breakers := breaker.NewRegistry(breaker.WithTripThreshold(1), breaker.WithCooldown(50*time.Millisecond))
	rec := &eventRecorder{}
	o := New(WithBreakerRegistry(breakers), WithListener(rec))
	defer o.Close()

	// one failure trips the single-failure breaker
	_, err := o.ExecuteWithRetry(context.Background(), fastContext("op-1", "device-1", 1),
		func(ctx context.Context) (*types.SyncResult, error) {
			return nil, networkError()
		}, testNetwork())
	if err == nil {
		t.Fatal("expected the failure to surface")
	}
	if got := rec.count(EventBreakerOpened); got != 1 {
		t.Fatalf("circuit_breaker_opened events = %d, want 1", got)
	}
	if got := o.GetBreakerState("device-1", types.OpSync).State; got != breaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", got)
	}

	// past the cooldown the next run probes half-open and heals on success
	time.Sleep(80 * time.Millisecond)

	result, err := o.ExecuteWithRetry(context.Background(), fastContext("op-2", "device-1", 1),
		noopOperation, testNetwork())
	if err != nil {
		t.Fatalf("probe run failed: %v", err)
	}
	if !result.Success {
		t.Error("probe run should succeed")
	}

	if got := rec.count(EventBreakerHalfOpen); got != 1 {
		t.Errorf("circuit_breaker_half_open events = %d, want 1", got)
	}
	if got := rec.count(EventBreakerReset); got != 1 {
		t.Errorf("circuit_breaker_reset events = %d, want 1", got)
	}
	if got := o.GetBreakerState("device-1", types.OpSync).State; got != breaker.StateClosed {
		t.Errorf("breaker state = %v, want closed after healing", got)
	}
}

func TestOrchestrator_BudgetResetEvent(t *testing.T) {
	budgets := budget.NewRegistry(budget.WithWindow(30*time.Millisecond), budget.WithMaxRetries(5))
	rec := &eventRecorder{}
	o := New(WithBudgetRegistry(budgets), WithListener(rec))
	defer o.Close()

	// start the device's window, then let it lapse
	budgets.Consume("device-1")
	time.Sleep(60 * time.Millisecond)

	_, err := o.ExecuteWithRetry(context.Background(), fastContext("op-1", "device-1", 0),
		noopOperation, testNetwork())
	if err != nil {
		t.Fatalf("ExecuteWithRetry failed: %v", err)
	}

	if got := rec.count(EventBudgetReset); got != 1 {
		t.Errorf("retry_budget_reset events = %d, want 1", got)
	}
	if got := o.GetBudget("device-1").UsedRetries; got != 0 {
		t.Errorf("UsedRetries = %d, want 0 after the roll", got)
	}
}

func TestOrchestrator_GetSession(t *testing.T) {
	o := New()
	defer o.Close()

	if _, err := o.GetSession("no-such-session"); !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}

	id, err := o.Schedule(context.Background(), fastContext("op-1", "device-1", 0),
		noopOperation, testNetwork(), time.Hour)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	snap, err := o.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if !snap.Active {
		t.Error("pending session should be active")
	}
	if snap.NextRetryTime == nil {
		t.Error("pending session should expose its fire time")
	}
	if len(snap.Attempts) != 0 {
		t.Errorf("pending session has %d attempts, want 0", len(snap.Attempts))
	}

	if !o.Cancel(id) {
		t.Error("pending session should be cancellable")
	}
}

func TestOrchestrator_Schedule_RunsAfterDelay(t *testing.T) {
	rec := &eventRecorder{}
	o := New(WithListener(rec))
	defer o.Close()

	done := make(chan struct{})
	id, err := o.Schedule(context.Background(), fastContext("op-1", "device-1", 0),
		func(ctx context.Context) (*types.SyncResult, error) {
			close(done)
			return &types.SyncResult{Success: true, SyncedRecords: 7}, nil
		}, testNetwork(), 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled operation never ran")
	}

	waitFor(t, 2*time.Second, func() bool {
		snap, err := o.GetSession(id)
		return err == nil && !snap.Active && len(snap.Attempts) == 1
	})

	snap, err := o.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if snap.FinalResult == nil || !snap.FinalResult.Success {
		t.Error("scheduled run should complete with its result")
	}
	if snap.FinalResult.SyncedRecords != 7 {
		t.Errorf("SyncedRecords = %d, want 7", snap.FinalResult.SyncedRecords)
	}

	if o.Cancel(id) {
		t.Error("a session that already ran should not be cancellable")
	}
	if got := rec.count(EventRetryScheduled); got != 1 {
		t.Errorf("retry_scheduled events = %d, want 1", got)
	}
}

func TestOrchestrator_Cancel(t *testing.T) {
	rec := &eventRecorder{}
	o := New(WithListener(rec))
	defer o.Close()

	var ran int32
	id, err := o.Schedule(context.Background(), fastContext("op-1", "device-1", 0),
		func(ctx context.Context) (*types.SyncResult, error) {
			atomic.StoreInt32(&ran, 1)
			return nil, nil
		}, testNetwork(), time.Hour)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	if !o.Cancel(id) {
		t.Fatal("first cancel should succeed")
	}
	if o.Cancel(id) {
		t.Error("second cancel should fail")
	}
	if o.Cancel("no-such-session") {
		t.Error("cancel of an unknown session should fail")
	}

	snap, err := o.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if snap.Active {
		t.Error("cancelled session should be terminal")
	}
	if snap.EndTime == nil {
		t.Error("cancelled session should record its end time")
	}
	if len(snap.Attempts) != 0 {
		t.Errorf("cancelled session has %d attempts, want 0", len(snap.Attempts))
	}

	if got := rec.count(EventRetryCancelled); got != 1 {
		t.Errorf("retry_cancelled events = %d, want 1", got)
	}
	if got := o.GetStats().TotalCancelled; got != 1 {
		t.Errorf("TotalCancelled = %d, want 1", got)
	}

	// give a mistakenly fired run a moment to prove itself, then check it
	// never happened
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&ran) != 0 {
		t.Error("cancelled operation must never run")
	}
}

func TestOrchestrator_Close(t *testing.T) {
	o := New()

	var ran int32
	_, err := o.Schedule(context.Background(), fastContext("op-1", "device-1", 0),
		func(ctx context.Context) (*types.SyncResult, error) {
			atomic.StoreInt32(&ran, 1)
			return nil, nil
		}, testNetwork(), time.Hour)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	if err := o.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if atomic.LoadInt32(&ran) != 0 {
		t.Error("pending operation must not run after Close")
	}
	if got := o.GetStats().TotalCancelled; got != 1 {
		t.Errorf("TotalCancelled = %d, want 1", got)
	}

	if _, err := o.ExecuteWithRetry(context.Background(), fastContext("op-2", "device-1", 0),
		noopOperation, testNetwork()); !errors.Is(err, types.ErrOrchestratorClosed) {
		t.Errorf("ExecuteWithRetry after Close = %v, want ErrOrchestratorClosed", err)
	}
	if _, err := o.Schedule(context.Background(), fastContext("op-3", "device-1", 0),
		noopOperation, testNetwork(), time.Second); !errors.Is(err, types.ErrOrchestratorClosed) {
		t.Errorf("Schedule after Close = %v, want ErrOrchestratorClosed", err)
	}
}

func TestOrchestrator_SweepsTerminalSessions(t *testing.T) {
	o := New(WithSweepInterval(20*time.Millisecond), WithSessionRetention(10*time.Millisecond))
	defer o.Close()

	_, err := o.ExecuteWithRetry(context.Background(), fastContext("op-1", "device-1", 0),
		noopOperation, testNetwork())
	if err != nil {
		t.Fatalf("ExecuteWithRetry failed: %v", err)
	}

	if got := len(o.GetSessionsForDevice("device-1")); got != 1 {
		t.Fatalf("got %d sessions before the sweep, want 1", got)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(o.GetSessionsForDevice("device-1")) == 0
	})
}

func TestOrchestrator_Stats(t *testing.T) {
	o := New()
	defer o.Close()

	// session one: two failures, then success (3 attempts, 2 retries)
	var calls int32
	_, err := o.ExecuteWithRetry(context.Background(), fastContext("op-1", "device-1", 3),
		func(ctx context.Context) (*types.SyncResult, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return nil, networkError()
			}
			return &types.SyncResult{Success: true}, nil
		}, testNetwork())
	if err != nil {
		t.Fatalf("first session failed: %v", err)
	}

	// session two: exhausts its single retry (2 attempts, 1 retry)
	_, err = o.ExecuteWithRetry(context.Background(), fastContext("op-2", "device-2", 1),
		func(ctx context.Context) (*types.SyncResult, error) {
			return nil, networkError()
		}, testNetwork())
	if err == nil {
		t.Fatal("second session should fail")
	}

	stats := o.GetStats()
	if stats.TotalSessions != 2 {
		t.Errorf("TotalSessions = %d, want 2", stats.TotalSessions)
	}
	if stats.TotalAttempts != 5 {
		t.Errorf("TotalAttempts = %d, want 5", stats.TotalAttempts)
	}
	if stats.TotalRetries != 3 {
		t.Errorf("TotalRetries = %d, want 3", stats.TotalRetries)
	}
	if stats.TotalSuccesses != 1 || stats.TotalFailures != 1 {
		t.Errorf("successes/failures = %d/%d, want 1/1", stats.TotalSuccesses, stats.TotalFailures)
	}
	if stats.AverageAttempts != 2.5 {
		t.Errorf("AverageAttempts = %v, want 2.5", stats.AverageAttempts)
	}
	if stats.TotalRetryDelay != 4*time.Millisecond {
		t.Errorf("TotalRetryDelay = %v, want 4ms (1 + 2 + 1)", stats.TotalRetryDelay)
	}
	if stats.LastRetryTime.IsZero() {
		t.Error("LastRetryTime should be set after retries")
	}

	o.ResetStats()
	stats = o.GetStats()
	if stats.TotalSessions != 0 || stats.TotalAttempts != 0 || stats.TotalRetryDelay != 0 {
		t.Errorf("stats not reset: %+v", &stats)
	}
	if !stats.LastRetryTime.IsZero() {
		t.Error("LastRetryTime should be zero after reset")
	}
}

func TestOrchestrator_GetActiveSessions(t *testing.T) {
	o := New()
	defer o.Close()

	started := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_, _ = o.ExecuteWithRetry(context.Background(), fastContext("op-1", "device-1", 0),
			func(ctx context.Context) (*types.SyncResult, error) {
				close(started)
				<-release
				return &types.SyncResult{Success: true}, nil
			}, testNetwork())
	}()

	<-started
	if got := len(o.GetActiveSessions()); got != 1 {
		t.Errorf("got %d active sessions mid-run, want 1", got)
	}

	close(release)
	waitFor(t, 2*time.Second, func() bool {
		return len(o.GetActiveSessions()) == 0
	})
}

func TestOrchestrator_IndependentInstances(t *testing.T) {
	breakers := breaker.NewRegistry(breaker.WithTripThreshold(1))
	breakers.RecordFailure("device-1", types.OpSync)

	a := New(WithBreakerRegistry(breakers))
	defer a.Close()
	b := New()
	defer b.Close()

	if _, err := a.ExecuteWithRetry(context.Background(), fastContext("op-1", "device-1", 0),
		noopOperation, testNetwork()); !errors.Is(err, types.ErrCircuitOpen) {
		t.Errorf("first orchestrator err = %v, want ErrCircuitOpen", err)
	}

	// the second orchestrator owns its own registries and is unaffected
	if _, err := b.ExecuteWithRetry(context.Background(), fastContext("op-1", "device-1", 0),
		noopOperation, testNetwork()); err != nil {
		t.Errorf("second orchestrator err = %v, want nil", err)
	}
}

func TestOrchestrator_ConcurrentSessions(t *testing.T) {
	o := New()
	defer o.Close()

	const sessions = 16

	var wg sync.WaitGroup
	errs := make([]error, sessions)

	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			var calls int32
			_, err := o.ExecuteWithRetry(context.Background(),
				fastContext(fmt.Sprintf("op-%d", n), fmt.Sprintf("device-%d", n%4), 2),
				func(ctx context.Context) (*types.SyncResult, error) {
					if atomic.AddInt32(&calls, 1) < 2 {
						return nil, networkError()
					}
					return &types.SyncResult{Success: true}, nil
				}, testNetwork())
			errs[n] = err
		}(i)
	}
	wg.Wait()

	for n, err := range errs {
		if err != nil {
			t.Errorf("session %d failed: %v", n, err)
		}
	}

	stats := o.GetStats()
	if stats.TotalSessions != sessions {
		t.Errorf("TotalSessions = %d, want %d", stats.TotalSessions, sessions)
	}
	if stats.TotalSuccesses != sessions {
		t.Errorf("TotalSuccesses = %d, want %d", stats.TotalSuccesses, sessions)
	}
	if got := len(o.GetSessionsForDevice("device-0")); got != 4 {
		t.Errorf("device-0 has %d sessions, want 4", got)
	}
}

func BenchmarkOrchestrator_ExecuteWithRetry(b *testing.B) {
	o := New()
	defer o.Close()

	rc := fastContext("op-bench", "device-bench", 0)
	network := testNetwork()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		o.ExecuteWithRetry(context.Background(), rc, noopOperation, network)
	}
}
