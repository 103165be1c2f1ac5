// Package retry provides retry orchestration for multi-device sync
// operations, combining exponential backoff, per-target circuit breaking
// and per-device retry budgets behind a single execution surface.
//
// Key Features:
//
// 1. Retry contexts:
//   - Per-operation tuning: max retries, base/max delay, backoff factor, jitter
//   - Priority presets (high, medium, low) via NewContext
//   - Explicit retryable error code lists ahead of category rules
//
// 2. Attempt loop:
//   - At most MaxRetries+1 sequential invocations per session
//   - Exponential backoff capped at MaxDelay with symmetric jitter
//   - Context cancellation honored between attempts and during waits
//
// 3. Resilience integration:
//   - Circuit breakers keyed by (device, operation type), see pkg/breaker
//   - Retry budgets per device over a fixed window, see pkg/budget
//   - Network condition snapshots gate retries, never first attempts
//
// 4. Sessions:
//   - Every run is recorded as a session with its ordered attempts
//   - Deferred runs via Schedule, cancellable until the timer fires
//   - Terminal sessions stay queryable until the sweeper drops them
//
// 5. Observability:
//   - Typed event stream consumed by registered listeners
//   - slog logging (LogListener) and channel delivery (ChannelListener)
//   - Orchestrator counters via GetStats
//
// Basic usage example:
//
//	orch := retry.New(retry.WithListener(retry.NewLogListener(nil)))
//	defer orch.Close()
//
//	rc := retry.NewContext("op-backup-7", "device-a", types.OpSync,
//		retry.WithPriority(types.PriorityHigh),
//		retry.WithRetryableErrors("CONNECTION_RESET"))
//
//	result, err := orch.ExecuteWithRetry(ctx, rc, func(ctx context.Context) (*types.SyncResult, error) {
//		return client.Sync(ctx)
//	}, network)
//
// Deferred execution:
//
//	id, err := orch.Schedule(ctx, rc, op, network, 5*time.Minute)
//	// ...
//	cancelled := orch.Cancel(id)
//
// Event handling:
//
//	events := retry.NewChannelListener(128)
//	orch.AddListener(events)
//	go func() {
//		for e := range events.Events() {
//			fmt.Println(e.Type, e.DeviceID)
//		}
//	}()
//
// Error handling:
//
// Operation failures surface to the caller unchanged. The orchestrator's own
// refusals are sentinel errors in pkg/types: ErrCircuitOpen and
// ErrBudgetExhausted before a session starts, ErrBudgetExhausted mid-loop
// when the window is spent, ErrOrchestratorClosed after Close.
//
// Thread safety:
//
// All public types and methods are thread-safe. Sessions for different
// operations run concurrently with no mutual exclusion; breaker and budget
// state serialize per key.
package retry
