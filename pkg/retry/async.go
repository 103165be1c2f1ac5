package retry

import (
	"context"
	"time"

	"github.com/synckit/resilience/pkg/types"
)

// ExecResult carries an asynchronous execution outcome.
type ExecResult struct {
	Result   *types.SyncResult
	Err      error
	Duration time.Duration
}

// ExecuteWithRetryAsync runs ExecuteWithRetry on its own goroutine and
// returns a buffered channel that delivers the single outcome and is then
// closed. Close waits for in-flight asynchronous runs to finish.
func (o *Orchestrator) ExecuteWithRetryAsync(ctx context.Context, rc Context, op Operation, network types.NetworkCondition) <-chan ExecResult {
	resultChan := make(chan ExecResult, 1)

	if !o.tryTrack() {
		resultChan <- ExecResult{Err: types.ErrOrchestratorClosed}
		close(resultChan)
		return resultChan
	}

	go func() {
		defer o.wg.Done()
		defer close(resultChan)

		start := o.clock.Now()
		result, err := o.ExecuteWithRetry(ctx, rc, op, network)
		duration := o.clock.Since(start)

		resultChan <- ExecResult{
			Result:   result,
			Err:      err,
			Duration: duration,
		}
	}()

	return resultChan
}
