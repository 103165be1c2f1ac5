// Package breaker provides circuit breakers keyed by device and operation
// type.
//
// Each (device, operation) pair gets its own breaker with the usual three
// positions:
//
//   - closed: calls flow, consecutive failures are counted
//   - open: calls are rejected until the cooldown elapses
//   - half-open: one or more probes are admitted; a success closes the
//     breaker, a failure re-opens it with a fresh cooldown
//
// Breakers are created lazily on first reference and live until explicitly
// reset. State changes happen only through RecordSuccess, RecordFailure and
// the time-based open-to-half-open transition inside Allow; the mutating
// methods return what changed so callers can surface the transitions as
// events.
//
// Basic usage:
//
//	reg := breaker.NewRegistry(breaker.WithCooldown(30 * time.Second))
//
//	if !reg.IsOpen(deviceID, types.OpSync) {
//		err := doSync()
//		if err != nil {
//			reg.RecordFailure(deviceID, types.OpSync)
//		} else {
//			reg.RecordSuccess(deviceID, types.OpSync)
//		}
//	}
//
// All methods are safe for concurrent use; each key serializes on its own
// mutex so independent devices never contend.
package breaker
