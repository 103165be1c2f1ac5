package types

import "time"

// SyncResult is the outcome reported by a sync operation invocation. The
// orchestrator stamps RetryAttempts and Duration on the final result it
// returns; the remaining fields are the operation's own.
type SyncResult struct {
	Success          bool
	SyncedRecords    int
	Conflicts        int
	Duration         time.Duration
	BytesTransferred int64

	// RetryAttempts is the number of attempts performed, including the first
	RetryAttempts int
}
