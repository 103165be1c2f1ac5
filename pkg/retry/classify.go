package retry

import (
	"strings"

	"github.com/synckit/resilience/pkg/types"
)

// capacityCodes are storage failures that retrying cannot help
var capacityCodes = map[string]struct{}{
	types.CodeStorageFull:       {},
	types.CodeQuotaExceeded:     {},
	types.CodeResourceExhausted: {},
}

// Retryable reports whether err may be retried under this context's rules.
// Codes listed in RetryableErrors win over everything else; otherwise the
// error's category decides: network errors always retry, storage errors
// retry unless the device is out of capacity, permission errors never
// retry, crypto errors retry only on timeouts, and anything else defers to
// the error's own Recoverable flag. Errors that carry no OperationError are
// treated as not recoverable.
func (c Context) Retryable(err error) bool {
	if err == nil {
		return false
	}

	opErr, ok := types.AsOperationError(err)
	if !ok {
		return false
	}

	for _, code := range c.RetryableErrors {
		if code == opErr.Code {
			return true
		}
	}

	switch opErr.Category {
	case types.CategoryNetwork:
		return true
	case types.CategoryStorage:
		return !isCapacityCode(opErr.Code)
	case types.CategoryPermission:
		return false
	case types.CategoryCrypto:
		return isTimeoutCode(opErr.Code)
	default:
		return opErr.Recoverable
	}
}

func isCapacityCode(code string) bool {
	_, ok := capacityCodes[code]
	return ok
}

func isTimeoutCode(code string) bool {
	return code == types.CodeTimeout || strings.HasSuffix(code, "_TIMEOUT")
}
