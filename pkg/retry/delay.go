// Package retry provides backoff delay computation
package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// package-level random source for jitter; math/rand sources are not safe
// for concurrent use, so access goes through a mutex
var (
	jitterMu  sync.Mutex
	jitterSrc = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func jitterFloat() float64 {
	jitterMu.Lock()
	defer jitterMu.Unlock()
	return jitterSrc.Float64()
}

// DelayForAttempt computes the delay applied before the given attempt.
// The first attempt runs immediately. Retries wait an exponential backoff
// capped at MaxDelay, with symmetric jitter of up to ±JitterFactor/2 of the
// deterministic value, clamped at zero and rounded to the millisecond.
//
// With BackoffFactor 2 and BaseDelay 100ms the undithered sequence is
// 0, 100ms, 200ms, 400ms, ... until MaxDelay caps it.
func (c Context) DelayForAttempt(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	delay := float64(c.BaseDelay) * math.Pow(c.BackoffFactor, float64(attempt-2))
	if limit := float64(c.MaxDelay); delay > limit {
		delay = limit
	}

	if c.JitterFactor > 0 {
		delay += delay * c.JitterFactor * (jitterFloat() - 0.5)
	}
	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay).Round(time.Millisecond)
}
