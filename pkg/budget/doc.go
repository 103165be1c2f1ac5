// Package budget provides per-device retry budgets over a fixed window.
//
// A budget bounds how many retries a device may consume per window
// (default 20 per hour). First attempts are never charged; only retries
// draw from the budget. Windows roll forward lazily on first access after
// their reset time, so an idle device costs nothing.
//
// Has and Consume expose the two halves of the check separately; they are
// not atomic as a pair. TryConsume performs check-and-charge under the
// device's lock and is what callers gating retries should use.
package budget
