// Package testutils provides test doubles shared across packages, chiefly
// the quartz-backed mock clock that drives breaker cooldowns, budget windows
// and session sweeps through simulated time.
package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"

	"github.com/synckit/resilience/pkg/types"
)

// MockClock adapts a quartz mock to the types.Clock interface. Registries
// and orchestrators built with it never touch the wall clock.
type MockClock struct {
	*quartz.Mock
	tb testing.TB
}

// NewMockClock creates a mock clock anchored to the test.
func NewMockClock(tb testing.TB) *MockClock {
	return &MockClock{Mock: quartz.NewMock(tb), tb: tb}
}

// Advance moves simulated time forward and waits for any timers or tickers
// fired along the way to be handled.
func (c *MockClock) Advance(d time.Duration) {
	c.tb.Helper()
	c.Mock.Advance(d).MustWait(context.Background())
}

// Now returns the current simulated time.
func (c *MockClock) Now() time.Time {
	return c.Mock.Now()
}

// Since returns the simulated time elapsed since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Mock.Since(t)
}

// After returns a channel that delivers the mock time once d has elapsed.
func (c *MockClock) After(d time.Duration) <-chan time.Time {
	timer := c.Mock.NewTimer(d)
	return timer.C
}

// Sleep blocks until the mock clock advances past d.
func (c *MockClock) Sleep(d time.Duration) {
	timer := c.Mock.NewTimer(d)
	<-timer.C
}

// NewTimer creates a timer driven by the mock clock.
func (c *MockClock) NewTimer(d time.Duration) types.Timer {
	return &mockTimer{timer: c.Mock.NewTimer(d)}
}

// NewTicker creates a ticker driven by the mock clock.
func (c *MockClock) NewTicker(d time.Duration) types.Ticker {
	return &mockTicker{ticker: c.Mock.NewTicker(d)}
}

type mockTimer struct {
	timer *quartz.Timer
}

func (t *mockTimer) C() <-chan time.Time {
	return t.timer.C
}

func (t *mockTimer) Stop() bool {
	return t.timer.Stop()
}

func (t *mockTimer) Reset(d time.Duration) bool {
	return t.timer.Reset(d)
}

type mockTicker struct {
	ticker *quartz.Ticker
}

func (t *mockTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t *mockTicker) Stop() {
	t.ticker.Stop()
}

func (t *mockTicker) Reset(d time.Duration) {
	t.ticker.Reset(d)
}
