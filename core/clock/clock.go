// Package clock provides the monotonic millisecond time source used across
// the runtime for frame timestamps, peer liveness tracking and offline
// detection. The zero point is the moment the clock is created, so values
// behave like device uptime.
package clock

import (
	"sync"
	"time"
)

// Clock produces monotonic millisecond timestamps.
type Clock struct {
	mu    sync.Mutex
	epoch time.Time

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// New creates a Clock anchored at the current time.
func New() *Clock {
	return &Clock{
		epoch: time.Now(),
		nowFn: time.Now,
	}
}

// NowMs returns milliseconds elapsed since the clock was created.
func (c *Clock) NowMs() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(c.nowFn().Sub(c.epoch) / time.Millisecond)
}

// NowUs returns microseconds elapsed since the clock was created.
func (c *Clock) NowUs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(c.nowFn().Sub(c.epoch) / time.Microsecond)
}

// Advance shifts the clock's zero point back, making subsequent readings
// larger by d. Intended for tests that need to simulate elapsed time.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch = c.epoch.Add(-d)
}
