// Package clock provides an abstract layer over the standard time package
// so that timer-driven behavior (health checks, idle cleanup, retry delays)
// can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is an interface to the standard library time.
// It is implemented by a real clock and by a mock used in tests.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers clock ticks on C. On the real clock it wraps a
// time.Ticker; on the mock, ticks fire when the mock time is advanced.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop turns off the ticker
func (t *Ticker) Stop() {
	t.stop()
}

type clock struct{}

func (c *clock) Now() time.Time {
	return time.Now()
}

func (c *clock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

func (c *clock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}

// New returns an instance of a real clock
func New() Clock {
	return &clock{}
}

// Mock is a mock clock whose current time is set explicitly. Tickers created
// from it fire when Advance or SetNow moves the time past their next tick.
type Mock struct {
	mu          sync.Mutex
	currentTime time.Time
	tickers     []*mockTicker
}

type mockTicker struct {
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
}

// NewMock returns an instance of a mock clock
func NewMock() *Mock {
	return &Mock{
		currentTime: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
}

// SetNow sets the current time for the mock clock
func (c *Mock) SetNow(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentTime = t
	c.fire()
}

// Advance moves the mock clock forward by d
func (c *Mock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentTime = c.currentTime.Add(d)
	c.fire()
}

// Now returns the current time
func (c *Mock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTime
}

// Since returns the duration elapsed since t on the mock clock
func (c *Mock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// NewTicker returns a ticker driven by Advance and SetNow
func (c *Mock) NewTicker(d time.Duration) *Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()

	mt := &mockTicker{
		ch:       make(chan time.Time, 1),
		interval: d,
		next:     c.currentTime.Add(d),
	}
	c.tickers = append(c.tickers, mt)

	return &Ticker{
		C: mt.ch,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			mt.stopped = true
		},
	}
}

// fire delivers due ticks. Like a real ticker, a slow receiver coalesces
// missed ticks into one. Callers must hold mu.
func (c *Mock) fire() {
	for _, mt := range c.tickers {
		if mt.stopped || mt.interval <= 0 {
			continue
		}
		for !mt.next.After(c.currentTime) {
			select {
			case mt.ch <- mt.next:
			default:
			}
			mt.next = mt.next.Add(mt.interval)
		}
	}
}
