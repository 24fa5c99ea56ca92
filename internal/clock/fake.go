package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a Clock whose time only moves when Advance is called.
// AfterFunc callbacks run synchronously inside Advance, in deadline order,
// without the clock's lock held, so a callback may schedule new timers.
type FakeClock struct {
	mu      sync.Mutex
	changed *sync.Cond
	now     time.Time
	pending []*fakeTimer
}

type fakeTimer struct {
	deadline time.Time
	callback func()
	channel  chan time.Time
	interval time.Duration
	done     bool
}

// Fake returns a FakeClock set to start.
func Fake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}

	c.mu.Lock()
	t := &fakeTimer{deadline: c.now.Add(d), callback: f}
	c.addLocked(t)
	c.mu.Unlock()

	return &Timer{stop: func() bool { return c.cancel(t) }}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	ch := make(chan time.Time, 1)

	c.mu.Lock()
	t := &fakeTimer{deadline: c.now.Add(d), channel: ch, interval: d}
	c.addLocked(t)
	c.mu.Unlock()

	return &Ticker{C: ch, stop: func() { c.cancel(t) }}
}

func (c *FakeClock) addLocked(t *fakeTimer) {
	c.pending = append(c.pending, t)
	c.changed.Broadcast()
}

func (c *FakeClock) cancel(t *fakeTimer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.done {
		return false
	}
	t.done = true
	for i, p := range c.pending {
		if p == t {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	c.changed.Broadcast()
	return true
}

// Advance moves time forward by d and fires every timer whose deadline
// is reached. Timers scheduled by callbacks are relative to the new time.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.collect(target)
		if len(due) == 0 {
			return
		}

		for _, t := range due {
			switch {
			case t.callback != nil:
				t.callback()
			case t.channel != nil:
				select {
				case t.channel <- target:
				default:
				}
			}
		}
	}
}

func (c *FakeClock) collect(target time.Time) []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, rest []*fakeTimer
	for _, t := range c.pending {
		if t.deadline.After(target) {
			rest = append(rest, t)
			continue
		}
		due = append(due, t)
	}

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})

	for _, t := range due {
		if t.interval > 0 {
			t.deadline = t.deadline.Add(t.interval)
			rest = append(rest, t)
			continue
		}
		t.done = true
	}

	c.pending = rest
	c.changed.Broadcast()
	return due
}

// Pending returns the number of timers and tickers that have not fired
// or been stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// WaitForTimers blocks until at least n timers are pending. Use it to
// wait for a goroutine to arm its timer before calling Advance.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}
