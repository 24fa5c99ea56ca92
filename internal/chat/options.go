package chat

import "time"

// Options tunes a room session. Zero fields fall back to DefaultOptions.
type Options struct {
	// Reconnect backoff: delay before attempt n is min(BackoffBase*2^(n-1), BackoffCap).
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxAttempts int

	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration

	TypingDebounce time.Duration
	TypingExpiry   time.Duration

	// FreshFor is how long a message counts as fresh after it arrives.
	FreshFor time.Duration

	// Client-side flood guards.
	MessageBurst  int
	MessageWindow time.Duration
	TypingBurst   int
	TypingWindow  time.Duration
}

func DefaultOptions() Options {
	return Options{
		BackoffBase:    time.Second,
		BackoffCap:     10 * time.Second,
		MaxAttempts:    5,
		DialTimeout:    10 * time.Second,
		WriteTimeout:   5 * time.Second,
		RequestTimeout: 10 * time.Second,
		TypingDebounce: time.Second,
		TypingExpiry:   3 * time.Second,
		FreshFor:       5 * time.Second,
		MessageBurst:   30,
		MessageWindow:  time.Minute,
		TypingBurst:    10,
		TypingWindow:   10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = d.BackoffCap
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = d.DialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.TypingDebounce <= 0 {
		o.TypingDebounce = d.TypingDebounce
	}
	if o.TypingExpiry <= 0 {
		o.TypingExpiry = d.TypingExpiry
	}
	if o.FreshFor <= 0 {
		o.FreshFor = d.FreshFor
	}
	if o.MessageBurst <= 0 || o.MessageWindow <= 0 {
		o.MessageBurst, o.MessageWindow = d.MessageBurst, d.MessageWindow
	}
	if o.TypingBurst <= 0 || o.TypingWindow <= 0 {
		o.TypingBurst, o.TypingWindow = d.TypingBurst, d.TypingWindow
	}
	return o
}

// BackoffDelay returns the wait before reconnect attempt n (1-indexed).
func BackoffDelay(base, limit time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return min(d, limit)
}
