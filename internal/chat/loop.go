package chat

import "sync"

// executor runs f on the room's event loop. It reports false once the
// loop has stopped and f will never run.
type executor func(f func()) bool

// loop serializes every state change of a room. Handlers run to
// completion one at a time, in the order they were posted.
type loop struct {
	events   chan func()
	quit     chan struct{}
	stopOnce sync.Once
}

func newLoop() *loop {
	return &loop{
		events: make(chan func(), 256),
		quit:   make(chan struct{}),
	}
}

func (l *loop) run() {
	for {
		select {
		case f := <-l.events:
			f()
		case <-l.quit:
			return
		}
	}
}

func (l *loop) post(f func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}

	select {
	case l.events <- f:
		return true
	case <-l.quit:
		return false
	}
}

// do runs f on the loop and waits for it to finish. It must not be
// called from the loop itself.
func (l *loop) do(f func()) error {
	done := make(chan struct{})
	if !l.post(func() {
		defer close(done)
		f()
	}) {
		return ErrSessionClosed
	}

	select {
	case <-done:
		return nil
	case <-l.quit:
		return ErrSessionClosed
	}
}

func (l *loop) stop() {
	l.stopOnce.Do(func() { close(l.quit) })
}
