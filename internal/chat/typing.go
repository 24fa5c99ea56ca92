package chat

import (
	"log/slog"
	"sort"

	"golang.org/x/time/rate"

	"github.com/johndosdos/ticketchat/internal/clock"
	"github.com/johndosdos/ticketchat/internal/model"
	"github.com/johndosdos/ticketchat/internal/protocol"
	ratelimiter "github.com/johndosdos/ticketchat/internal/rate_limiter"
)

// frameSender is the part of ConnectionManager the typing and delivery
// paths need.
type frameSender interface {
	IsReady() bool
	Send(t protocol.Type, payload any) error
}

type typingEntry struct {
	seq   uint64
	timer *clock.Timer
}

// TypingCoordinator turns local keystrokes into typing presence frames
// and inbound presence frames into the set of remote participants who are
// typing. Presence is best-effort: send failures are logged and dropped.
type TypingCoordinator struct {
	conn     frameSender
	self     model.Participant
	ticketID model.ID
	opts     Options
	clock    clock.Clock
	logger   *slog.Logger
	execute  executor
	limiter  *rate.Limiter

	// seq tags every timer so that a callback already queued on the loop
	// when its timer was replaced is ignored.
	seq      uint64
	sent     bool
	debounce *clock.Timer
	debSeq   uint64
	remote   map[string]typingEntry

	// OnChange receives the sorted names of remote typists on every change.
	OnChange func([]string)
}

func newTypingCoordinator(conn frameSender, self model.Participant, ticketID model.ID,
	opts Options, clk clock.Clock, logger *slog.Logger, execute executor) *TypingCoordinator {
	return &TypingCoordinator{
		conn:     conn,
		self:     self,
		ticketID: ticketID,
		opts:     opts,
		clock:    clk,
		logger:   logger,
		execute:  execute,
		limiter:  ratelimiter.New(opts.TypingBurst, opts.TypingWindow),
		remote:   make(map[string]typingEntry),
	}
}

// Keystroke records local typing activity. The first keystroke after an
// idle period sends TYPING; every keystroke re-arms the idle timer that
// sends STOP_TYPING.
func (c *TypingCoordinator) Keystroke() {
	if !c.sent && c.conn.IsReady() && c.limiter.Allow() {
		if err := c.conn.Send(protocol.TypeTyping, c.signal()); err != nil {
			c.logger.Debug("typing signal dropped", "error", err)
		} else {
			c.sent = true
		}
	}

	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.seq++
	seq := c.seq
	c.debSeq = seq
	c.debounce = c.clock.AfterFunc(c.opts.TypingDebounce, func() {
		c.execute(func() { c.onIdle(seq) })
	})
}

func (c *TypingCoordinator) onIdle(seq uint64) {
	if c.debounce == nil || seq != c.debSeq {
		return
	}
	c.debounce = nil

	if !c.sent {
		return
	}
	c.sent = false
	if !c.conn.IsReady() {
		return
	}
	if err := c.conn.Send(protocol.TypeStopTyping, c.signal()); err != nil {
		c.logger.Debug("stop typing signal dropped", "error", err)
	}
}

func (c *TypingCoordinator) signal() protocol.Typing {
	return protocol.Typing{
		TicketID:          c.ticketID,
		SenderRole:        c.self.Role,
		SenderDisplayName: c.self.DisplayName,
	}
}

// isSelf filters presence frames the transport reflects back to their
// sender.
func (c *TypingCoordinator) isSelf(sig protocol.Typing) bool {
	if sig.SenderRole != c.self.Role {
		return false
	}
	return sig.SenderDisplayName == "" || sig.SenderDisplayName == c.self.DisplayName
}

// RemoteStarted adds the sender to the typing set, or refreshes its
// expiry if it is already there.
func (c *TypingCoordinator) RemoteStarted(sig protocol.Typing) {
	if c.isSelf(sig) || sig.SenderDisplayName == "" {
		return
	}

	name := sig.SenderDisplayName
	old, existed := c.remote[name]
	if existed {
		old.timer.Stop()
	}

	c.seq++
	seq := c.seq
	c.remote[name] = typingEntry{
		seq: seq,
		timer: c.clock.AfterFunc(c.opts.TypingExpiry, func() {
			c.execute(func() { c.expire(name, seq) })
		}),
	}

	if !existed {
		c.changed()
	}
}

// RemoteStopped removes the sender from the typing set immediately.
func (c *TypingCoordinator) RemoteStopped(sig protocol.Typing) {
	if c.isSelf(sig) {
		return
	}

	e, ok := c.remote[sig.SenderDisplayName]
	if !ok {
		return
	}
	e.timer.Stop()
	delete(c.remote, sig.SenderDisplayName)
	c.changed()
}

func (c *TypingCoordinator) expire(name string, seq uint64) {
	e, ok := c.remote[name]
	if !ok || e.seq != seq {
		return
	}
	delete(c.remote, name)
	c.logger.Debug("typing indicator expired", "sender", name)
	c.changed()
}

// Typing returns the sorted display names of remote typists.
func (c *TypingCoordinator) Typing() []string {
	names := make([]string, 0, len(c.remote))
	for name := range c.remote {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close cancels the idle timer and every expiry timer and forgets all
// typing state.
func (c *TypingCoordinator) Close() {
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	c.sent = false

	hadRemote := len(c.remote) > 0
	for name, e := range c.remote {
		e.timer.Stop()
		delete(c.remote, name)
	}
	if hadRemote {
		c.changed()
	}
}

func (c *TypingCoordinator) changed() {
	if c.OnChange != nil {
		c.OnChange(c.Typing())
	}
}
