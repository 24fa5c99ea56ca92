package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/johndosdos/ticketchat/internal/clock"
	"github.com/johndosdos/ticketchat/internal/metrics"
	"github.com/johndosdos/ticketchat/internal/model"
	"github.com/johndosdos/ticketchat/internal/protocol"
)

// MessageAPI is the request/response side used for the history load and
// the fallback send.
type MessageAPI interface {
	ListMessages(ctx context.Context, ticketID model.ID) ([]model.Message, error)
	MessagePoster
}

// TicketLookup resolves the ticket identity behind a room.
type TicketLookup interface {
	GetTicket(ctx context.Context, ticketID model.ID) (model.Ticket, error)
}

// Deps are the collaborators of a Session. Tickets, Clock and Logger are
// optional; without Tickets the room has no opening entry.
type Deps struct {
	Dialer  Dialer
	API     MessageAPI
	Tickets TicketLookup
	Clock   clock.Clock
	Logger  *slog.Logger
}

type EventKind int

const (
	EventMessages EventKind = iota
	EventStatus
	EventTyping
	EventDeliveryFailed
	EventProtocolError
	EventHistoryFailed
)

func (k EventKind) String() string {
	switch k {
	case EventMessages:
		return "messages"
	case EventStatus:
		return "status"
	case EventTyping:
		return "typing"
	case EventDeliveryFailed:
		return "delivery_failed"
	case EventProtocolError:
		return "protocol_error"
	case EventHistoryFailed:
		return "history_failed"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event tells the presentation layer that something changed. Events carry
// just enough to render a banner; the current state is read back through
// the Session accessors.
type Event struct {
	Kind   EventKind
	Status Status
	Typing []string
	Err    error
}

// eventBuffer bounds Events. A reader that falls behind misses events,
// not state.
const eventBuffer = 64

// Session is one open ticket room. It is the only entry point the
// presentation layer uses; all of its methods are safe for concurrent use.
type Session struct {
	ticketID model.ID
	self     model.Participant
	deps     Deps
	opts     Options
	logger   *slog.Logger

	loop      *loop
	closeOnce sync.Once

	mu     sync.Mutex
	events chan Event
	closed bool

	// Owned by the loop.
	epoch    uint64
	cancel   context.CancelFunc
	store    *MessageStore
	conn     *ConnectionManager
	typing   *TypingCoordinator
	delivery *DeliveryPipeline
}

// Open starts a room for ticketID as participant: it connects the
// persistent channel and loads history and the ticket identity in
// parallel.
func Open(ticketID model.ID, participant model.Participant, deps Deps, opts Options) (*Session, error) {
	switch {
	case ticketID == "":
		return nil, errors.New("chat: ticket id is required")
	case participant.ID == "":
		return nil, errors.New("chat: participant id is required")
	case !participant.Role.Valid():
		return nil, fmt.Errorf("chat: invalid participant role %q", participant.Role)
	case deps.Dialer == nil:
		return nil, errors.New("chat: dialer is required")
	case deps.API == nil:
		return nil, errors.New("chat: message api is required")
	}

	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Session{
		ticketID: ticketID,
		self:     participant,
		deps:     deps,
		opts:     opts.withDefaults(),
		logger:   deps.Logger.With("ticket_id", ticketID.String(), "participant_id", participant.ID),
		loop:     newLoop(),
		events:   make(chan Event, eventBuffer),
	}

	go s.loop.run()
	if err := s.loop.do(s.start); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Session) start() {
	s.epoch++
	epoch := s.epoch

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	execute := executor(s.loop.post)
	clk := s.deps.Clock

	s.store = NewMessageStore(clk, s.opts.FreshFor)
	s.store.OnChange = func() { s.emit(Event{Kind: EventMessages}) }

	s.conn = newConnectionManager(connectionConfig{
		Dialer: s.deps.Dialer,
		Join: protocol.JoinRoom{
			TicketID:      s.ticketID,
			ParticipantID: s.self.ID,
			Role:          s.self.Role,
		},
		Options: s.opts,
		Clock:   clk,
		Logger:  s.deps.Logger,
		execute: execute,
	})
	s.conn.OnFrame = s.route
	s.conn.OnStatus = func(st Status) { s.emit(Event{Kind: EventStatus, Status: st}) }

	s.typing = newTypingCoordinator(s.conn, s.self, s.ticketID, s.opts, clk, s.logger, execute)
	s.typing.OnChange = func(names []string) { s.emit(Event{Kind: EventTyping, Typing: names}) }

	var draft string
	if s.delivery != nil {
		draft = s.delivery.Draft()
	}
	s.delivery = newDeliveryPipeline(ctx, s.conn, s.deps.API, s.store, s.self, s.ticketID, s.opts, clk, s.logger, execute)
	s.delivery.draft = draft

	go s.loadHistory(ctx, epoch)
	if s.deps.Tickets != nil {
		go s.loadTicket(ctx, epoch)
	}

	s.conn.Open()
	s.logger.Info("room opened")
}

func (s *Session) teardown() {
	s.epoch++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.delivery.Close()
	s.typing.Close()
	s.conn.Close()
	s.logger.Info("room closed")
}

func (s *Session) loadHistory(ctx context.Context, epoch uint64) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	messages, err := s.deps.API.ListMessages(ctx, s.ticketID)
	s.loop.post(func() { s.onHistory(epoch, messages, err) })
}

func (s *Session) onHistory(epoch uint64, messages []model.Message, err error) {
	if epoch != s.epoch {
		return
	}
	if err != nil {
		metrics.HistoryLoads.WithLabelValues("failure").Inc()
		s.logger.Error("failed to load message history", "error", err)
		s.emit(Event{Kind: EventHistoryFailed, Err: err})
		return
	}

	metrics.HistoryLoads.WithLabelValues("success").Inc()
	own := messages[:0]
	for _, m := range messages {
		switch m.TicketID {
		case "":
			m.TicketID = s.ticketID
		case s.ticketID:
		default:
			continue
		}
		own = append(own, m)
	}
	added := s.store.AppendAll(own)
	s.logger.Debug("message history loaded", "received", len(messages), "added", added)
}

func (s *Session) loadTicket(ctx context.Context, epoch uint64) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	ticket, err := s.deps.Tickets.GetTicket(ctx, s.ticketID)
	s.loop.post(func() {
		if epoch != s.epoch {
			return
		}
		if err != nil {
			s.logger.Warn("failed to look up ticket", "error", err)
			return
		}
		if ticket.ID == "" {
			ticket.ID = s.ticketID
		}
		s.store.SetOpening(model.OpeningMessage(ticket))
	})
}

// route dispatches an inbound frame to the component that owns it.
func (s *Session) route(f protocol.Frame) {
	switch f.Type {
	case protocol.TypeNewMessage:
		var m model.Message
		if err := f.DecodePayload(&m); err != nil {
			s.logger.Warn("dropping malformed message", "error", err)
			return
		}
		if m.TicketID == "" {
			m.TicketID = s.ticketID
		}
		if m.TicketID != s.ticketID {
			s.logger.Debug("dropping message for another ticket", "message_ticket_id", m.TicketID.String())
			return
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = s.deps.Clock.Now()
		}
		s.store.Append(m)

	case protocol.TypeUserTyping, protocol.TypeUserStoppedTyping:
		var sig protocol.Typing
		if err := f.DecodePayload(&sig); err != nil {
			s.logger.Debug("dropping malformed typing signal", "error", err)
			return
		}
		if sig.TicketID != "" && sig.TicketID != s.ticketID {
			return
		}
		if f.Type == protocol.TypeUserTyping {
			s.typing.RemoteStarted(sig)
		} else {
			s.typing.RemoteStopped(sig)
		}

	case protocol.TypeError:
		var e protocol.Error
		if err := f.DecodePayload(&e); err != nil {
			e.Message = "unknown server error"
		}
		s.logger.Warn("server reported an error", "message", e.Message)
		s.emit(Event{Kind: EventProtocolError, Err: &ProtocolError{Message: e.Message}})

	case protocol.TypeRoomJoined:
		var ack protocol.RoomJoined
		_ = f.DecodePayload(&ack)
		s.logger.Debug("room membership confirmed", "message", ack.Message)

	default:
		s.logger.Debug("ignoring unknown frame", "type", f.Type)
	}
}

func (s *Session) emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- e:
	default:
	}
}

// Events returns the change notifications of the room. The channel is
// closed by Close.
func (s *Session) Events() <-chan Event { return s.events }

// Send delivers text and waits for the outcome. On error the text stays
// available as Draft.
func (s *Session) Send(ctx context.Context, text string) error {
	result := make(chan error, 1)
	var (
		delivery *DeliveryPipeline
		inflight uint64
	)
	err := s.loop.do(func() {
		delivery = s.delivery
		inflight = delivery.Send(ctx, text, func(err error) {
			var de *DeliveryError
			if errors.As(err, &de) {
				s.emit(Event{Kind: EventDeliveryFailed, Err: err})
			}
			result <- err
		})
	})
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	default:
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		// Frees the pipeline before any later Send is handled.
		s.loop.post(func() { delivery.Abandon(inflight, ctx.Err()) })
		return ctx.Err()
	case <-s.loop.quit:
		return ErrSessionClosed
	}
}

// NotifyTyping reports a local keystroke. It never blocks on the network
// and never fails.
func (s *Session) NotifyTyping() {
	s.loop.post(func() { s.typing.Keystroke() })
}

// Messages returns the ordered messages of the room, opening entry first.
func (s *Session) Messages() []model.Message {
	var out []model.Message
	_ = s.loop.do(func() { out = s.store.All() })
	return out
}

// Status returns the state of the persistent channel. A closed session
// reports Idle.
func (s *Session) Status() Status {
	var st Status
	_ = s.loop.do(func() { st = s.conn.Status() })
	return st
}

// Typing returns the sorted display names of remote participants who are
// typing.
func (s *Session) Typing() []string {
	var out []string
	_ = s.loop.do(func() { out = s.typing.Typing() })
	return out
}

// Draft returns the text of the last send that failed.
func (s *Session) Draft() string {
	var out string
	_ = s.loop.do(func() { out = s.delivery.Draft() })
	return out
}

// Fresh reports whether a message arrived recently enough to be
// highlighted.
func (s *Session) Fresh(id model.ID) bool {
	var out bool
	_ = s.loop.do(func() { out = s.store.Fresh(id) })
	return out
}

// Retry reopens the room from scratch: a new connection with a fresh
// retry budget, an empty store and a new history load. The draft is kept.
// It is meant for rooms whose channel reached Failed.
func (s *Session) Retry() error {
	return s.loop.do(func() {
		s.logger.Info("retrying room")
		s.teardown()
		s.start()
	})
}

// Close leaves the room. The transport is closed with a normal closure,
// every timer is cancelled and Events is closed. Close is idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.loop.do(s.teardown)
		s.loop.stop()

		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
	return err
}
