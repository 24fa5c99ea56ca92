package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"github.com/johndosdos/ticketchat/internal/clock"
	"github.com/johndosdos/ticketchat/internal/metrics"
	"github.com/johndosdos/ticketchat/internal/model"
	"github.com/johndosdos/ticketchat/internal/protocol"
	ratelimiter "github.com/johndosdos/ticketchat/internal/rate_limiter"
)

var errNoMessageID = errors.New("fallback response has no message id")

// MessagePoster is the synchronous fallback path.
type MessagePoster interface {
	PostMessage(ctx context.Context, ticketID model.ID, msg protocol.SendMessage) (model.Message, error)
}

// DeliveryPipeline sends one message at a time, over the persistent
// channel when it is ready and through the fallback request otherwise.
//
// Only the fallback path appends to the store. A persistent send is
// confirmed by the server's NEW_MESSAGE echo, which the session routes
// into the store like any other inbound message.
type DeliveryPipeline struct {
	conn     frameSender
	poster   MessagePoster
	store    *MessageStore
	self     model.Participant
	ticketID model.ID
	opts     Options
	clock    clock.Clock
	logger   *slog.Logger
	execute  executor
	limiter  *rate.Limiter

	// ctx bounds every fallback request; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	gen       uint64
	closed    bool
	pending   bool
	draft     string
	done      func(error)
	cancelReq func()
}

func newDeliveryPipeline(ctx context.Context, conn frameSender, poster MessagePoster, store *MessageStore,
	self model.Participant, ticketID model.ID, opts Options,
	clk clock.Clock, logger *slog.Logger, execute executor) *DeliveryPipeline {
	ctx, cancel := context.WithCancel(ctx)
	return &DeliveryPipeline{
		ctx:      ctx,
		cancel:   cancel,
		conn:     conn,
		poster:   poster,
		store:    store,
		self:     self,
		ticketID: ticketID,
		opts:     opts,
		clock:    clk,
		logger:   logger,
		execute:  execute,
		limiter:  ratelimiter.New(opts.MessageBurst, opts.MessageWindow),
	}
}

// Send delivers text and calls done with the outcome on the event loop.
// When done receives an error the text is kept as the draft, verbatim.
//
// ctx bounds the fallback request. When one is started Send returns its
// id, which Abandon accepts; otherwise it returns 0 and done has already
// been called.
func (p *DeliveryPipeline) Send(ctx context.Context, text string, done func(error)) uint64 {
	switch {
	case p.closed:
		done(ErrSessionClosed)
		return 0
	case p.pending:
		done(ErrSendInFlight)
		return 0
	}

	p.draft = text

	body := strings.TrimSpace(text)
	if body == "" {
		done(ErrEmptyBody)
		return 0
	}
	if !p.limiter.Allow() {
		done(ErrRateLimited)
		return 0
	}

	msg := protocol.SendMessage{
		TicketID:          p.ticketID,
		Body:              body,
		SenderRole:        p.self.Role,
		SenderDisplayName: p.self.DisplayName,
	}

	persistentErr := ErrNotReady
	if p.conn.IsReady() {
		persistentErr = p.conn.Send(protocol.TypeSendMessage, msg)
		if persistentErr == nil {
			metrics.Deliveries.WithLabelValues("persistent", "success").Inc()
			p.draft = ""
			done(nil)
			return 0
		}
		metrics.Deliveries.WithLabelValues("persistent", "failure").Inc()
		p.logger.Warn("persistent send failed, falling back", "error", persistentErr)
	}

	p.gen++
	gen := p.gen
	p.pending = true
	p.done = done

	reqCtx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
	stop := context.AfterFunc(p.ctx, cancel)
	p.cancelReq = func() {
		stop()
		cancel()
	}

	go func() {
		created, err := p.poster.PostMessage(reqCtx, p.ticketID, msg)
		p.execute(func() { p.onFallback(gen, created, persistentErr, err) })
	}()
	return gen
}

func (p *DeliveryPipeline) onFallback(gen uint64, created model.Message, persistentErr, err error) {
	if gen != p.gen || !p.pending {
		return
	}

	if err == nil && created.ID == "" {
		err = errNoMessageID
	}

	done := p.finish()

	if err != nil {
		metrics.Deliveries.WithLabelValues("fallback", "failure").Inc()
		p.logger.Error("message not delivered", "persistent_error", persistentErr, "fallback_error", err)
		done(&DeliveryError{Persistent: persistentErr, Fallback: err})
		return
	}

	if created.TicketID == "" {
		created.TicketID = p.ticketID
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = p.clock.Now()
	}
	if created.SenderRole == "" {
		created.SenderRole = p.self.Role
		created.SenderDisplayName = p.self.DisplayName
	}

	metrics.Deliveries.WithLabelValues("fallback", "success").Inc()
	p.store.Append(created)
	p.draft = ""
	done(nil)
}

// finish ends the outstanding request and returns its callback.
func (p *DeliveryPipeline) finish() func(error) {
	done := p.done
	p.pending = false
	p.done = nil
	if p.cancelReq != nil {
		p.cancelReq()
		p.cancelReq = nil
	}
	return done
}

// Abandon cancels fallback request gen if it is still outstanding and
// answers its callback with err. The draft is kept.
func (p *DeliveryPipeline) Abandon(gen uint64, err error) {
	if gen == 0 || gen != p.gen || !p.pending {
		return
	}
	p.logger.Info("fallback send abandoned", "error", err)
	p.finish()(err)
}

// Pending reports whether a fallback request is outstanding.
func (p *DeliveryPipeline) Pending() bool { return p.pending }

// Draft returns the text of the last send that did not go through, or the
// send in flight. It is empty after a confirmed delivery.
func (p *DeliveryPipeline) Draft() string { return p.draft }

// Close cancels an outstanding fallback request. Its callback is
// answered with ErrSessionClosed and its result is discarded.
func (p *DeliveryPipeline) Close() {
	p.closed = true
	p.gen++
	if p.pending {
		p.finish()(ErrSessionClosed)
	}
	p.cancel()
}
