// Package testutil runs an in-process chat server that speaks the same
// persistent-channel and HTTP contract as the production one.
package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/johndosdos/ticketchat/internal/auth"
	"github.com/johndosdos/ticketchat/internal/model"
	"github.com/johndosdos/ticketchat/internal/protocol"
	ratelimiter "github.com/johndosdos/ticketchat/internal/rate_limiter"
	"github.com/johndosdos/ticketchat/internal/sanitize"
)

// ServerOpts tunes a Server. Zero values get test-friendly defaults.
type ServerOpts struct {
	Secret string
	// Per-participant flood guard for SEND_MESSAGE and POST.
	MessageBurst  int
	MessageWindow time.Duration
}

// Server is the counterpart of the chat client: it verifies session
// tokens, keeps messages in memory and fans frames out to every member of
// a ticket room.
type Server struct {
	// URL is the request-API base address, WSURL the persistent-channel
	// address.
	URL   string
	WSURL string

	secret   string
	srv      *httptest.Server
	hub      *hub
	limiter  *ratelimiter.KeyedLimiter
	refusing atomic.Bool

	mu       sync.Mutex
	tickets  map[model.ID]model.Ticket
	messages map[model.ID][]model.Message
}

// NewServer starts a Server that is shut down when the test ends.
func NewServer(t testing.TB, opts ServerOpts) *Server {
	t.Helper()

	if opts.Secret == "" {
		opts.Secret = "test-secret"
	}
	if opts.MessageBurst <= 0 || opts.MessageWindow <= 0 {
		opts.MessageBurst, opts.MessageWindow = 100, time.Second
	}

	s := &Server{
		secret: opts.Secret,
		hub:    newHub(),
		// A bucket idle for two windows is full again and can be forgotten.
		limiter: ratelimiter.NewKeyedLimiter(opts.MessageBurst, opts.MessageWindow, ratelimiter.CleanupOpts{
			TTL:      2 * opts.MessageWindow,
			Interval: opts.MessageWindow,
		}),
		tickets:  make(map[model.ID]model.Ticket),
		messages: make(map[model.ID][]model.Message),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go s.hub.run(ctx)

	r := chi.NewRouter()
	r.Use(s.middleware)
	r.Get("/ws", s.serveWs)
	r.Route("/tickets/{ticketID}", func(r chi.Router) {
		r.Get("/", s.getTicket)
		r.Get("/messages", s.listMessages)
		r.Post("/messages", s.postMessage)
	})

	s.srv = httptest.NewServer(r)
	s.URL = s.srv.URL
	s.WSURL = "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"

	t.Cleanup(func() {
		s.hub.dropAll()
		s.srv.Close()
		cancel()
		s.limiter.Close()
	})

	return s
}

// Token mints a session token for p signed with the server secret.
func (s *Server) Token(t testing.TB, p model.Participant) string {
	t.Helper()
	token, err := auth.MakeToken(p, s.secret, time.Hour)
	if err != nil {
		t.Fatalf("failed to make token: %v", err)
	}
	return token
}

// AddTicket registers a ticket and its existing messages.
func (s *Server) AddTicket(ticket model.Ticket, history ...model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[ticket.ID] = ticket
	s.messages[ticket.ID] = append(s.messages[ticket.ID], history...)
}

// Messages returns what the server stored for a ticket.
func (s *Server) Messages(ticketID model.ID) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.messages[ticketID]...)
}

// DropConnections closes every persistent connection without a closing
// handshake, like a crashed server or a dead network path.
func (s *Server) DropConnections() {
	s.hub.dropAll()
}

// RefuseConnections makes the persistent-channel endpoint answer 503.
func (s *Server) RefuseConnections(refuse bool) {
	s.refusing.Store(refuse)
}

// Members counts the connections that joined ticketID.
func (s *Server) Members(ticketID model.ID) int {
	return s.hub.members(ticketID)
}

// middleware authenticates every request with the bearer token.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			respondWithError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		p, err := auth.ValidateToken(token, s.secret)
		if err != nil {
			slog.WarnContext(r.Context(), "rejected session token", "error", err)
			respondWithError(w, http.StatusUnauthorized, "invalid session token")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithParticipant(r.Context(), p)))
	})
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	if s.refusing.Load() {
		respondWithError(w, http.StatusServiceUnavailable, "not accepting connections")
		return
	}

	p, err := auth.ParticipantFromContext(r.Context())
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "failed to accept websocket", "error", err)
		return
	}

	c := &client{
		conn:        conn,
		participant: p,
		send:        make(chan []byte, 64),
	}

	reg := registration{client: c, done: make(chan struct{})}
	s.hub.register <- reg
	<-reg.done

	ctx := r.Context()
	go c.writeFrames(ctx)
	s.readFrames(ctx, c)
}

// readFrames handles the frames of one connection until it goes away.
func (s *Server) readFrames(ctx context.Context, c *client) {
	defer func() { s.hub.unregister <- c }()

	for {
		_, p, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				slog.DebugContext(ctx, "connection lost", "participant_id", c.participant.ID, "error", err)
			}
			return
		}

		frame, err := protocol.Decode(p)
		if err != nil {
			c.reply(protocol.TypeError, protocol.Error{Message: "malformed frame"})
			continue
		}

		switch frame.Type {
		case protocol.TypeJoinRoom:
			var join protocol.JoinRoom
			if err := frame.DecodePayload(&join); err != nil || join.TicketID == "" {
				c.reply(protocol.TypeError, protocol.Error{Message: "join requires a ticket id"})
				continue
			}
			if !s.hasTicket(join.TicketID) {
				c.reply(protocol.TypeError, protocol.Error{Message: "unknown ticket " + join.TicketID.String()})
				continue
			}
			c.setTicket(join.TicketID)
			s.hub.join <- c

		case protocol.TypeSendMessage:
			var msg protocol.SendMessage
			if err := frame.DecodePayload(&msg); err != nil {
				c.reply(protocol.TypeError, protocol.Error{Message: "malformed message"})
				continue
			}
			room := c.ticket()
			if room == "" || msg.TicketID != room {
				c.reply(protocol.TypeError, protocol.Error{Message: "join the ticket room first"})
				continue
			}
			if _, err := s.createMessage(room, c.participant, msg.Body); err != nil {
				c.reply(protocol.TypeError, protocol.Error{Message: err.Error()})
			}

		case protocol.TypeTyping, protocol.TypeStopTyping:
			room := c.ticket()
			if room == "" {
				continue
			}
			out := protocol.TypeUserTyping
			if frame.Type == protocol.TypeStopTyping {
				out = protocol.TypeUserStoppedTyping
			}
			s.hub.broadcast(room, out, protocol.Typing{
				SenderRole:        c.participant.Role,
				SenderDisplayName: c.participant.DisplayName,
			})

		default:
			c.reply(protocol.TypeError, protocol.Error{Message: "unsupported frame " + string(frame.Type)})
		}
	}
}

var (
	errEmptyBody   = errors.New("message body is empty")
	errRateLimited = errors.New("rate limit exceeded, slow down")
)

// createMessage stores a message and announces it to the room.
func (s *Server) createMessage(ticketID model.ID, from model.Participant, body string) (model.Message, error) {
	body = sanitize.Text(body)
	if body == "" {
		return model.Message{}, errEmptyBody
	}
	if !s.limiter.Allow(from.ID) {
		return model.Message{}, errRateLimited
	}

	msg := model.Message{
		ID:                model.ID(uuid.NewString()),
		TicketID:          ticketID,
		Body:              body,
		SenderRole:        from.Role,
		SenderDisplayName: from.DisplayName,
		CreatedAt:         time.Now().UTC(),
	}

	s.mu.Lock()
	s.messages[ticketID] = append(s.messages[ticketID], msg)
	s.mu.Unlock()

	s.hub.broadcast(ticketID, protocol.TypeNewMessage, msg)
	return msg, nil
}

func (s *Server) hasTicket(id model.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tickets[id]
	return ok
}

func (s *Server) getTicket(w http.ResponseWriter, r *http.Request) {
	id := model.ID(chi.URLParam(r, "ticketID"))

	s.mu.Lock()
	ticket, ok := s.tickets[id]
	s.mu.Unlock()

	if !ok {
		respondWithError(w, http.StatusNotFound, "ticket not found")
		return
	}
	respondWithJSON(w, http.StatusOK, ticket)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id := model.ID(chi.URLParam(r, "ticketID"))
	if !s.hasTicket(id) {
		respondWithError(w, http.StatusNotFound, "ticket not found")
		return
	}
	respondWithJSON(w, http.StatusOK, s.Messages(id))
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	id := model.ID(chi.URLParam(r, "ticketID"))
	if !s.hasTicket(id) {
		respondWithError(w, http.StatusNotFound, "ticket not found")
		return
	}

	p, err := auth.ParticipantFromContext(r.Context())
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req protocol.SendMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := s.createMessage(id, p, req.Body)
	switch {
	case errors.Is(err, errEmptyBody):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errRateLimited):
		respondWithError(w, http.StatusTooManyRequests, err.Error())
	case err != nil:
		respondWithError(w, http.StatusInternalServerError, err.Error())
	default:
		respondWithJSON(w, http.StatusCreated, msg)
	}
}

func respondWithJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondWithError(w http.ResponseWriter, status int, message string) {
	respondWithJSON(w, status, map[string]string{"error": message})
}
