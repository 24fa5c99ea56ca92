package testutil

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/johndosdos/ticketchat/internal/model"
	"github.com/johndosdos/ticketchat/internal/protocol"
)

type client struct {
	conn        *websocket.Conn
	participant model.Participant
	send        chan []byte

	mu   sync.Mutex
	room model.ID
}

func (c *client) setTicket(id model.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = id
}

func (c *client) ticket() model.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// reply queues a frame for this connection only. It must only be called
// while the connection is registered.
func (c *client) reply(t protocol.Type, payload any) {
	p, err := protocol.Encode(t, payload)
	if err != nil {
		slog.Error("failed to encode frame", "type", t, "error", err)
		return
	}
	select {
	case c.send <- p:
	default:
		slog.Warn("skipping frame - channel full or client slow", "participant_id", c.participant.ID)
	}
}

// writeFrames drains send onto the socket.
func (c *client) writeFrames(ctx context.Context) {
	for {
		select {
		case p, ok := <-c.send:
			if !ok {
				_ = c.conn.Close(websocket.StatusNormalClosure, "channel closed")
				return
			}

			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.conn.Write(writeCtx, websocket.MessageText, p)
			cancel()
			if err != nil {
				slog.DebugContext(ctx, "failed to write frame", "error", err)
			}

		case <-ctx.Done():
			return
		}
	}
}

type registration struct {
	client *client
	done   chan struct{}
}

type outbound struct {
	ticketID model.ID
	frame    []byte
}

// hub owns connection membership. Every map is touched only by run.
type hub struct {
	clients map[*client]struct{}
	rooms   map[model.ID]map[*client]struct{}

	register   chan registration
	unregister chan *client
	join       chan *client
	outbound   chan outbound
	calls      chan func()
}

func newHub() *hub {
	return &hub{
		clients:    make(map[*client]struct{}),
		rooms:      make(map[model.ID]map[*client]struct{}),
		register:   make(chan registration),
		unregister: make(chan *client),
		join:       make(chan *client),
		outbound:   make(chan outbound, 1024),
		calls:      make(chan func()),
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case reg := <-h.register:
			h.clients[reg.client] = struct{}{}
			close(reg.done)

		case c := <-h.unregister:
			h.leave(c)
			delete(h.clients, c)
			close(c.send)

		case c := <-h.join:
			h.leave(c)
			id := c.ticket()
			if h.rooms[id] == nil {
				h.rooms[id] = make(map[*client]struct{})
			}
			h.rooms[id][c] = struct{}{}
			c.reply(protocol.TypeRoomJoined, protocol.RoomJoined{Message: "joined ticket " + id.String()})

		case out := <-h.outbound:
			for c := range h.rooms[out.ticketID] {
				select {
				case c.send <- out.frame:
				default:
					slog.Warn("skipping frame - channel full or client slow", "participant_id", c.participant.ID)
				}
			}

		case f := <-h.calls:
			f()

		case <-ctx.Done():
			return
		}
	}
}

// leave removes c from whichever room holds it.
func (h *hub) leave(c *client) {
	for id, members := range h.rooms {
		if _, ok := members[c]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, id)
			}
		}
	}
}

func (h *hub) broadcast(ticketID model.ID, t protocol.Type, payload any) {
	p, err := protocol.Encode(t, payload)
	if err != nil {
		slog.Error("failed to encode frame", "type", t, "error", err)
		return
	}
	h.outbound <- outbound{ticketID: ticketID, frame: p}
}

func (h *hub) do(f func()) {
	done := make(chan struct{})
	h.calls <- func() {
		f()
		close(done)
	}
	<-done
}

func (h *hub) members(ticketID model.ID) int {
	var n int
	h.do(func() { n = len(h.rooms[ticketID]) })
	return n
}

func (h *hub) dropAll() {
	h.do(func() {
		for c := range h.clients {
			_ = c.conn.CloseNow()
		}
	})
}
