package chat

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/johndosdos/ticketchat/internal/model"
	"github.com/johndosdos/ticketchat/internal/protocol"
)

var (
	testEpoch  = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	testLogger = slog.New(slog.DiscardHandler)

	customer = model.Participant{ID: "c-1", Role: model.RoleCustomer, DisplayName: "Cara"}
	agent    = model.Participant{ID: "a-1", Role: model.RoleAgent, DisplayName: "Ana"}
)

var errConnClosed = errors.New("connection closed")

func msgAt(id string, offset time.Duration) model.Message {
	return model.Message{
		ID:                model.ID(id),
		TicketID:          "42",
		Body:              "message " + id,
		SenderRole:        model.RoleAgent,
		SenderDisplayName: "Ana",
		CreatedAt:         testEpoch.Add(offset),
	}
}

func ids(messages []model.Message) []model.ID {
	out := make([]model.ID, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}

// startLoop runs an event loop for the duration of the test.
func startLoop(t *testing.T) *loop {
	t.Helper()
	l := newLoop()
	go l.run()
	t.Cleanup(l.stop)
	return l
}

func inline(f func()) bool {
	f()
	return true
}

// fakeConn is an in-memory persistent channel. The test plays the server
// through push and next.
type fakeConn struct {
	in  chan []byte
	out chan []byte

	closed    chan struct{}
	closeOnce sync.Once
	byClient  atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case p := <-c.in:
		return p, nil
	case <-c.closed:
		return nil, errConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, p []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case c.out <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.byClient.Store(true)
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// drop simulates an abnormal closure by the server.
func (c *fakeConn) drop() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *fakeConn) closedByClient() bool { return c.byClient.Load() }

func (c *fakeConn) push(t *testing.T, typ protocol.Type, payload any) {
	t.Helper()
	p, err := protocol.Encode(typ, payload)
	require.NoError(t, err)
	c.in <- p
}

// next returns the next frame the client wrote.
func (c *fakeConn) next(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case p := <-c.out:
		f, err := protocol.Decode(p)
		require.NoError(t, err)
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame from the client")
		return protocol.Frame{}
	}
}

// acceptJoin answers the JOIN_ROOM handshake.
func (c *fakeConn) acceptJoin(t *testing.T) protocol.JoinRoom {
	t.Helper()
	f := c.next(t)
	require.Equal(t, protocol.TypeJoinRoom, f.Type)

	var join protocol.JoinRoom
	require.NoError(t, f.DecodePayload(&join))
	c.push(t, protocol.TypeRoomJoined, protocol.RoomJoined{Message: "joined"})
	return join
}

// fakeDialer hands out fakeConns, or fails while failing is set.
type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	failing bool
	conns   chan *fakeConn
}

func newFakeDialer(failing bool) *fakeDialer {
	return &fakeDialer{failing: failing, conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.failing {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) setFailing(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing = v
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) nextConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

// fakeSender stands in for the ConnectionManager in component tests.
type fakeSender struct {
	ready bool
	err   error
	sent  []protocol.Frame
}

func (s *fakeSender) IsReady() bool { return s.ready }

func (s *fakeSender) Send(t protocol.Type, payload any) error {
	if !s.ready {
		return ErrNotReady
	}
	if s.err != nil {
		return s.err
	}
	p, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}
	f, err := protocol.Decode(p)
	if err != nil {
		return err
	}
	s.sent = append(s.sent, f)
	return nil
}

func (s *fakeSender) types() []protocol.Type {
	out := make([]protocol.Type, len(s.sent))
	for i, f := range s.sent {
		out[i] = f.Type
	}
	return out
}

// fakeAPI serves history, fallback posts and ticket lookups.
type fakeAPI struct {
	mu         sync.Mutex
	history    []model.Message
	historyErr error
	listCalls  int

	posted  []protocol.SendMessage
	postErr error
	nextID  int
	release chan struct{}
	aborted []error

	ticket model.Ticket
}

func (a *fakeAPI) ListMessages(ctx context.Context, ticketID model.ID) ([]model.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listCalls++
	if a.historyErr != nil {
		return nil, a.historyErr
	}
	return append([]model.Message(nil), a.history...), nil
}

func (a *fakeAPI) PostMessage(ctx context.Context, ticketID model.ID, msg protocol.SendMessage) (model.Message, error) {
	a.mu.Lock()
	release := a.release
	a.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			a.mu.Lock()
			a.aborted = append(a.aborted, ctx.Err())
			a.mu.Unlock()
			return model.Message{}, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.posted = append(a.posted, msg)
	if a.postErr != nil {
		return model.Message{}, a.postErr
	}
	a.nextID++
	return model.Message{
		ID:                model.ID("f-" + strconv.Itoa(a.nextID)),
		TicketID:          ticketID,
		Body:              msg.Body,
		SenderRole:        msg.SenderRole,
		SenderDisplayName: msg.SenderDisplayName,
		CreatedAt:         testEpoch.Add(time.Hour),
	}, nil
}

func (a *fakeAPI) GetTicket(ctx context.Context, ticketID model.ID) (model.Ticket, error) {
	return a.ticket, nil
}

func (a *fakeAPI) postCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.posted)
}

func (a *fakeAPI) abortedPosts() []error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]error(nil), a.aborted...)
}

func (a *fakeAPI) listCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listCalls
}

type posterFunc func(msg protocol.SendMessage) (model.Message, error)

func (f posterFunc) PostMessage(ctx context.Context, ticketID model.ID, msg protocol.SendMessage) (model.Message, error) {
	return f(msg)
}
