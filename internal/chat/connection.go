package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/johndosdos/ticketchat/internal/clock"
	"github.com/johndosdos/ticketchat/internal/metrics"
	"github.com/johndosdos/ticketchat/internal/protocol"
)

// State is the lifecycle of a room's persistent channel.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Status is a snapshot of the connection published on every change.
type Status struct {
	State State
	// Ready is true once the server acknowledged room membership.
	Ready bool
	// Attempt and Delay describe the scheduled reconnect while
	// Reconnecting, and the exhausted attempt count once Failed.
	Attempt int
	Delay   time.Duration
	Err     error
}

// Conn is one persistent-channel connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, p []byte) error
	// Close is an expected closure; it must not look like a failure to
	// the server.
	Close() error
}

// Dialer opens persistent-channel connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context) (Conn, error)

func (f DialFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// connectionConfig wires a ConnectionManager. Managers are built by
// Session, which supplies the event loop they run on.
type connectionConfig struct {
	Dialer  Dialer
	Join    protocol.JoinRoom
	Options Options
	Clock   clock.Clock
	Logger  *slog.Logger

	execute executor
}

// ConnectionManager keeps at most one live connection for a room and
// reconnects with bounded exponential backoff. Its methods and callbacks
// run on the room's event loop.
type ConnectionManager struct {
	dialer  Dialer
	join    protocol.JoinRoom
	opts    Options
	clock   clock.Clock
	logger  *slog.Logger
	execute executor

	state    State
	joined   bool
	attempts int
	lastErr  error

	// gen invalidates callbacks from dials, reads and timers that belong
	// to a connection which has since been dropped or closed.
	gen    uint64
	conn   Conn
	cancel context.CancelFunc
	timer  *clock.Timer

	// OnFrame receives every decoded inbound frame, in arrival order.
	OnFrame func(protocol.Frame)
	// OnStatus receives every status change.
	OnStatus func(Status)
}

func newConnectionManager(cfg connectionConfig) *ConnectionManager {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ConnectionManager{
		dialer:  cfg.Dialer,
		join:    cfg.Join,
		opts:    cfg.Options.withDefaults(),
		clock:   cfg.Clock,
		logger:  cfg.Logger.With("ticket_id", cfg.Join.TicketID.String()),
		execute: cfg.execute,
	}
}

func (m *ConnectionManager) State() State { return m.state }

// IsReady reports whether frames can be sent right now.
func (m *ConnectionManager) IsReady() bool {
	return m.state == StateOpen && m.joined
}

func (m *ConnectionManager) Status() Status {
	s := Status{State: m.state, Ready: m.IsReady(), Attempt: m.attempts, Err: m.lastErr}
	if m.state == StateFailed {
		s.Attempt = m.opts.MaxAttempts
	}
	return s
}

// Open starts connecting. It is a no-op unless the manager is Idle or
// Failed; from Failed it starts over with a fresh retry budget.
func (m *ConnectionManager) Open() {
	if m.state != StateIdle && m.state != StateFailed {
		return
	}
	m.attempts = 0
	m.lastErr = nil
	m.connect()
}

// Close drops the connection with a normal closure, cancels every timer
// and returns to Idle. Nothing scheduled before Close will run after it.
func (m *ConnectionManager) Close() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.dropConn()
	m.attempts = 0
	m.lastErr = nil
	if m.state != StateIdle {
		m.setState(StateIdle, 0)
	}
}

// Send writes a frame. It fails with ErrNotReady instead of queuing when
// the channel is not open and joined.
func (m *ConnectionManager) Send(t protocol.Type, payload any) error {
	if !m.IsReady() {
		return ErrNotReady
	}
	return m.write(t, payload)
}

func (m *ConnectionManager) write(t protocol.Type, payload any) error {
	p, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.WriteTimeout)
	defer cancel()

	if err := m.conn.Write(ctx, p); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", t, err)
	}
	return nil
}

func (m *ConnectionManager) connect() {
	m.gen++
	gen := m.gen

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.setState(StateConnecting, 0)

	go func() {
		dialCtx, dialCancel := context.WithTimeout(ctx, m.opts.DialTimeout)
		conn, err := m.dialer.Dial(dialCtx)
		dialCancel()

		if !m.execute(func() { m.onDialed(ctx, gen, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (m *ConnectionManager) onDialed(ctx context.Context, gen uint64, conn Conn, err error) {
	if gen != m.gen {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.fail(fmt.Errorf("failed to connect: %w", err))
		return
	}

	m.conn = conn
	m.setState(StateOpen, 0)

	go m.readLoop(ctx, gen, conn)

	if err := m.write(protocol.TypeJoinRoom, m.join); err != nil {
		m.fail(fmt.Errorf("failed to join room: %w", err))
		return
	}
	m.logger.Debug("joining room", "participant_id", m.join.ParticipantID)
}

func (m *ConnectionManager) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		p, err := conn.Read(ctx)
		if err != nil {
			m.execute(func() { m.onReadError(gen, err) })
			return
		}
		if !m.execute(func() { m.onData(gen, p) }) {
			return
		}
	}
}

func (m *ConnectionManager) onData(gen uint64, p []byte) {
	if gen != m.gen {
		return
	}

	frame, err := protocol.Decode(p)
	if err != nil {
		m.logger.Warn("failed to process frame from server", "error", err)
		return
	}
	metrics.FramesReceived.WithLabelValues(string(frame.Type)).Inc()

	// The retry budget only resets once the server confirms membership.
	if frame.Type == protocol.TypeRoomJoined && !m.joined {
		m.joined = true
		m.attempts = 0
		m.lastErr = nil
		m.logger.Info("joined room")
		m.setState(StateOpen, 0)
	}

	if m.OnFrame != nil {
		m.OnFrame(frame)
	}
}

func (m *ConnectionManager) onReadError(gen uint64, err error) {
	if gen != m.gen {
		return
	}
	m.logger.Warn("persistent channel lost", "error", err)
	m.fail(fmt.Errorf("connection lost: %w", err))
}

// fail handles a dial failure, abnormal closure or transport error by
// scheduling the next attempt, or giving up once the budget is spent.
func (m *ConnectionManager) fail(err error) {
	m.dropConn()
	m.gen++
	m.lastErr = err
	m.attempts++

	if m.attempts > m.opts.MaxAttempts {
		m.logger.Error("giving up on persistent channel",
			"attempts", m.opts.MaxAttempts,
			"error", err)
		metrics.ConnectionsFailed.Inc()
		m.setState(StateFailed, 0)
		return
	}

	delay := BackoffDelay(m.opts.BackoffBase, m.opts.BackoffCap, m.attempts)
	gen := m.gen
	m.timer = m.clock.AfterFunc(delay, func() {
		m.execute(func() { m.onBackoff(gen) })
	})
	metrics.ReconnectAttempts.Inc()
	m.logger.Info("reconnect scheduled",
		"attempt", m.attempts,
		"max_attempts", m.opts.MaxAttempts,
		"delay", delay,
		"error", err)
	m.setState(StateReconnecting, delay)
}

func (m *ConnectionManager) onBackoff(gen uint64) {
	if gen != m.gen || m.state != StateReconnecting {
		return
	}
	m.timer = nil
	m.connect()
}

func (m *ConnectionManager) dropConn() {
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.logger.Debug("failed to close connection", "error", err)
		}
		m.conn = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.joined = false
}

func (m *ConnectionManager) setState(s State, delay time.Duration) {
	m.state = s
	if m.OnStatus == nil {
		return
	}
	status := m.Status()
	status.Delay = delay
	m.OnStatus(status)
}
