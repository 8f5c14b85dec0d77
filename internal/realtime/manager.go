package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	errs "github.com/loqui-im/loqui/internal/errors"
)

const (
	// inboundChanSize is the buffer size for the channel carrying
	// frames from the websocket reader goroutine to the event loop.
	inboundChanSize = 64

	// pingTimeout bounds a single heartbeat round-trip.
	pingTimeout = 10 * time.Second

	// stateSubBuffer is the buffer size for state-change subscriber
	// channels.
	stateSubBuffer = 8
)

var (
	errManuallyStopped   = errors.New("connection manually stopped")
	errAttemptsExhausted = errors.New("reconnect attempts exhausted")
)

// Status is the connection lifecycle phase.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// State is the observable connection state. Err is set only for
// StatusError.
type State struct {
	Status Status
	Err    string
}

// inboundMsg wraps a frame read from the websocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// Conn abstracts the websocket connection so the Manager can be
// tested without a real server. *websocket.Conn satisfies this
// interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// dialFunc opens a websocket connection to the given URL. Replaced in
// tests to drive the reconnect path without a network.
type dialFunc func(ctx context.Context, url string) (Conn, error)

func defaultDial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"User-Agent": []string{"loqui-client/1"},
		},
	})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// ManagerConfig holds the parameters for the push connection.
type ManagerConfig struct {
	// URL builds the websocket endpoint for a user identity.
	URL func(identity string) string

	// ReconnectDelay is the fixed wait between reconnect attempts.
	// Deliberately not exponential: the cadence is part of the
	// observable contract.
	ReconnectDelay time.Duration

	// MaxAttempts caps consecutive failed reconnect attempts. Once the
	// cap is reached the manager stops retrying and surfaces a
	// terminal error state. A successful open resets the counter.
	MaxAttempts int

	// PingInterval is how often a heartbeat ping is sent on an idle
	// connection, keeping intermediary proxies from closing it.
	PingInterval time.Duration
}

// Manager owns the single push connection for a logged-in session.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. A
// supervisor goroutine runs the per-connection event loop (decode,
// publish to the router, heartbeats) and the reconnect policy. One
// Manager means one physical connection; Connect while already
// connecting or connected is a no-op.
type Manager struct {
	cfg    ManagerConfig
	router *Router
	logger *slog.Logger
	dial   dialFunc

	mu         sync.Mutex
	conn       Conn
	connCancel context.CancelFunc
	identity   string
	manual     bool
	attempts   int
	running    bool

	// inboundCh receives frames from the reader goroutine. Replaced on
	// every (re)connect so a stale reader cannot feed the new loop.
	inboundCh chan inboundMsg

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	stateMu   sync.RWMutex
	state     State
	stateSubs map[chan State]struct{}
}

// NewManager creates a Manager publishing decoded events to router.
func NewManager(cfg ManagerConfig, router *Router, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		router:    router,
		logger:    logger,
		dial:      defaultDial,
		state:     State{Status: StatusDisconnected},
		stateSubs: make(map[chan State]struct{}),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()

	return m.state
}

// Connected reports whether the push connection is live.
func (m *Manager) Connected() bool {
	return m.State().Status == StatusConnected
}

// SubscribeState registers a state-change listener. The returned
// cancel func detaches it. Slow listeners lose the oldest transition,
// never the newest.
func (m *Manager) SubscribeState() (<-chan State, func()) {
	ch := make(chan State, stateSubBuffer)

	m.stateMu.Lock()
	m.stateSubs[ch] = struct{}{}
	m.stateMu.Unlock()

	cancel := func() {
		m.stateMu.Lock()
		delete(m.stateSubs, ch)
		m.stateMu.Unlock()
	}

	return ch, cancel
}

func (m *Manager) setState(st State) {
	m.stateMu.Lock()

	if m.state == st {
		m.stateMu.Unlock()
		return
	}

	m.state = st

	for ch := range m.stateSubs {
		select {
		case ch <- st:
			continue
		default:
		}

		select {
		case <-ch:
		default:
		}

		select {
		case ch <- st:
		default:
		}
	}

	m.stateMu.Unlock()

	m.logger.Debug("connection state changed",
		slog.String("status", st.Status.String()),
		slog.String("error", st.Err),
	)
}

// Connect opens the push connection for the given identity and starts
// the supervisor goroutine. No-op when already connecting or
// connected. An empty identity is a fatal error: there is no retry
// that can fix missing input.
func (m *Manager) Connect(ctx context.Context, identity string) error {
	if identity == "" {
		m.setState(State{Status: StatusError, Err: "cannot connect: no user identity"})
		return errs.ErrNoIdentity
	}

	m.mu.Lock()

	if m.running {
		m.mu.Unlock()
		return nil
	}

	m.running = true
	m.identity = identity
	m.manual = false
	m.attempts = 0
	m.mu.Unlock()

	m.setState(State{Status: StatusConnecting})

	conn, err := m.dial(ctx, m.cfg.URL(identity))
	if err != nil {
		m.setState(State{Status: StatusError, Err: err.Error()})
		m.logger.Warn("connect failed", slog.String("error", err.Error()))

		// The supervisor keeps retrying on the fixed-delay schedule.
		go m.supervise(ctx, nil)

		return fmt.Errorf("dialing websocket: %w", err)
	}

	// Disconnect may have raced the dial; an intentional stop wins over
	// a connection that completed after it.
	m.mu.Lock()
	if m.manual {
		m.running = false
		m.mu.Unlock()
		m.discard(conn)

		return nil
	}
	m.mu.Unlock()

	m.setState(State{Status: StatusConnected})
	m.logger.Info("push connection established", slog.String("user_id", identity))

	go m.supervise(ctx, conn)

	return nil
}

// Disconnect intentionally closes the connection. The supervisor sees
// the manual flag and exits without reconnecting.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	conn := m.conn
	cancel := m.connCancel
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "bye"); err != nil {
			m.logger.Debug("closing connection", slog.String("error", err.Error()))
		}
	}

	if cancel != nil {
		cancel()
	}

	m.setState(State{Status: StatusDisconnected})
	m.logger.Info("push connection closed")
}

// Send writes a raw text frame. Reports success rather than returning
// an error: a failed send is not fatal to the connection state, which
// is driven only by read-side close/failure.
func (m *Manager) Send(ctx context.Context, text string) bool {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil || m.State().Status != StatusConnected {
		return false
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
		m.logger.Warn("send failed", slog.String("error", err.Error()))
		return false
	}

	return true
}

// supervise runs connections until a manual stop, context
// cancellation, or reconnect cap exhaustion. conn may be nil when the
// initial dial failed, in which case the first act is a redial.
func (m *Manager) supervise(ctx context.Context, conn Conn) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	for {
		if conn == nil {
			var err error

			conn, err = m.redial(ctx)
			if err != nil {
				return
			}
		}

		connCtx, cancel := context.WithCancel(ctx)

		m.mu.Lock()
		if m.manual {
			m.mu.Unlock()
			cancel()
			m.discard(conn)

			return
		}
		m.conn = conn
		m.connCancel = cancel
		// A successful open resets the attempt counter, so a later
		// outage gets the full retry budget again.
		m.attempts = 0
		m.mu.Unlock()

		m.touchLastMessage()
		m.startReader(connCtx, conn)

		err := m.eventLoop(connCtx)

		cancel()

		m.mu.Lock()
		m.conn = nil
		m.connCancel = nil
		manual := m.manual
		m.mu.Unlock()

		if manual {
			// Disconnect() already set the terminal state.
			return
		}

		if ctx.Err() != nil {
			m.setState(State{Status: StatusDisconnected})
			return
		}

		if isNormalClosure(err) {
			m.setState(State{Status: StatusDisconnected})
		} else {
			m.setState(State{Status: StatusError, Err: errText(err)})
		}

		m.logger.Warn("push connection lost",
			slog.String("error", errText(err)),
			slog.Duration("retry_in", m.cfg.ReconnectDelay),
		)

		conn = nil
	}
}

// redial attempts reconnection on the fixed-delay schedule until it
// succeeds, the attempt cap is reached, or the manager is stopped.
func (m *Manager) redial(ctx context.Context) (Conn, error) {
	for {
		m.mu.Lock()

		if m.manual {
			m.mu.Unlock()
			return nil, errManuallyStopped
		}

		if m.attempts >= m.cfg.MaxAttempts {
			m.mu.Unlock()
			m.setState(State{
				Status: StatusError,
				Err:    fmt.Sprintf("connection lost: gave up after %d reconnect attempts", m.cfg.MaxAttempts),
			})
			m.logger.Error("reconnect attempts exhausted", slog.Int("max_attempts", m.cfg.MaxAttempts))

			return nil, errAttemptsExhausted
		}

		m.attempts++
		attempt := m.attempts
		identity := m.identity
		m.mu.Unlock()

		timer := time.NewTimer(m.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		m.mu.Lock()
		manual := m.manual
		m.mu.Unlock()

		if manual {
			return nil, errManuallyStopped
		}

		m.setState(State{Status: StatusConnecting})
		m.logger.Info("reconnecting",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", m.cfg.MaxAttempts),
		)

		conn, err := m.dial(ctx, m.cfg.URL(identity))
		if err != nil {
			m.setState(State{Status: StatusError, Err: err.Error()})
			m.logger.Warn("reconnect failed",
				slog.String("error", err.Error()),
				slog.Int("attempt", attempt),
			)

			continue
		}

		// Disconnect during the in-flight dial has nothing to close yet,
		// so the fresh connection must be discarded here rather than
		// installed.
		m.mu.Lock()
		if m.manual {
			m.mu.Unlock()
			m.discard(conn)

			return nil, errManuallyStopped
		}
		m.mu.Unlock()

		m.setState(State{Status: StatusConnected})
		m.logger.Info("reconnected", slog.Int("attempts_used", attempt))

		return conn, nil
	}
}

// startReader launches a goroutine that reads from the websocket and
// feeds inboundCh. Exits when connCtx is cancelled or a read error
// occurs; the error is delivered as the final message. The goroutine
// captures conn and ch by value so a reader from a previous connection
// cannot feed the new loop.
func (m *Manager) startReader(connCtx context.Context, conn Conn) {
	ch := make(chan inboundMsg, inboundChanSize)
	m.inboundCh = ch

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// eventLoop decodes inbound frames, publishes them to the router, and
// keeps the connection alive with heartbeat pings. Returns on read
// error or context cancellation.
func (m *Manager) eventLoop(connCtx context.Context) error {
	inbound := m.inboundCh

	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-inbound:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}

			m.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				m.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			ev, ok := Decode(msg.data, time.Now())
			if !ok {
				// One bad frame must not take down the pipeline.
				m.logger.Debug("dropping unparseable frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			m.router.Publish(ev)

		case <-ticker.C:
			m.lastMsgMu.Lock()
			elapsed := time.Since(m.lastMessage)
			m.lastMsgMu.Unlock()

			if elapsed < m.cfg.PingInterval {
				continue
			}

			if err := m.ping(connCtx); err != nil {
				return fmt.Errorf("sending ping: %w", err)
			}

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// discard closes a dialed connection that lost the race against an
// intentional Disconnect and was never installed.
func (m *Manager) discard(conn Conn) {
	if err := conn.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		m.logger.Debug("closing discarded connection", slog.String("error", err.Error()))
	}
}

func (m *Manager) ping(ctx context.Context) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return errors.New("no connection")
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	return conn.Ping(pingCtx)
}

func (m *Manager) touchLastMessage() {
	m.lastMsgMu.Lock()
	m.lastMessage = time.Now()
	m.lastMsgMu.Unlock()
}

// isNormalClosure reports whether err represents the peer closing the
// connection cleanly, which lands in Disconnected rather than Error.
func isNormalClosure(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
