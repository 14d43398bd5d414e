// Package connection owns the single WebSocket link to the position relay.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	ws "github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultWriteWait     = 10 * time.Second
	defaultSendQueueSize = 256
	defaultMaxFrameSize  = 64 << 10
)

// Config holds relay connection settings.
type Config struct {
	URL              string
	Subprotocols     []string
	HandshakeTimeout time.Duration // zero waits forever
	WriteWait        time.Duration
	SendQueueSize    int
	// MaxFrameSize bounds inbound frames in bytes. A larger frame closes
	// the connection with a read error.
	MaxFrameSize int64
}

// Observer receives connection events. Methods are called one at a time.
// They must not call Disconnect; hand the work to another goroutine.
type Observer interface {
	OnOpen()
	// OnClose reports the end of a connection attempt or session. reason is
	// nil when Disconnect was called, otherwise a *TransportError. A redial
	// that gives up is not reported again.
	OnClose(reason error)
	// OnMessage delivers binary frames.
	OnMessage(data []byte)
	// OnTextMessage delivers text frames.
	OnTextMessage(text string)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithReconnect makes the manager redial after an unexpected close, pacing
// attempts with a fresh policy from newPolicy each time. Without it a
// dropped connection stays down until Connect is called again.
func WithReconnect(newPolicy func() backoff.BackOff) Option {
	return func(m *Manager) {
		m.newPolicy = newPolicy
	}
}

// Manager maintains at most one logical connection to the relay.
type Manager struct {
	cfg       Config
	observer  Observer
	logger    *slog.Logger
	dialer    *ws.Dialer
	newPolicy func() backoff.BackOff
	metrics   instruments

	mu     sync.Mutex
	state  State
	gen    uint64 // bumped on every Connect, reconnect and Disconnect
	sess   *session
	cancel context.CancelFunc

	// deliverMu serializes observer callbacks and lets Disconnect wait out
	// a callback that is already running.
	deliverMu sync.Mutex
}

// New validates cfg and returns a disconnected Manager.
func New(cfg Config, observer Observer, opts ...Option) (*Manager, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid relay URL %q: scheme must be ws or wss", cfg.URL)
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = defaultMaxFrameSize
	}

	ins, err := newInstruments()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		observer: observer,
		logger:   slog.Default(),
		metrics:  ins,
		dialer: &ws.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			Subprotocols:     cfg.Subprotocols,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether Send can currently reach the socket.
func (m *Manager) IsConnected() bool {
	return m.State() == Connected
}

// Connect starts the handshake in the background and returns Connecting.
// While a connection is pending or open it does nothing and returns the
// current state. The outcome arrives as OnOpen or OnClose.
func (m *Manager) Connect(ctx context.Context) State {
	m.mu.Lock()
	if m.state != Disconnected {
		s := m.state
		m.mu.Unlock()
		return s
	}
	g, ctx := m.begin(ctx)
	m.mu.Unlock()

	m.logger.Info("Connecting to relay", "url", m.cfg.URL, "protocols", m.cfg.Subprotocols)
	go m.run(ctx, g, nil)
	return Connecting
}

// Disconnect tears down any pending or open connection and cancels a
// redial that has not started yet. It is idempotent and, once it returns,
// no further OnMessage or OnTextMessage is delivered.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	// Bumped even when already disconnected: a session that just failed
	// may still be about to schedule its redial.
	m.gen++
	if m.state == Disconnected {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = Disconnected
	s := m.sess
	m.sess = nil
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()

	if s != nil {
		s.close()
	}

	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	m.logger.Info("Disconnected from relay", "from", prev.String())
	m.observer.OnClose(nil)
}

// Send queues one binary frame for the write loop. It never blocks.
// Without an open connection the frame is discarded and ErrNotConnected
// is returned; there is no delivery confirmation either way.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	s := m.sess
	open := m.state == Connected && s != nil
	m.mu.Unlock()

	if !open || s.closed() {
		m.drop("not_connected")
		return ErrNotConnected
	}

	select {
	case s.sendCh <- data:
		return nil
	default:
		m.drop("queue_full")
		m.logger.Warn("Relay send queue full, dropping frame")
		return ErrSendQueueFull
	}
}

// begin moves to Connecting under a new generation. Caller holds mu.
func (m *Manager) begin(parent context.Context) (uint64, context.Context) {
	m.gen++
	m.state = Connecting
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel
	return m.gen, ctx
}

// run dials, retrying under policy when one is given, and on success
// installs the session and starts its loops.
func (m *Manager) run(ctx context.Context, g uint64, policy backoff.BackOff) {
	var conn *ws.Conn
	dial := func() error {
		c, resp, err := m.dialer.DialContext(ctx, m.cfg.URL, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}

	var err error
	if policy == nil {
		err = dial()
	} else {
		err = backoff.RetryNotify(dial, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
			m.logger.Warn("Relay redial failed", "error", err, "backoff", wait)
		})
	}
	if err != nil {
		if policy != nil {
			m.abandon(g, err)
			return
		}
		m.fail(g, &TransportError{Op: "dial", Err: err}, false)
		return
	}

	m.mu.Lock()
	if m.gen != g || m.state != Connecting {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	conn.SetReadLimit(m.cfg.MaxFrameSize)
	s := newSession(conn, m.cfg.SendQueueSize)
	m.sess = s
	m.state = Connected
	m.mu.Unlock()

	m.logger.Info("Relay connected", "url", m.cfg.URL, "protocol", conn.Subprotocol())
	m.deliver(g, false, m.observer.OnOpen)

	go m.writeLoop(g, s)
	go m.readLoop(g, s)
}

// writeLoop drains the session queue into the socket.
// It returns on error or teardown.
func (m *Manager) writeLoop(g uint64, s *session) {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.sendCh:
			if err := s.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait)); err != nil {
				m.fail(g, &TransportError{Op: "write", Err: err}, true)
				return
			}
			if err := s.conn.WriteMessage(ws.BinaryMessage, data); err != nil {
				m.fail(g, &TransportError{Op: "write", Err: err}, true)
				return
			}
			m.metrics.sent.Add(context.Background(), 1)
		}
	}
}

// readLoop routes binary frames to OnMessage and text frames to
// OnTextMessage until the socket fails or is torn down.
func (m *Manager) readLoop(g uint64, s *session) {
	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed() {
				return
			}
			m.fail(g, &TransportError{Op: "read", Err: err}, true)
			return
		}

		switch typ {
		case ws.BinaryMessage:
			m.metrics.received.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("frame", "binary")))
			m.deliver(g, true, func() { m.observer.OnMessage(data) })
		case ws.TextMessage:
			m.metrics.received.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("frame", "text")))
			m.deliver(g, true, func() { m.observer.OnTextMessage(string(data)) })
		}
	}
}

// fail handles a transport error for generation g. Stale generations are
// ignored, so each session reports at most one close.
func (m *Manager) fail(g uint64, err *TransportError, mayReconnect bool) {
	m.mu.Lock()
	if m.gen != g || m.state == Disconnected {
		m.mu.Unlock()
		return
	}
	s := m.sess
	m.sess = nil
	m.state = Disconnected
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()

	if s != nil {
		s.close()
	}

	m.logger.Warn("Relay connection closed", "op", err.Op, "error", err.Err)
	m.deliver(g, false, func() { m.observer.OnClose(err) })

	if mayReconnect && m.newPolicy != nil {
		m.reconnect(g)
	}
}

// reconnect redials after generation g failed, unless the owner has
// acted in the meantime.
func (m *Manager) reconnect(g uint64) {
	m.mu.Lock()
	if m.gen != g || m.state != Disconnected {
		m.mu.Unlock()
		return
	}
	ng, ctx := m.begin(context.Background())
	m.mu.Unlock()

	m.logger.Info("Reconnecting to relay", "url", m.cfg.URL)
	go m.run(ctx, ng, m.newPolicy())
}

// abandon ends a redial that exhausted its policy. The observer already
// got OnClose for the lost session, so nothing is delivered.
func (m *Manager) abandon(g uint64, err error) {
	m.mu.Lock()
	if m.gen != g || m.state != Connecting {
		m.mu.Unlock()
		return
	}
	m.state = Disconnected
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()

	m.logger.Error("Giving up on relay reconnect", "error", err)
}

// deliver runs fn if generation g is still current and, when
// needConnected is set, the session is still open.
func (m *Manager) deliver(g uint64, needConnected bool, fn func()) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	ok := m.gen == g && (!needConnected || m.state == Connected)
	m.mu.Unlock()

	if ok {
		fn()
	}
}

func (m *Manager) drop(reason string) {
	m.metrics.dropped.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}
