// Package tracker ties the position source to the relay: local fixes are
// encoded and sent, relayed updates are decoded and applied to the peer
// store.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/gmtracker/posrelay/internal/connection"
	"github.com/gmtracker/posrelay/internal/dispatcher"
	"github.com/gmtracker/posrelay/internal/logging"
	"github.com/gmtracker/posrelay/internal/peers"
	"github.com/gmtracker/posrelay/pkg/core"
	"github.com/gmtracker/posrelay/pkg/streaming"
)

const (
	instrumentationName = "github.com/gmtracker/posrelay/internal/tracker"

	kindInbound             = "inbound"
	defaultInboundQueueSize = 1024
)

// Config holds everything a Tracker needs besides its collaborators.
type Config struct {
	Identity         core.Identity
	Note             string
	Relay            connection.Config
	Style            peers.Style
	InboundQueueSize int
}

// Option configures a Tracker.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	dispLogger dispatcher.Logger
	reconnect  func() backoff.BackOff
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithDispatcherLogger sets the logger used for inbound lane diagnostics.
func WithDispatcherLogger(logger dispatcher.Logger) Option {
	return func(o *options) {
		o.dispLogger = logger
	}
}

// WithReconnect enables automatic redial with a policy from newPolicy.
func WithReconnect(newPolicy func() backoff.BackOff) Option {
	return func(o *options) {
		o.reconnect = newPolicy
	}
}

// Tracker owns the relay connection and the peer store.
type Tracker struct {
	identity core.Identity
	note     string
	logger   *slog.Logger

	conn  *connection.Manager
	store *peers.Store
	disp  *dispatcher.Dispatcher

	malformed metric.Int64Counter

	mu      sync.Mutex
	heading float64
}

// New builds a disconnected Tracker that renders peers through presenter.
func New(cfg Config, presenter peers.Presenter, opts ...Option) (*Tracker, error) {
	o := options{
		logger:     slog.Default(),
		dispLogger: logging.NewDispatcherLogger(zerolog.Nop()),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.InboundQueueSize <= 0 {
		cfg.InboundQueueSize = defaultInboundQueueSize
	}

	malformed, err := otel.Meter(instrumentationName).Int64Counter(
		"tracker.frames.malformed",
		metric.WithDescription("Inbound frames dropped because they could not be decoded"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating malformed counter: %w", err)
	}

	disp, err := dispatcher.New(o.dispLogger)
	if err != nil {
		return nil, fmt.Errorf("creating dispatcher: %w", err)
	}

	t := &Tracker{
		identity:  cfg.Identity,
		note:      cfg.Note,
		logger:    o.logger,
		store:     peers.NewStore(presenter, cfg.Style),
		disp:      disp,
		malformed: malformed,
	}
	disp.Register(kindInbound, t.handleInbound, dispatcher.Buffered(cfg.InboundQueueSize), dispatcher.Logged())

	connOpts := []connection.Option{connection.WithLogger(o.logger)}
	if o.reconnect != nil {
		connOpts = append(connOpts, connection.WithReconnect(o.reconnect))
	}
	t.conn, err = connection.New(cfg.Relay, t, connOpts...)
	if err != nil {
		disp.Close()
		return nil, err
	}
	return t, nil
}

// OnFix sends one position update carrying the latest heading. It never
// blocks; while disconnected the update is dropped.
func (t *Tracker) OnFix(fix core.PositionFix) {
	fix.Heading = t.CurrentHeading()

	data, err := streaming.Encode(core.OutboundMessage{
		Identity: t.identity,
		Note:     t.note,
		Position: fix,
	})
	if err != nil {
		t.logger.Warn("Dropping unencodable fix", "error", err)
		return
	}

	if err := t.conn.Send(data); err != nil {
		if errors.Is(err, connection.ErrNotConnected) {
			t.logger.Debug("Not connected, dropping fix", "lat", fix.Latitude, "lon", fix.Longitude)
			return
		}
		t.logger.Warn("Fix not sent", "error", err)
	}
}

// OnHeading updates the cached heading. Readings with negative accuracy
// are invalid and ignored. The true heading wins when positive; otherwise
// the magnetic heading is used.
func (t *Tracker) OnHeading(h core.HeadingFix) {
	if h.Accuracy < 0 {
		return
	}
	heading := h.MagneticHeading
	if h.TrueHeading > 0 {
		heading = h.TrueHeading
	}

	t.mu.Lock()
	t.heading = heading
	t.mu.Unlock()
}

// CurrentHeading returns the heading attached to the next outbound fix.
func (t *Tracker) CurrentHeading() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.heading
}

// Connect opens the relay connection in the background.
func (t *Tracker) Connect(ctx context.Context) connection.State {
	return t.conn.Connect(ctx)
}

// Disconnect closes the relay connection.
func (t *Tracker) Disconnect() {
	t.conn.Disconnect()
}

// Toggle disconnects when a connection is open or pending and connects
// otherwise. It returns the resulting state.
func (t *Tracker) Toggle(ctx context.Context) connection.State {
	if t.conn.State() != connection.Disconnected {
		t.conn.Disconnect()
		return connection.Disconnected
	}
	return t.conn.Connect(ctx)
}

// State returns the relay connection state.
func (t *Tracker) State() connection.State {
	return t.conn.State()
}

// Peers exposes the peer store for inspection.
func (t *Tracker) Peers() *peers.Store {
	return t.store
}

// Close disconnects and waits for queued inbound updates to be applied,
// or for ctx to end.
func (t *Tracker) Close(ctx context.Context) error {
	t.conn.Disconnect()

	drained := make(chan struct{})
	go func() {
		t.disp.Close()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnOpen implements connection.Observer.
func (t *Tracker) OnOpen() {
	t.logger.Info("Relay session open", "username", t.identity.Username)
}

// OnClose implements connection.Observer.
func (t *Tracker) OnClose(reason error) {
	if reason == nil {
		t.logger.Info("Relay session closed")
		return
	}
	t.logger.Warn("Relay session lost", "error", reason)
}

// OnMessage implements connection.Observer. Frames are queued for the
// inbound lane so decoding and rendering never hold up the socket.
func (t *Tracker) OnMessage(data []byte) {
	if _, err := t.disp.Dispatch(dispatcher.Event{Kind: kindInbound, Payload: data}); err != nil {
		t.logger.Warn("Inbound frame dropped", "error", err)
	}
}

// OnTextMessage implements connection.Observer. Text frames carry no
// positions and are only logged.
func (t *Tracker) OnTextMessage(text string) {
	t.logger.Info("Relay text message", "text", text)
}

func (t *Tracker) handleInbound(e dispatcher.Event) (any, error) {
	data, _ := e.Payload.([]byte)
	msg, err := streaming.Decode(data)
	if err != nil {
		t.malformed.Add(context.Background(), 1)
		t.logger.Warn("Dropping malformed frame", "error", err, "size", len(data))
		return nil, nil
	}
	t.store.Apply(msg)
	return nil, nil
}
