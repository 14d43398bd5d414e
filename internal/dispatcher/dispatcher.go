// Package dispatcher routes events to handlers, optionally through a
// buffered lane served by a single goroutine.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/gmtracker/posrelay/internal/dispatcher"

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher closed")

// Event is one unit of work for a handler.
type Event struct {
	Kind      string
	Payload   any
	Timestamp time.Time
}

// HandlerFunc processes an event and returns a result.
type HandlerFunc func(Event) (any, error)

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*config)

type config struct {
	bufferSize int
	logged     bool
}

// Buffered makes the handler async with a queue of the given size.
// Events on one lane are handled in order, one at a time.
func Buffered(size int) Option {
	return func(c *config) {
		c.bufferSize = size
	}
}

// Logged adds debug logging to the handler.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

// Dispatcher routes events to registered handlers.
type Dispatcher struct {
	handlers map[string]HandlerFunc
	logger   Logger

	queueSize metric.Int64ObservableGauge
	processed metric.Int64Counter
	dropped   metric.Int64Counter

	// buffers feeds the queue size gauge
	mu      sync.RWMutex
	buffers map[string]chan Event

	// closeMu orders lane pushes before Close, so every accepted event
	// is seen by the lane's final drain.
	closeMu   sync.RWMutex
	done      chan struct{}
	closeOnce sync.Once
	lanes     sync.WaitGroup
}

// New creates a new Dispatcher with the given logger.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(logger Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		buffers:  make(map[string]chan Event),
		logger:   logger,
		done:     make(chan struct{}),
	}

	m := otel.Meter(instrumentationName)

	var err error

	d.queueSize, err = m.Int64ObservableGauge(
		"dispatcher.queue.size",
		metric.WithDescription("Current number of events in queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}

	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			d.mu.RLock()
			defer d.mu.RUnlock()
			for kind, buf := range d.buffers {
				o.ObserveInt64(d.queueSize, int64(len(buf)),
					metric.WithAttributes(attribute.String("kind", kind)))
			}
			return nil
		},
		d.queueSize,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	d.processed, err = m.Int64Counter(
		"dispatcher.events.processed",
		metric.WithDescription("Total events processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}

	d.dropped, err = m.Int64Counter(
		"dispatcher.events.dropped",
		metric.WithDescription("Total events dropped due to full queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	return d, nil
}

// Register adds a handler for the given kind. Register all handlers
// before the first Dispatch.
func (d *Dispatcher) Register(kind string, h HandlerFunc, opts ...Option) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := h

	if cfg.logged {
		handler = d.withLogging(kind, handler)
	}

	if cfg.bufferSize > 0 {
		handler = d.withBuffer(kind, cfg.bufferSize, handler)
	}

	d.handlers[kind] = handler
}

// Dispatch routes an event to its registered handler. A zero Timestamp is
// set to the current time.
func (d *Dispatcher) Dispatch(e Event) (any, error) {
	if d.isClosed() {
		return nil, ErrClosed
	}
	h, ok := d.handlers[e.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown event kind: %s", e.Kind)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return h(e)
}

// Close stops accepting events, lets every lane finish what is already
// queued and waits for them. Safe to call more than once.
func (d *Dispatcher) Close() {
	d.closeMu.Lock()
	d.closeOnce.Do(func() {
		close(d.done)
	})
	d.closeMu.Unlock()
	d.lanes.Wait()
}

func (d *Dispatcher) isClosed() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) withBuffer(kind string, size int, h HandlerFunc) HandlerFunc {
	buffer := make(chan Event, size)

	d.mu.Lock()
	d.buffers[kind] = buffer
	d.mu.Unlock()

	kindAttr := attribute.String("kind", kind)
	handle := func(e Event) {
		_, _ = h(e)
		d.processed.Add(context.Background(), 1, metric.WithAttributes(kindAttr))
	}

	d.lanes.Add(1)
	go func() {
		defer d.lanes.Done()
		for {
			select {
			case e := <-buffer:
				handle(e)
			case <-d.done:
				for {
					select {
					case e := <-buffer:
						handle(e)
					default:
						return
					}
				}
			}
		}
	}()

	return func(e Event) (any, error) {
		d.closeMu.RLock()
		defer d.closeMu.RUnlock()
		if d.isClosed() {
			return nil, ErrClosed
		}
		select {
		case buffer <- e:
			return "queued", nil
		default:
			d.dropped.Add(context.Background(), 1, metric.WithAttributes(kindAttr))
			return nil, fmt.Errorf("queue full: %s", kind)
		}
	}
}

func (d *Dispatcher) withLogging(kind string, h HandlerFunc) HandlerFunc {
	return func(e Event) (any, error) {
		start := time.Now()
		d.logger.Debug("handling event", "kind", kind, "queued", time.Since(e.Timestamp))

		result, err := h(e)

		if err != nil {
			d.logger.Error("event failed", "kind", kind, "duration", time.Since(start), "error", err)
		} else {
			d.logger.Debug("event complete", "kind", kind, "duration", time.Since(start))
		}

		return result, err
	}
}
