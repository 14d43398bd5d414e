package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type frame struct {
	typ  int
	data []byte
}

// relay is an in-process WebSocket server standing in for the position relay.
type relay struct {
	srv *httptest.Server

	mu        sync.Mutex
	upgrades  int
	refused   int
	protocols []string

	refuse atomic.Bool // when set, handshakes get 503

	conns  chan *ws.Conn
	frames chan frame
	hold   chan struct{} // when non-nil, handshakes wait for it to close
}

func newRelay(t *testing.T) *relay {
	return newHoldingRelay(t, nil)
}

func newHoldingRelay(t *testing.T, hold chan struct{}) *relay {
	t.Helper()
	r := &relay{
		conns:  make(chan *ws.Conn, 8),
		frames: make(chan frame, 64),
		hold:   hold,
	}

	upgrader := ws.Upgrader{
		CheckOrigin:  func(*http.Request) bool { return true },
		Subprotocols: []string{"superchat"},
	}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.hold != nil {
			<-r.hold
		}
		if r.refuse.Load() {
			r.mu.Lock()
			r.refused++
			r.mu.Unlock()
			http.Error(w, "relay busy", http.StatusServiceUnavailable)
			return
		}
		c, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		r.mu.Lock()
		r.upgrades++
		r.protocols = ws.Subprotocols(req)
		r.mu.Unlock()
		r.conns <- c

		for {
			typ, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			r.frames <- frame{typ: typ, data: data}
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *relay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *relay) upgradeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upgrades
}

func (r *relay) refusedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refused
}

func (r *relay) nextConn(t *testing.T) *ws.Conn {
	t.Helper()
	select {
	case c := <-r.conns:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("relay never accepted a connection")
		return nil
	}
}

type event struct {
	kind string // open, close, message, text
	data []byte
	text string
	err  error
}

type recorder struct {
	events chan event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan event, 1024)}
}

func (r *recorder) OnOpen() { r.events <- event{kind: "open"} }
func (r *recorder) OnClose(reason error) { r.events <- event{kind: "close", err: reason} }
func (r *recorder) OnMessage(data []byte) { r.events <- event{kind: "message", data: data} }
func (r *recorder) OnTextMessage(s string) { r.events <- event{kind: "text", text: s} }

func (r *recorder) next(t *testing.T) event {
	t.Helper()
	select {
	case e := <-r.events:
		return e
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for connection event")
		return event{}
	}
}

func (r *recorder) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case e := <-r.events:
		t.Fatalf("unexpected event %q", e.kind)
	case <-time.After(d):
	}
}

func newManager(t *testing.T, cfg Config, opts ...Option) (*Manager, *recorder) {
	t.Helper()
	rec := newRecorder()
	m, err := New(cfg, rec, opts...)
	require.NoError(t, err)
	t.Cleanup(m.Disconnect)
	return m, rec
}

func TestNew_RejectsBadURL(t *testing.T) {
	for _, u := range []string{"http://localhost:8080/", "localhost:8080", "://nope"} {
		_, err := New(Config{URL: u}, newRecorder())
		assert.Error(t, err, u)
	}
}

func TestConnect_OpensConnection(t *testing.T) {
	r := newRelay(t)
	m, rec := newManager(t, Config{URL: r.url(), Subprotocols: []string{"chat", "superchat"}})

	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, Connecting, m.Connect(context.Background()))

	e := rec.next(t)
	require.Equal(t, "open", e.kind)
	assert.Equal(t, Connected, m.State())
	assert.True(t, m.IsConnected())

	r.mu.Lock()
	assert.Equal(t, []string{"chat", "superchat"}, r.protocols)
	r.mu.Unlock()
}

func TestConnect_IsIdempotent(t *testing.T) {
	r := newRelay(t)
	m, rec := newManager(t, Config{URL: r.url()})

	m.Connect(context.Background())
	second := m.Connect(context.Background())
	assert.Contains(t, []State{Connecting, Connected}, second)

	require.Equal(t, "open", rec.next(t).kind)
	assert.Equal(t, Connected, m.Connect(context.Background()))

	r.nextConn(t)
	rec.quiet(t, 100*time.Millisecond)
	assert.Equal(t, 1, r.upgradeCount())
}

func TestSend_WhileDisconnectedIsDropped(t *testing.T) {
	r := newRelay(t)
	m, rec := newManager(t, Config{URL: r.url()})

	var err error
	require.NotPanics(t, func() {
		err = m.Send([]byte(`{"username":"u1"}`))
	})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, r.upgradeCount())
	rec.quiet(t, 50*time.Millisecond)
}

func TestSend_WritesBinaryFrame(t *testing.T) {
	r := newRelay(t)
	m, rec := newManager(t, Config{URL: r.url()})

	m.Connect(context.Background())
	require.Equal(t, "open", rec.next(t).kind)

	require.NoError(t, m.Send([]byte(`{"username":"u1"}`)))

	select {
	case f := <-r.frames:
		assert.Equal(t, ws.BinaryMessage, f.typ)
		assert.Equal(t, `{"username":"u1"}`, string(f.data))
	case <-time.After(waitTimeout):
		t.Fatal("relay never received the frame")
	}
}

func TestSend_AfterDisconnectIsDropped(t *testing.T) {
	r := newRelay(t)
	m, rec := newManager(t, Config{URL: r.url()})

	m.Connect(context.Background())
	require.Equal(t, "open", rec.next(t).kind)
	m.Disconnect()

	assert.ErrorIs(t, m.Send([]byte("late")), ErrNotConnected)
	select {
	case f := <-r.frames:
		t.Fatalf("relay received %q after disconnect", f.data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReceive_RoutesFramesByType(t *testing.T) {
	r := newRelay(t)
	m, rec := newManager(t, Config{URL: r.url()})

	m.Connect(context.Background())
	require.Equal(t, "open", rec.next(t).kind)
	server := r.nextConn(t)

	require.NoError(t, server.WriteMessage(ws.BinaryMessage, []byte(`{"username":"u2"}`)))
	require.NoError(t, server.WriteMessage(ws.TextMessage, []byte("hello")))

	e := rec.next(t)
	require.Equal(t, "message", e.kind)
	assert.Equal(t, `{"username":"u2"}`, string(e.data))

	e = rec.next(t)
	require.Equal(t, "text", e.kind)
	assert.Equal(t, "hello", e.text)
}

func TestDisconnect_IsIdempotentAndReportsOnce(t *testing.T) {
	r := newRelay(t)
	m, rec := newManager(t, Config{URL: r.url()})

	m.Disconnect()
	rec.quiet(t, 50*time.Millisecond)

	m.Connect(context.Background())
	require.Equal(t, "open", rec.next(t).kind)

	m.Disconnect()
	m.Disconnect()

	e := rec.next(t)
	require.Equal(t, "close", e.kind)
	assert.NoError(t, e.err)
	assert.Equal(t, Disconnected, m.State())
	rec.quiet(t, 100*time.Millisecond)
}

func TestDisconnect_StopsMessageDelivery(t *testing.T) {
	r := newRelay(t)
	m, rec := newManager(t, Config{URL: r.url()})

	m.Connect(context.Background())
	require.Equal(t, "open", rec.next(t).kind)
	server := r.nextConn(t)

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := server.WriteMessage(ws.BinaryMessage, []byte("tick")); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	defer close(stop)

	require.Equal(t, "message", rec.next(t).kind)
	m.Disconnect()

	// Drain everything delivered up to and including the close event.
	for {
		e := rec.next(t)
		if e.kind == "close" {
			break
		}
		require.Equal(t, "message", e.kind)
	}
	rec.quiet(t, 100*time.Millisecond)
}

func TestServerClose_ReportsTransportError(t *testing.T) {
	r := newRelay(t)
	m, rec := newManager(t, Config{URL: r.url()})

	m.Connect(context.Background())
	require.Equal(t, "open", rec.next(t).kind)
	server := r.nextConn(t)
	require.NoError(t, server.Close())

	e := rec.next(t)
	require.Equal(t, "close", e.kind)
	var terr *TransportError
	require.True(t, errors.As(e.err, &terr))
	assert.Equal(t, "read", terr.Op)
	assert.Equal(t, Disconnected, m.State())

	// No automatic reconnect.
	rec.quiet(t, 150*time.Millisecond)
	assert.Equal(t, 1, r.upgradeCount())

	// An explicit Connect brings it back.
	m.Connect(context.Background())
	require.Equal(t, "open", rec.next(t).kind)
	assert.Equal(t, 2, r.upgradeCount())
}

func TestConnect_DialFailureReportsTransportError(t *testing.T) {
	r := newRelay(t)
	target := r.url()
	r.srv.Close()

	m, rec := newManager(t, Config{URL: target})
	m.Connect(context.Background())

	e := rec.next(t)
	require.Equal(t, "close", e.kind)
	var terr *TransportError
	require.True(t, errors.As(e.err, &terr))
	assert.Equal(t, "dial", terr.Op)
	assert.Equal(t, Disconnected, m.State())
}

func TestDisconnect_WhileConnecting(t *testing.T) {
	hold := make(chan struct{})
	r := newHoldingRelay(t, hold)
	m, rec := newManager(t, Config{URL: r.url()})

	assert.Equal(t, Connecting, m.Connect(context.Background()))
	m.Disconnect()

	e := rec.next(t)
	require.Equal(t, "close", e.kind)
	assert.NoError(t, e.err)
	assert.Equal(t, Disconnected, m.State())

	close(hold)
	rec.quiet(t, 150*time.Millisecond)
	assert.Equal(t, Disconnected, m.State())
}

func TestReconnect_WhenEnabled(t *testing.T) {
	r := newRelay(t)
	m, rec := newManager(t, Config{URL: r.url()}, WithReconnect(func() backoff.BackOff {
		return backoff.NewConstantBackOff(10 * time.Millisecond)
	}))

	m.Connect(context.Background())
	require.Equal(t, "open", rec.next(t).kind)
	require.NoError(t, r.nextConn(t).Close())

	e := rec.next(t)
	require.Equal(t, "close", e.kind)
	require.Error(t, e.err)

	require.Equal(t, "open", rec.next(t).kind)
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, 2, r.upgradeCount())
}

// disconnectingObserver hands Disconnect to another goroutine from
// OnClose, the way an owner reacting to a lost session would.
type disconnectingObserver struct {
	*recorder
	m *Manager
}

func (o *disconnectingObserver) OnClose(reason error) {
	o.recorder.OnClose(reason)
	if reason == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		o.m.Disconnect()
		close(done)
	}()
	<-done
}

func TestReconnect_DisconnectAfterLossStopsRedial(t *testing.T) {
	r := newRelay(t)
	obs := &disconnectingObserver{recorder: newRecorder()}
	m, err := New(Config{URL: r.url()}, obs, WithReconnect(func() backoff.BackOff {
		return backoff.NewConstantBackOff(10 * time.Millisecond)
	}))
	require.NoError(t, err)
	obs.m = m
	t.Cleanup(m.Disconnect)

	m.Connect(context.Background())
	require.Equal(t, "open", obs.next(t).kind)
	require.NoError(t, r.nextConn(t).Close())

	e := obs.next(t)
	require.Equal(t, "close", e.kind)
	require.Error(t, e.err)

	obs.quiet(t, 200*time.Millisecond)
	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, 1, r.upgradeCount())
}

func TestReconnect_DisconnectDuringBackoff(t *testing.T) {
	r := newRelay(t)
	m, rec := newManager(t, Config{URL: r.url()}, WithReconnect(func() backoff.BackOff {
		return backoff.NewConstantBackOff(50 * time.Millisecond)
	}))

	m.Connect(context.Background())
	require.Equal(t, "open", rec.next(t).kind)

	r.refuse.Store(true)
	require.NoError(t, r.nextConn(t).Close())

	e := rec.next(t)
	require.Equal(t, "close", e.kind)
	require.Error(t, e.err)

	require.Eventually(t, func() bool { return r.refusedCount() >= 1 }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, Connecting, m.State())

	m.Disconnect()
	e = rec.next(t)
	require.Equal(t, "close", e.kind)
	assert.NoError(t, e.err)

	r.refuse.Store(false)
	rec.quiet(t, 200*time.Millisecond)
	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, 1, r.upgradeCount())
}

func TestReconnect_PolicyGivesUp(t *testing.T) {
	r := newRelay(t)
	m, rec := newManager(t, Config{URL: r.url()}, WithReconnect(func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Millisecond), 2)
	}))

	m.Connect(context.Background())
	require.Equal(t, "open", rec.next(t).kind)

	r.refuse.Store(true)
	require.NoError(t, r.nextConn(t).Close())

	e := rec.next(t)
	require.Equal(t, "close", e.kind)
	require.Error(t, e.err)

	require.Eventually(t, func() bool { return r.refusedCount() == 3 }, waitTimeout, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.State() == Disconnected }, waitTimeout, 5*time.Millisecond)

	rec.quiet(t, 100*time.Millisecond)
	assert.Equal(t, 3, r.refusedCount())
	assert.Equal(t, 1, r.upgradeCount())
}

func TestReceive_OversizedFrameClosesSession(t *testing.T) {
	r := newRelay(t)
	m, rec := newManager(t, Config{URL: r.url(), MaxFrameSize: 16})

	m.Connect(context.Background())
	require.Equal(t, "open", rec.next(t).kind)
	server := r.nextConn(t)

	require.NoError(t, server.WriteMessage(ws.BinaryMessage, []byte(strings.Repeat("x", 64))))

	e := rec.next(t)
	require.Equal(t, "close", e.kind)
	var terr *TransportError
	require.True(t, errors.As(e.err, &terr))
	assert.Equal(t, "read", terr.Op)
	assert.ErrorIs(t, e.err, ws.ErrReadLimit)
	assert.Equal(t, Disconnected, m.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "state(9)", State(9).String())
}
