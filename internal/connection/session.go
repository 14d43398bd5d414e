package connection

import (
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
)

const closeWait = time.Second

// session is one open WebSocket plus the queue feeding its write loop.
// A session is never reused; reconnecting creates a new one.
type session struct {
	conn      *ws.Conn
	sendCh    chan []byte
	done      chan struct{} // closed on teardown
	closeOnce sync.Once
}

func newSession(conn *ws.Conn, queueSize int) *session {
	return &session{
		conn:   conn,
		sendCh: make(chan []byte, queueSize),
		done:   make(chan struct{}),
	}
}

// close sends a close frame and releases the socket. Safe to call more
// than once and from any goroutine.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(
			ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
			time.Now().Add(closeWait),
		)
		_ = s.conn.Close()
	})
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
