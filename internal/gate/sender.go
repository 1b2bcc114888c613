package gate

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

// sendBufferSize bounds per-connection outbound queueing. A consumer that
// falls this far behind is treated as dead rather than allowed to apply
// backpressure to the router.
const sendBufferSize = 256

var errSenderClosed = errors.New("sender closed")

// wsSender adapts a gorilla connection to the router's non-blocking Sender
// contract: Send enqueues, a single write pump owns every socket write.
type wsSender struct {
	conn *websocket.Conn
	send chan []byte

	once sync.Once
	done chan struct{}
}

func newWSSender(conn *websocket.Conn) *wsSender {
	s := &wsSender{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	go s.writePump()
	return s
}

// Send enqueues one frame without blocking. A full buffer closes the sender;
// the slow consumer surfaces to the router through its read loop shortly
// after.
func (s *wsSender) Send(data []byte) error {
	select {
	case <-s.done:
		return errSenderClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		_ = s.Close()
		return errors.New("send buffer overflow")
	}
}

// Close stops the write pump, which tears the socket down. Idempotent.
func (s *wsSender) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *wsSender) writePump() {
	defer s.conn.Close()
	for {
		select {
		case <-s.done:
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = s.Close()
				return
			}
		}
	}
}
