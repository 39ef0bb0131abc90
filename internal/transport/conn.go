package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/call-signaling/internal/models"
)

const writeWait = 10 * time.Second

// wsConn is one dialed socket. A Session replaces it on every reconnect;
// gen tells stale callbacks apart from the live connection.
type wsConn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	gen  uint64

	writeMu sync.Mutex
	once    sync.Once
}

func newWSConn(ws *websocket.Conn, buffer int) *wsConn {
	return &wsConn{
		ws:   ws,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// enqueue hands f to the write pump without blocking.
func (c *wsConn) enqueue(f models.Frame) error {
	data, err := models.EncodeFrame(f)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrNotConnected
	default:
		return ErrSendBufferFull
	}
}

func (c *wsConn) write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

// writeNow bypasses the queue; used for the final DISCONNECT frame.
func (c *wsConn) writeNow(msg []byte) error {
	if c.isClosed() {
		return ErrNotConnected
	}
	return c.write(msg)
}

func (c *wsConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// close sends a close frame with code and drops the socket. Idempotent.
func (c *wsConn) close(code int) {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}
