package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/clipsync/pkg/protocol"
)

var (
	ErrClosed         = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Conn is a registered websocket peer. Outbound events go through a buffered channel drained by a single writer
// goroutine, so Send never blocks the caller and events reach the socket in the order they were sent.
type Conn struct {
	id   string
	ws   *websocket.Conn
	send chan protocol.Event
	done chan struct{}
	once sync.Once
}

func newConn(id string, ws *websocket.Conn, buffer int) *Conn {
	return &Conn{
		id:   id,
		ws:   ws,
		send: make(chan protocol.Event, buffer),
		done: make(chan struct{}),
	}
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Send(ev protocol.Event) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- ev:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops delivery. The writer goroutine sends a close frame and closes the socket.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

func (c *Conn) writeEvent(ev protocol.Event, timeout time.Duration) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
	if err := c.ws.WriteJSON(ev); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Conn) writeLoop(opts Options) {
	defer c.ws.Close()
	defer c.Close()
	t := time.NewTicker(opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case ev := <-c.send:
			if err := c.writeEvent(ev, opts.WriteTimeout); err != nil {
				slog.Error("closing connection after write failure", "conn", c.id, "err", err)
				return
			}
		case <-t.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Error("failed to ping", "conn", c.id, "err", err)
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(opts.WriteTimeout),
			)
			return
		}
	}
}
