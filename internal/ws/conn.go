package ws

import (
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/jensholdgaard/cricket-auction/internal/auth"
	"github.com/jensholdgaard/cricket-auction/internal/broadcast"
)

// Conn is one live connection. It implements broadcast.Subscriber.
type Conn struct {
	id        string
	ws        *websocket.Conn
	principal auth.Principal
	limiter   *rate.Limiter

	send      chan broadcast.Message
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id string, ws *websocket.Conn, p auth.Principal, buffer int, limiter *rate.Limiter) *Conn {
	return &Conn{
		id:        id,
		ws:        ws,
		principal: p,
		limiter:   limiter,
		send:      make(chan broadcast.Message, buffer),
		done:      make(chan struct{}),
	}
}

// ID returns the connection's ULID.
func (c *Conn) ID() string { return c.id }

// Send queues msg for the writer. A full queue means the peer cannot keep
// up: the connection is closed and Send reports false.
func (c *Conn) Send(msg broadcast.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.Close()
		return false
	}
}

// Close stops the connection. The writer closes the socket, which in turn
// ends the reader.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed once the connection stops.
func (c *Conn) Done() <-chan struct{} { return c.done }
