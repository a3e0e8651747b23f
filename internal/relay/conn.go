package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// DefaultWriteTimeout bounds one frame write to a peer that stopped reading.
const DefaultWriteTimeout = 10 * time.Second

var (
	ErrConnClosed = errors.New("relay: connection closed")
	ErrQueueFull  = errors.New("relay: outbound queue full")
)

// Role is what a connection has identified itself as.
type Role int32

const (
	RoleUnknown Role = iota
	RoleExtension
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleExtension:
		return "extension"
	case RoleClient:
		return "client"
	default:
		return "unknown"
	}
}

// conn is one accepted websocket.
type conn struct {
	id     uint64
	remote string
	ws     *websocket.Conn

	role atomic.Int32
	out  chan []byte

	writeMu      sync.Mutex
	writeTimeout time.Duration
	done         chan struct{}
	closeOnce    sync.Once
}

func newConn(id uint64, ws *websocket.Conn, queue int, writeTimeout time.Duration) *conn {
	return &conn{
		id:           id,
		remote:       ws.RemoteAddr().String(),
		ws:           ws,
		out:          make(chan []byte, queue),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (c *conn) Role() Role { return Role(c.role.Load()) }

// claim moves the role from Unknown to r. It reports whether the
// connection now holds r.
func (c *conn) claim(r Role) bool {
	if c.role.CompareAndSwap(int32(RoleUnknown), int32(r)) {
		return true
	}
	return c.Role() == r
}

// enqueue hands msg to the writer goroutine without blocking.
func (c *conn) enqueue(msg []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case <-c.done:
		return ErrConnClosed
	case c.out <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *conn) write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

// run pairs the reader and the queue writer. It returns when either side
// fails. A failed writer closes the socket, which unblocks the reader.
func (c *conn) run(ctx context.Context, handle func(*conn, []byte)) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			mt, data, err := c.ws.ReadMessage()
			if err != nil {
				return err
			}
			if mt != websocket.TextMessage {
				continue
			}
			handle(c, data)
			// Ack before reading the next frame keeps per-connection order.
			if err := c.write(ackFrame); err != nil {
				return err
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case msg := <-c.out:
				if err := c.write(msg); err != nil {
					c.close()
					return err
				}
			}
		}
	})

	err := g.Wait()
	c.close()
	return err
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
