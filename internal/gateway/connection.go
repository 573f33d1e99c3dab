package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"coursechat/pkg/types"
)

// Conn wraps one websocket connection with its handle and the principal
// resolved at handshake. The principal is immutable for the connection's
// lifetime. All writes pass through a single writer goroutine so concurrent
// broadcasts never interleave frames on the wire.
type Conn struct {
	id           string
	ws           *websocket.Conn
	principal    types.Principal
	writeCh      chan []byte
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

func newConn(ws *websocket.Conn, principal types.Principal, buffer int, writeTimeout time.Duration) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:           uuid.New().String(),
		ws:           ws,
		principal:    principal,
		writeCh:      make(chan []byte, buffer),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Conn) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send marshals an outbound event and queues it for the writer goroutine.
// A full buffer means the client has stopped reading; dropping into an
// error beats blocking a room-wide broadcast on one slow consumer.
func (c *Conn) Send(event Outbound) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// ID returns the connection handle. Presence is tracked per handle, not per
// principal: the same user in two tabs is two handles.
func (c *Conn) ID() string {
	return c.id
}

// Principal returns the identity resolved at handshake.
func (c *Conn) Principal() types.Principal {
	return c.principal
}

// Context is cancelled when the connection is closed.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.ws.Close()
	})
	return err
}
