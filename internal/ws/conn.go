package ws

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/DoyleJ11/songless-rooms/internal/auth"
	"github.com/DoyleJ11/songless-rooms/internal/channel"
	"github.com/DoyleJ11/songless-rooms/internal/types"
)

// Conn is one authenticated socket. It is subscribed to at most one room
// channel at a time.
type Conn struct {
	id     string
	player auth.Identity
	ws     *websocket.Conn
	send   chan types.ServerMessage
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	room   string
	closed bool
	// closing is set once the socket has been scheduled for close.
	closing bool
}

var _ channel.Subscriber = (*Conn)(nil)

func newConn(parent context.Context, id string, player auth.Identity, ws *websocket.Conn, buffer int, log *zap.Logger) *Conn {
	ctx, cancel := context.WithCancel(parent)
	return &Conn{
		id:     id,
		player: player,
		ws:     ws,
		send:   make(chan types.ServerMessage, buffer),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *Conn) ID() string { return c.id }

// Deliver queues msg without blocking. A full buffer means the client is
// not reading; the socket is closed and the frame dropped.
func (c *Conn) Deliver(msg types.ServerMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.log.Warn("realtime.socket.slow_consumer", zap.String("socket_id", c.id), zap.String("room_code", c.room))
		c.closing = true
		go c.Close()
		return false
	}
}

// Detach is called when the room channel lets go of this socket. A room
// that was closed is forgotten; a socket that is closing keeps its room so
// the disconnect path releases presence.
func (c *Conn) Detach(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed && !c.closing && c.room == code {
		c.room = ""
	}
}

func (c *Conn) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Conn) setRoom(code string) {
	c.mu.Lock()
	c.room = code
	c.mu.Unlock()
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancel()
	close(c.send)
	c.mu.Unlock()

	_ = c.ws.Close(websocket.StatusNormalClosure, "")
}

func (c *Conn) reply(event string, payload any) {
	msg, err := types.NewServerMessage(event, payload)
	if err != nil {
		c.log.Error("realtime.socket.encode_failure", zap.String("event", event), zap.Error(err))
		return
	}
	c.Deliver(msg)
}

func (c *Conn) writeLoop(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			raw, err := msg.Encode()
			if err != nil {
				c.log.Error("realtime.socket.encode_failure", zap.String("event", msg.Type), zap.Error(err))
				continue
			}
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err = c.ws.Write(ctx, websocket.MessageText, raw)
			cancel()
			if err != nil {
				c.log.Debug("realtime.socket.write_failure", zap.String("socket_id", c.id), zap.Error(err))
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.ws.Ping(ctx)
			cancel()
			if err != nil {
				c.log.Debug("realtime.socket.ping_failure", zap.String("socket_id", c.id), zap.Error(err))
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
