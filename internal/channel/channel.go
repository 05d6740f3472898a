// Package channel fans push-channel frames out to everyone subscribed to a
// single room. Each Channel is an actor: all state lives in its goroutine
// and is reached through its inbox.
package channel

import (
	"context"

	"github.com/DoyleJ11/songless-rooms/internal/types"
)

// Subscriber receives frames for one room. Deliver must not block; a false
// return means the subscriber cannot keep up and it is dropped. Detach is
// called once when the channel lets go of the subscriber for any reason
// other than an explicit Unsubscribe.
type Subscriber interface {
	ID() string
	Deliver(msg types.ServerMessage) bool
	Detach(code string)
}

type Msg interface{ isChannelMsg() }

type Subscribe struct {
	Sub Subscriber
}

func (Subscribe) isChannelMsg() {}

// Unsubscribe replies with the number of subscribers left.
type Unsubscribe struct {
	ID    string
	Reply chan int
}

func (Unsubscribe) isChannelMsg() {}

type Publish struct {
	Msg types.ServerMessage
}

func (Publish) isChannelMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isChannelMsg() {}

type Shutdown struct{}

func (Shutdown) isChannelMsg() {}

type View struct {
	Code           string
	NumSubscribers int
	Published      int
	Dropped        int
}

type Channel struct {
	code      string
	inbox     chan Msg
	subs      map[string]Subscriber
	published int
	dropped   int
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(parent context.Context, code string) *Channel {
	ctx, cancel := context.WithCancel(parent)

	c := &Channel{
		code:   code,
		inbox:  make(chan Msg, 64),
		subs:   make(map[string]Subscriber),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go c.loop()
	return c
}

func (c *Channel) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			c.shutdown()
			return

		case m := <-c.inbox:
			switch msg := m.(type) {
			case Subscribe:
				// A re-subscribe with the same id replaces the old entry.
				c.subs[msg.Sub.ID()] = msg.Sub

			case Unsubscribe:
				delete(c.subs, msg.ID)
				if msg.Reply != nil {
					msg.Reply <- len(c.subs)
				}

			case Publish:
				c.published++
				c.broadcast(msg.Msg)

			case GetState:
				msg.Reply <- View{
					Code:           c.code,
					NumSubscribers: len(c.subs),
					Published:      c.published,
					Dropped:        c.dropped,
				}

			case Shutdown:
				c.shutdown()
				return
			}
		}
	}
}

func (c *Channel) shutdown() {
	for id, sub := range c.subs {
		sub.Detach(c.code)
		delete(c.subs, id)
	}
	c.cancel()
}

func (c *Channel) broadcast(msg types.ServerMessage) {
	for id, sub := range c.subs {
		if sub.Deliver(msg) {
			continue
		}
		// Subscriber is slow or gone - drop it.
		c.dropped++
		delete(c.subs, id)
		sub.Detach(c.code)
	}
}

func (c *Channel) Code() string { return c.code }

func (c *Channel) Inbox() chan<- Msg { return c.inbox }

// Done is closed once the channel's goroutine has exited.
func (c *Channel) Done() <-chan struct{} { return c.done }
