package hub

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/songless-rooms/internal/channel"
	"github.com/DoyleJ11/songless-rooms/internal/presence"
	"github.com/DoyleJ11/songless-rooms/internal/types"
	pkgtypes "github.com/DoyleJ11/songless-rooms/pkg/types"
)

type HubMsg interface{ isHubMsg() }

type Subscribe struct {
	Code string
	Sub  channel.Subscriber
}

// Unsubscribe tears the room's channel down once nobody is left on it.
type Unsubscribe struct {
	Code string
	ID   string
}

type Publish struct {
	Code string
	Msg  types.ServerMessage
}

// CloseRoom delivers a final frame and shuts the room's channel down.
type CloseRoom struct {
	Code  string
	Final types.ServerMessage
}

type GetChannel struct {
	Code  string
	Reply chan *channel.Channel
}

type NumChannels struct {
	Reply chan int
}

type ShutdownHub struct{}

func (Subscribe) isHubMsg()   {}
func (Unsubscribe) isHubMsg() {}
func (Publish) isHubMsg()     {}
func (CloseRoom) isHubMsg()   {}
func (GetChannel) isHubMsg()  {}
func (NumChannels) isHubMsg() {}
func (ShutdownHub) isHubMsg() {}

// Hub owns one channel per room code. Every channel operation goes through
// the hub loop so a channel is never torn down while a subscribe for it is
// in flight.
type Hub struct {
	inbox    chan HubMsg
	channels map[string]*channel.Channel
	presence presence.Tracker
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewHub(parent context.Context, tracker presence.Tracker, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:    make(chan HubMsg, 256),
		channels: make(map[string]*channel.Channel),
		presence: tracker,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Done is closed once the hub loop has exited.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case Subscribe:
				ch := h.channels[msg.Code]
				if ch == nil {
					ch = channel.New(h.ctx, msg.Code)
					h.channels[msg.Code] = ch
				}
				ch.Inbox() <- channel.Subscribe{Sub: msg.Sub}

			case Unsubscribe:
				ch := h.channels[msg.Code]
				if ch == nil {
					break
				}
				reply := make(chan int, 1)
				ch.Inbox() <- channel.Unsubscribe{ID: msg.ID, Reply: reply}
				select {
				case n := <-reply:
					if n == 0 {
						ch.Inbox() <- channel.Shutdown{}
						delete(h.channels, msg.Code)
					}
				case <-ch.Done():
					delete(h.channels, msg.Code)
				}

			case Publish:
				if ch := h.channels[msg.Code]; ch != nil {
					ch.Inbox() <- channel.Publish{Msg: msg.Msg}
				}

			case CloseRoom:
				if ch := h.channels[msg.Code]; ch != nil {
					ch.Inbox() <- channel.Publish{Msg: msg.Final}
					ch.Inbox() <- channel.Shutdown{}
					delete(h.channels, msg.Code)
				}

			case GetChannel:
				msg.Reply <- h.channels[msg.Code] // May be nil

			case NumChannels:
				msg.Reply <- len(h.channels)

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) shutdown() {
	for code, ch := range h.channels {
		ch.Inbox() <- channel.Shutdown{}
		delete(h.channels, code)
	}
	h.cancel()
}

func (h *Hub) send(m HubMsg) {
	select {
	case h.inbox <- m:
	case <-h.ctx.Done():
	}
}

func (h *Hub) Subscribe(code string, sub channel.Subscriber) {
	h.send(Subscribe{Code: code, Sub: sub})
}

func (h *Hub) Unsubscribe(code, id string) {
	h.send(Unsubscribe{Code: code, ID: id})
}

func (h *Hub) publish(code, event string, payload any) {
	msg, err := types.NewServerMessage(event, payload)
	if err != nil {
		h.log.Error("realtime.publish.encode_failure", zap.String("room_code", code), zap.String("event", event), zap.Error(err))
		return
	}
	h.send(Publish{Code: code, Msg: msg})
}

func (h *Hub) PublishUpdate(_ context.Context, code string, update pkgtypes.RoomUpdate) {
	h.publish(code, pkgtypes.EventRoomUpdate, update)
}

func (h *Hub) PublishChat(_ context.Context, code string, chat pkgtypes.RoomChat) {
	h.publish(code, pkgtypes.EventRoomChat, chat)
}

func (h *Hub) PublishPresence(_ context.Context, code string, p pkgtypes.RoomPresence) {
	h.publish(code, pkgtypes.EventRoomPresence, p)
}

// PublishClosed tells subscribers the room is gone, drops its channel and
// forgets its presence counts.
func (h *Hub) PublishClosed(ctx context.Context, code string) {
	msg, err := types.NewServerMessage(pkgtypes.EventRoomClosed, pkgtypes.RoomClosed{Code: code, TS: time.Now().UnixMilli()})
	if err != nil {
		h.log.Error("realtime.publish.encode_failure", zap.String("room_code", code), zap.Error(err))
		return
	}
	h.send(CloseRoom{Code: code, Final: msg})
	if h.presence != nil {
		if err := h.presence.Clear(ctx, code); err != nil {
			h.log.Warn("realtime.presence.clear_failure", zap.String("room_code", code), zap.Error(err))
		}
	}
}

// Channel returns the live channel for code, or nil.
func (h *Hub) Channel(code string) *channel.Channel {
	reply := make(chan *channel.Channel, 1)
	h.send(GetChannel{Code: code, Reply: reply})
	select {
	case ch := <-reply:
		return ch
	case <-h.ctx.Done():
		return nil
	}
}

func (h *Hub) NumChannels() int {
	reply := make(chan int, 1)
	h.send(NumChannels{Reply: reply})
	select {
	case n := <-reply:
		return n
	case <-h.ctx.Done():
		return 0
	}
}

func (h *Hub) Shutdown() {
	h.send(ShutdownHub{})
	<-h.done
}
