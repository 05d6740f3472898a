// Package relay fans room events out across server instances over NATS.
// Each instance delivers its own events locally and forwards them; events
// from other instances are delivered locally on receipt.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	pkgtypes "github.com/DoyleJ11/songless-rooms/pkg/types"
)

const SubjectPrefix = "songless.rooms."

// Local is the in-process publisher the relay delivers to.
type Local interface {
	PublishUpdate(ctx context.Context, code string, update pkgtypes.RoomUpdate)
	PublishChat(ctx context.Context, code string, chat pkgtypes.RoomChat)
	PublishPresence(ctx context.Context, code string, p pkgtypes.RoomPresence)
	PublishClosed(ctx context.Context, code string)
}

type envelope struct {
	Node  string          `json:"node"`
	Event string          `json:"event"`
	Code  string          `json:"code"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Options struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
}

// Connect dials NATS with reconnect logging.
func Connect(opts Options, log *zap.Logger) (*nats.Conn, error) {
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = -1
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}
	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.Timeout(10*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("relay.nats.disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("relay.nats.reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("relay.nats.closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

type Relay struct {
	nc    *nats.Conn
	local Local
	node  string
	log   *zap.Logger
	sub   *nats.Subscription
}

// New subscribes to every room subject. The caller owns nc.
func New(nc *nats.Conn, local Local, log *zap.Logger) (*Relay, error) {
	r := &Relay{
		nc:    nc,
		local: local,
		node:  uuid.NewString(),
		log:   log,
	}
	sub, err := nc.Subscribe(SubjectPrefix+"*", r.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe room subjects: %w", err)
	}
	r.sub = sub
	return r, nil
}

func (r *Relay) Node() string { return r.node }

func (r *Relay) Close() error {
	if r.sub == nil {
		return nil
	}
	return r.sub.Unsubscribe()
}

func (r *Relay) PublishUpdate(ctx context.Context, code string, update pkgtypes.RoomUpdate) {
	r.local.PublishUpdate(ctx, code, update)
	r.forward(code, pkgtypes.EventRoomUpdate, update)
}

func (r *Relay) PublishChat(ctx context.Context, code string, chat pkgtypes.RoomChat) {
	r.local.PublishChat(ctx, code, chat)
	r.forward(code, pkgtypes.EventRoomChat, chat)
}

func (r *Relay) PublishPresence(ctx context.Context, code string, p pkgtypes.RoomPresence) {
	r.local.PublishPresence(ctx, code, p)
	r.forward(code, pkgtypes.EventRoomPresence, p)
}

func (r *Relay) PublishClosed(ctx context.Context, code string) {
	r.local.PublishClosed(ctx, code)
	r.forward(code, pkgtypes.EventRoomClosed, nil)
}

func (r *Relay) forward(code, event string, payload any) {
	env := envelope{Node: r.node, Event: event, Code: code}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			r.log.Error("relay.forward.encode_failure", zap.String("room_code", code), zap.Error(err))
			return
		}
		env.Data = data
	}
	raw, err := json.Marshal(env)
	if err != nil {
		r.log.Error("relay.forward.encode_failure", zap.String("room_code", code), zap.Error(err))
		return
	}
	if err := r.nc.Publish(SubjectPrefix+code, raw); err != nil {
		r.log.Warn("relay.forward.publish_failure", zap.String("room_code", code), zap.String("event", event), zap.Error(err))
	}
}

func (r *Relay) handle(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		r.log.Warn("relay.receive.decode_failure", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if env.Node == r.node || env.Code == "" {
		return
	}

	ctx := context.Background()
	var err error
	switch env.Event {
	case pkgtypes.EventRoomUpdate:
		var u pkgtypes.RoomUpdate
		if err = json.Unmarshal(env.Data, &u); err == nil {
			r.local.PublishUpdate(ctx, env.Code, u)
		}
	case pkgtypes.EventRoomChat:
		var c pkgtypes.RoomChat
		if err = json.Unmarshal(env.Data, &c); err == nil {
			r.local.PublishChat(ctx, env.Code, c)
		}
	case pkgtypes.EventRoomPresence:
		var p pkgtypes.RoomPresence
		if err = json.Unmarshal(env.Data, &p); err == nil {
			r.local.PublishPresence(ctx, env.Code, p)
		}
	case pkgtypes.EventRoomClosed:
		r.local.PublishClosed(ctx, env.Code)
	default:
		r.log.Warn("relay.receive.unknown_event", zap.String("event", env.Event))
		return
	}
	if err != nil {
		r.log.Warn("relay.receive.decode_failure", zap.String("event", env.Event), zap.Error(err))
	}
}
