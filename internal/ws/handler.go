// Package ws serves the push channel. Clients authenticate on the upgrade
// request, then join one room at a time and receive that room's updates,
// chat and presence frames.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/songless-rooms/internal/auth"
	"github.com/DoyleJ11/songless-rooms/internal/channel"
	"github.com/DoyleJ11/songless-rooms/internal/engine"
	"github.com/DoyleJ11/songless-rooms/internal/presence"
	"github.com/DoyleJ11/songless-rooms/internal/rooms"
	"github.com/DoyleJ11/songless-rooms/internal/types"
	pkgtypes "github.com/DoyleJ11/songless-rooms/pkg/types"
)

// RoomReader loads a member's view of a room, advancing an expired round.
type RoomReader interface {
	State(ctx context.Context, code, playerID string) (*engine.Room, error)
}

type Subscriptions interface {
	Subscribe(code string, sub channel.Subscriber)
	Unsubscribe(code, id string)
}

type PresencePublisher interface {
	PublishPresence(ctx context.Context, code string, p pkgtypes.RoomPresence)
}

type Options struct {
	OriginPatterns    []string
	MessagesPerSecond float64
	Burst             int
	SendBuffer        int
	PingInterval      time.Duration
	WriteTimeout      time.Duration
}

func (o Options) withDefaults() Options {
	if o.MessagesPerSecond <= 0 {
		o.MessagesPerSecond = 10
	}
	if o.Burst <= 0 {
		o.Burst = 20
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	return o
}

type Handler struct {
	rooms    RoomReader
	subs     Subscriptions
	pub      PresencePublisher
	presence presence.Tracker
	verifier *auth.Verifier
	opts     Options
	log      *zap.Logger
	now      func() time.Time
}

func NewHandler(rr RoomReader, subs Subscriptions, pub PresencePublisher, tracker presence.Tracker, v *auth.Verifier, opts Options, log *zap.Logger) *Handler {
	return &Handler{
		rooms:    rr,
		subs:     subs,
		pub:      pub,
		presence: tracker,
		verifier: v,
		opts:     opts.withDefaults(),
		log:      log,
		now:      time.Now,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	player, err := h.verifier.Authenticate(auth.TokenFromRequest(r))
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"Unauthorized"}`))
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.OriginPatterns,
	})
	if err != nil {
		h.log.Warn("realtime.socket.accept_failure", zap.String("player_id", player.ID), zap.Error(err))
		return
	}

	c := newConn(r.Context(), uuid.NewString(), player, wsConn, h.opts.SendBuffer, h.log)
	h.log.Info("realtime.socket.connected", zap.String("socket_id", c.id), zap.String("player_id", player.ID))

	go c.writeLoop(h.opts.PingInterval, h.opts.WriteTimeout)
	defer h.disconnect(c)
	h.readLoop(c)
}

func (h *Handler) readLoop(c *Conn) {
	limiter := rate.NewLimiter(rate.Limit(h.opts.MessagesPerSecond), h.opts.Burst)
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if c.ctx.Err() == nil {
					h.log.Debug("realtime.socket.read_failure", zap.String("socket_id", c.id), zap.Error(err))
				}
			}
			return
		}

		if !limiter.Allow() {
			c.reply(pkgtypes.EventRoomError, pkgtypes.RoomError{Code: pkgtypes.ErrCodeRateLimited, Error: "Too many messages."})
			continue
		}

		var msg types.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(pkgtypes.EventRoomError, pkgtypes.RoomError{Code: pkgtypes.ErrCodeBadMessage, Error: "Malformed message."})
			continue
		}

		switch msg.Type {
		case types.ClientRoomJoin:
			h.join(c, msg)
		case types.ClientRoomRequestSync:
			h.requestSync(c, msg)
		case types.ClientRoomLeave:
			if code := c.Room(); code != "" {
				h.release(c, code)
			}
		default:
			c.reply(pkgtypes.EventRoomError, pkgtypes.RoomError{Code: pkgtypes.ErrCodeBadMessage, Error: "Unknown message type."})
		}
	}
}

func (h *Handler) join(c *Conn, msg types.ClientMessage) {
	code := engine.NormalizeSocketRoomCode(msg.Code)
	if code == "" {
		c.reply(pkgtypes.EventRoomError, pkgtypes.RoomError{Code: pkgtypes.ErrCodeRoomCodeRequired, Error: "Room code is required."})
		return
	}

	prev := c.Room()
	if prev != "" && prev != code {
		h.release(c, prev)
	}

	room, err := h.rooms.State(c.ctx, code, c.player.ID)
	switch {
	case errors.Is(err, engine.ErrRoomNotFound):
		c.reply(pkgtypes.EventRoomError, pkgtypes.RoomError{Code: pkgtypes.ErrCodeRoomNotFound, Error: "Room not found."})
		return
	case errors.Is(err, engine.ErrForbidden):
		c.reply(pkgtypes.EventRoomError, pkgtypes.RoomError{Code: pkgtypes.ErrCodeRoomForbidden, Error: "Player is not in room."})
		return
	case err != nil:
		h.log.Error("realtime.room_join.failure",
			zap.String("room_code", code),
			zap.String("player_id", c.player.ID),
			zap.Error(err))
		c.reply(pkgtypes.EventRoomError, pkgtypes.RoomError{Code: pkgtypes.ErrCodeRoomJoinFailed, Error: "Failed to join room channel."})
		return
	}

	if prev != code {
		h.subs.Subscribe(code, c)
		c.setRoom(code)
		change, err := h.presence.Join(c.ctx, code, c.player.ID)
		if err != nil {
			h.log.Warn("realtime.presence.join_failure", zap.String("room_code", code), zap.Error(err))
		} else {
			h.publishPresence(c.ctx, code, change)
		}
	}

	if msg.LastVersion == nil || *msg.LastVersion != room.Version {
		c.reply(pkgtypes.EventRoomSync, pkgtypes.RoomSync{
			Room:    rooms.Snapshot(room),
			Version: room.Version,
			Reason:  pkgtypes.SyncReasonJoin,
			TS:      h.now().UnixMilli(),
		})
		return
	}
	c.reply(pkgtypes.EventRoomJoined, pkgtypes.RoomJoined{Code: code, Version: room.Version, TS: h.now().UnixMilli()})
}

func (h *Handler) requestSync(c *Conn, msg types.ClientMessage) {
	code := engine.NormalizeSocketRoomCode(msg.Code)
	if code == "" {
		code = c.Room()
	}
	if code == "" {
		return
	}

	room, err := h.rooms.State(c.ctx, code, c.player.ID)
	switch {
	case errors.Is(err, engine.ErrRoomNotFound), errors.Is(err, engine.ErrForbidden):
		c.reply(pkgtypes.EventRoomError, pkgtypes.RoomError{Code: pkgtypes.ErrCodeRoomSyncForbidden, Error: "Unable to sync this room."})
		return
	case err != nil:
		h.log.Error("realtime.room_sync.failure",
			zap.String("room_code", code),
			zap.String("player_id", c.player.ID),
			zap.Error(err))
		c.reply(pkgtypes.EventRoomError, pkgtypes.RoomError{Code: pkgtypes.ErrCodeRoomSyncFailed, Error: "Failed to sync room."})
		return
	}

	if msg.Force || msg.LastVersion == nil || *msg.LastVersion != room.Version {
		reason := pkgtypes.SyncReasonVersionMismatch
		if msg.Force {
			reason = pkgtypes.SyncReasonForced
		}
		c.reply(pkgtypes.EventRoomSync, pkgtypes.RoomSync{
			Room:    rooms.Snapshot(room),
			Version: room.Version,
			Reason:  reason,
			TS:      h.now().UnixMilli(),
		})
		return
	}
	c.reply(pkgtypes.EventRoomSyncOK, pkgtypes.RoomSyncOK{Code: code, Version: room.Version, TS: h.now().UnixMilli()})
}

// release drops the socket's subscription and presence in code.
func (h *Handler) release(c *Conn, code string) {
	h.subs.Unsubscribe(code, c.id)
	c.setRoom("")

	// The socket context may already be cancelled on disconnect.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	change, err := h.presence.Leave(ctx, code, c.player.ID)
	if err != nil {
		h.log.Warn("realtime.presence.leave_failure", zap.String("room_code", code), zap.Error(err))
		return
	}
	h.publishPresence(ctx, code, change)
}

func (h *Handler) disconnect(c *Conn) {
	if code := c.Room(); code != "" {
		h.release(c, code)
	}
	c.Close()
	h.log.Info("realtime.socket.disconnected", zap.String("socket_id", c.id), zap.String("player_id", c.player.ID))
}

func (h *Handler) publishPresence(ctx context.Context, code string, change presence.Change) {
	online := change.Online
	if online == nil {
		online = []string{}
	}
	h.pub.PublishPresence(ctx, code, pkgtypes.RoomPresence{
		Code:            code,
		PlayerID:        change.PlayerID,
		IsOnline:        change.IsOnline,
		OnlinePlayerIDs: online,
		TS:              h.now().UnixMilli(),
	})
}
