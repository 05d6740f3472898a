package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/songless-rooms/internal/auth"
	"github.com/DoyleJ11/songless-rooms/internal/engine"
	"github.com/DoyleJ11/songless-rooms/internal/hub"
	"github.com/DoyleJ11/songless-rooms/internal/presence"
	"github.com/DoyleJ11/songless-rooms/internal/rooms"
	"github.com/DoyleJ11/songless-rooms/internal/store"
	"github.com/DoyleJ11/songless-rooms/internal/tracks"
	"github.com/DoyleJ11/songless-rooms/internal/types"
	pkgtypes "github.com/DoyleJ11/songless-rooms/pkg/types"
)

const testSecret = "ws-test-secret"

type env struct {
	srv      *httptest.Server
	svc      *rooms.Service
	tracker  *presence.Memory
	hub      *hub.Hub
	verifier *auth.Verifier
	handler  *Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := zap.NewNop()
	tracker := presence.NewMemory()
	h := hub.NewHub(context.Background(), tracker, log)
	t.Cleanup(h.Shutdown)

	catalog := tracks.NewStatic([]engine.Track{
		{ID: "t1", Title: "Song", Artist: "Band", PreviewURL: "https://cdn.test/t1.mp3"},
	})
	svc := rooms.NewService(store.NewMemoryStore(), catalog, h, log)
	v := auth.NewVerifier(testSecret)

	handler := NewHandler(svc, h, h, tracker, v, Options{}, log)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &env{srv: srv, svc: svc, tracker: tracker, hub: h, verifier: v, handler: handler}
}

func (e *env) dial(t *testing.T, id auth.Identity) *websocket.Conn {
	t.Helper()
	token, err := e.verifier.Issue(id, time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "?token=" + token
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func send(t *testing.T, c *websocket.Conn, msg any) {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, raw))
}

// readUntil skips frames until one of type event arrives.
func readUntil(t *testing.T, c *websocket.Conn, event string) types.ServerMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, raw, err := c.Read(ctx)
		require.NoError(t, err, "waiting for %s", event)
		var msg types.ServerMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		if msg.Type == event {
			return msg
		}
	}
}

// collect reads frames until every listed event has arrived, in any order.
func collect(t *testing.T, c *websocket.Conn, events ...string) map[string]types.ServerMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	want := make(map[string]bool, len(events))
	for _, e := range events {
		want[e] = true
	}
	got := make(map[string]types.ServerMessage, len(events))
	for len(got) < len(want) {
		_, raw, err := c.Read(ctx)
		require.NoError(t, err, "waiting for %v", events)
		var msg types.ServerMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		if _, seen := got[msg.Type]; want[msg.Type] && !seen {
			got[msg.Type] = msg
		}
	}
	return got
}

func decode[T any](t *testing.T, msg types.ServerMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(msg.Data, &v))
	return v
}

var (
	host  = auth.Identity{ID: "host", DisplayName: "Host"}
	guest = auth.Identity{ID: "guest", DisplayName: "Guest"}
)

func TestHandler_RejectsMissingToken(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_JoinSendsSyncThenJoinedWhenCurrent(t *testing.T) {
	e := newEnv(t)
	room, err := e.svc.Create(context.Background(), host, rooms.PlayerInput{}, engine.Settings{})
	require.NoError(t, err)

	c := e.dial(t, host)
	send(t, c, types.ClientMessage{Type: types.ClientRoomJoin, Code: strings.ToLower(room.Code)})

	frames := collect(t, c, pkgtypes.EventRoomSync, pkgtypes.EventRoomPresence)
	sync := decode[pkgtypes.RoomSync](t, frames[pkgtypes.EventRoomSync])
	assert.Equal(t, pkgtypes.SyncReasonJoin, sync.Reason)
	assert.Equal(t, room.Version, sync.Version)
	require.NotNil(t, sync.Room)
	assert.Equal(t, room.Code, sync.Room.Code)

	pres := decode[pkgtypes.RoomPresence](t, frames[pkgtypes.EventRoomPresence])
	assert.True(t, pres.IsOnline)
	assert.Equal(t, []string{"host"}, pres.OnlinePlayerIDs)

	// A second socket that is already current gets a bare acknowledgement.
	c2 := e.dial(t, host)
	v := room.Version
	send(t, c2, types.ClientMessage{Type: types.ClientRoomJoin, Code: room.Code, LastVersion: &v})
	joined := decode[pkgtypes.RoomJoined](t, readUntil(t, c2, pkgtypes.EventRoomJoined))
	assert.Equal(t, room.Code, joined.Code)
	assert.Equal(t, room.Version, joined.Version)
}

func TestHandler_JoinErrors(t *testing.T) {
	e := newEnv(t)
	room, err := e.svc.Create(context.Background(), host, rooms.PlayerInput{}, engine.Settings{})
	require.NoError(t, err)
	c := e.dial(t, guest)

	cases := []struct {
		msg  types.ClientMessage
		code string
	}{
		{types.ClientMessage{Type: types.ClientRoomJoin, Code: " -- "}, pkgtypes.ErrCodeRoomCodeRequired},
		{types.ClientMessage{Type: types.ClientRoomJoin, Code: "ZZZZZZ"}, pkgtypes.ErrCodeRoomNotFound},
		{types.ClientMessage{Type: types.ClientRoomJoin, Code: room.Code}, pkgtypes.ErrCodeRoomForbidden},
		{types.ClientMessage{Type: types.ClientRoomRequestSync, Code: room.Code}, pkgtypes.ErrCodeRoomSyncForbidden},
		{types.ClientMessage{Type: "room:dance"}, pkgtypes.ErrCodeBadMessage},
	}
	for _, tc := range cases {
		send(t, c, tc.msg)
		got := decode[pkgtypes.RoomError](t, readUntil(t, c, pkgtypes.EventRoomError))
		assert.Equal(t, tc.code, got.Code, "message %+v", tc.msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte("{not json")))
	got := decode[pkgtypes.RoomError](t, readUntil(t, c, pkgtypes.EventRoomError))
	assert.Equal(t, pkgtypes.ErrCodeBadMessage, got.Code)
}

func TestHandler_RequestSync(t *testing.T) {
	e := newEnv(t)
	room, err := e.svc.Create(context.Background(), host, rooms.PlayerInput{}, engine.Settings{})
	require.NoError(t, err)

	c := e.dial(t, host)
	send(t, c, types.ClientMessage{Type: types.ClientRoomJoin, Code: room.Code})
	readUntil(t, c, pkgtypes.EventRoomSync)

	v := room.Version
	send(t, c, types.ClientMessage{Type: types.ClientRoomRequestSync, LastVersion: &v})
	ok := decode[pkgtypes.RoomSyncOK](t, readUntil(t, c, pkgtypes.EventRoomSyncOK))
	assert.Equal(t, room.Code, ok.Code)

	send(t, c, types.ClientMessage{Type: types.ClientRoomRequestSync, LastVersion: &v, Force: true})
	forced := decode[pkgtypes.RoomSync](t, readUntil(t, c, pkgtypes.EventRoomSync))
	assert.Equal(t, pkgtypes.SyncReasonForced, forced.Reason)

	stale := v - 1
	send(t, c, types.ClientMessage{Type: types.ClientRoomRequestSync, Code: room.Code, LastVersion: &stale})
	mismatch := decode[pkgtypes.RoomSync](t, readUntil(t, c, pkgtypes.EventRoomSync))
	assert.Equal(t, pkgtypes.SyncReasonVersionMismatch, mismatch.Reason)
}

func TestHandler_ReceivesRoomEvents(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	room, err := e.svc.Create(ctx, host, rooms.PlayerInput{}, engine.Settings{})
	require.NoError(t, err)

	c := e.dial(t, host)
	send(t, c, types.ClientMessage{Type: types.ClientRoomJoin, Code: room.Code})
	readUntil(t, c, pkgtypes.EventRoomSync)

	_, err = e.svc.Join(ctx, room.Code, guest, rooms.PlayerInput{})
	require.NoError(t, err)
	update := decode[pkgtypes.RoomUpdate](t, readUntil(t, c, pkgtypes.EventRoomUpdate))
	assert.Equal(t, pkgtypes.MetaPlayerJoined, update.Meta.Event)
	assert.Equal(t, "guest", update.Meta.ActorID)
	assert.Contains(t, update.Room.Players, "guest")

	_, version, err := e.svc.SendChat(ctx, room.Code, "guest", "hello", nil)
	require.NoError(t, err)
	chat := decode[pkgtypes.RoomChat](t, readUntil(t, c, pkgtypes.EventRoomChat))
	assert.Equal(t, "hello", chat.Message.Message)
	assert.Equal(t, version, chat.Version)

	_, err = e.svc.Leave(ctx, room.Code, "guest")
	require.NoError(t, err)
	_, err = e.svc.Leave(ctx, room.Code, "host")
	require.NoError(t, err)
	closed := decode[pkgtypes.RoomClosed](t, readUntil(t, c, pkgtypes.EventRoomClosed))
	assert.Equal(t, room.Code, closed.Code)
}

func TestHandler_PresenceCountsSockets(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	room, err := e.svc.Create(ctx, host, rooms.PlayerInput{}, engine.Settings{})
	require.NoError(t, err)
	_, err = e.svc.Join(ctx, room.Code, guest, rooms.PlayerInput{})
	require.NoError(t, err)

	watcher := e.dial(t, guest)
	send(t, watcher, types.ClientMessage{Type: types.ClientRoomJoin, Code: room.Code})
	readUntil(t, watcher, pkgtypes.EventRoomSync)

	tabA := e.dial(t, host)
	send(t, tabA, types.ClientMessage{Type: types.ClientRoomJoin, Code: room.Code})
	readUntil(t, tabA, pkgtypes.EventRoomSync)
	tabB := e.dial(t, host)
	send(t, tabB, types.ClientMessage{Type: types.ClientRoomJoin, Code: room.Code})
	readUntil(t, tabB, pkgtypes.EventRoomSync)

	require.NoError(t, tabA.Close(websocket.StatusNormalClosure, ""))

	// Closing one of two tabs keeps the host online.
	assert.Eventually(t, func() bool {
		online, _ := e.tracker.Online(ctx, room.Code)
		return len(online) == 2
	}, 2*time.Second, 10*time.Millisecond)

	send(t, tabB, types.ClientMessage{Type: types.ClientRoomLeave})
	assert.Eventually(t, func() bool {
		online, _ := e.tracker.Online(ctx, room.Code)
		return len(online) == 1 && online[0] == "guest"
	}, 2*time.Second, 10*time.Millisecond)

	for {
		pres := decode[pkgtypes.RoomPresence](t, readUntil(t, watcher, pkgtypes.EventRoomPresence))
		if pres.PlayerID == "host" && !pres.IsOnline {
			assert.Equal(t, []string{"guest"}, pres.OnlinePlayerIDs)
			break
		}
	}
}

// serverConn returns the server side of a fresh websocket whose client never
// reads.
func serverConn(t *testing.T) *websocket.Conn {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		accepted <- c
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.CloseNow() })

	select {
	case c := <-accepted:
		t.Cleanup(func() { _ = c.CloseNow() })
		return c
	case <-ctx.Done():
		t.Fatal("server never accepted the socket")
		return nil
	}
}

func TestHandler_SlowConsumerReleasesPresence(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	room, err := e.svc.Create(ctx, host, rooms.PlayerInput{}, engine.Settings{})
	require.NoError(t, err)

	// No write loop and a single slot: the join reply fills the buffer.
	c := newConn(ctx, "slow", host, serverConn(t), 1, zap.NewNop())
	e.handler.join(c, types.ClientMessage{Type: types.ClientRoomJoin, Code: room.Code})

	online, err := e.tracker.Online(ctx, room.Code)
	require.NoError(t, err)
	require.Equal(t, []string{"host"}, online)

	for i := 0; i < 5; i++ {
		e.hub.PublishUpdate(ctx, room.Code, pkgtypes.RoomUpdate{Version: room.Version})
	}
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.closed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, room.Code, c.Room(), "a dropped socket keeps its room until disconnect")

	e.handler.disconnect(c)
	online, err = e.tracker.Online(ctx, room.Code)
	require.NoError(t, err)
	assert.Empty(t, online)
}
