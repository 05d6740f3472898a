package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/songless-rooms/internal/channel"
	"github.com/DoyleJ11/songless-rooms/internal/presence"
	"github.com/DoyleJ11/songless-rooms/internal/types"
	pkgtypes "github.com/DoyleJ11/songless-rooms/pkg/types"
)

func recv(t *testing.T, ch <-chan types.ServerMessage) types.ServerMessage {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "outbox closed unexpectedly")
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for frame")
		return types.ServerMessage{}
	}
}

func newTestHub(t *testing.T, tracker presence.Tracker) *Hub {
	t.Helper()
	h := NewHub(context.Background(), tracker, zap.NewNop())
	t.Cleanup(h.Shutdown)
	return h
}

func TestHub_SubscribeCreatesOneChannelPerRoom(t *testing.T) {
	h := newTestHub(t, nil)
	h.Subscribe("ABC123", channel.NewOutbox("a", 4))
	h.Subscribe("ABC123", channel.NewOutbox("b", 4))
	h.Subscribe("ZZZ999", channel.NewOutbox("c", 4))

	first := h.Channel("ABC123")
	require.NotNil(t, first)
	assert.Same(t, first, h.Channel("ABC123"))
	assert.Equal(t, 2, h.NumChannels())
	assert.Nil(t, h.Channel("NOPE00"))
}

func TestHub_PublishUpdateOnlyReachesThatRoom(t *testing.T) {
	h := newTestHub(t, nil)
	a := channel.NewOutbox("a", 4)
	other := channel.NewOutbox("other", 4)
	h.Subscribe("ABC123", a)
	h.Subscribe("ZZZ999", other)

	h.PublishUpdate(context.Background(), "ABC123", pkgtypes.RoomUpdate{
		Room:    &pkgtypes.RoomSnapshot{Code: "ABC123", Version: 7},
		Version: 7,
		Meta:    pkgtypes.UpdateMeta{Event: pkgtypes.MetaHintSkipped, ActorID: "host"},
	})

	msg := recv(t, a.C)
	assert.Equal(t, pkgtypes.EventRoomUpdate, msg.Type)
	var update pkgtypes.RoomUpdate
	require.NoError(t, json.Unmarshal(msg.Data, &update))
	assert.Equal(t, 7, update.Version)
	assert.Equal(t, pkgtypes.MetaHintSkipped, update.Meta.Event)

	select {
	case m := <-other.C:
		t.Fatalf("other room received %q", m.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_LastUnsubscribeRemovesChannel(t *testing.T) {
	h := newTestHub(t, nil)
	h.Subscribe("ABC123", channel.NewOutbox("a", 4))
	h.Subscribe("ABC123", channel.NewOutbox("b", 4))

	h.Unsubscribe("ABC123", "a")
	assert.Equal(t, 1, h.NumChannels())
	h.Unsubscribe("ABC123", "b")
	assert.Equal(t, 0, h.NumChannels())

	// Unsubscribing from an unknown room is a no-op.
	h.Unsubscribe("NOPE00", "x")
	assert.Equal(t, 0, h.NumChannels())
}

func TestHub_PublishClosedTearsDownRoom(t *testing.T) {
	tracker := presence.NewMemory()
	h := newTestHub(t, tracker)
	ctx := context.Background()

	a := channel.NewOutbox("a", 4)
	h.Subscribe("ABC123", a)
	_, err := tracker.Join(ctx, "ABC123", "alice")
	require.NoError(t, err)

	h.PublishClosed(ctx, "ABC123")

	msg := recv(t, a.C)
	assert.Equal(t, pkgtypes.EventRoomClosed, msg.Type)
	_, open := <-a.C
	assert.False(t, open, "subscriber should be detached after close")

	assert.Equal(t, 0, h.NumChannels())
	online, err := tracker.Online(ctx, "ABC123")
	require.NoError(t, err)
	assert.Empty(t, online)
}
