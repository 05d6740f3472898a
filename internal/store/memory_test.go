package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/songless-rooms/internal/engine"
)

func host() engine.Player  { return engine.Player{ID: "host", Name: "Host"} }
func guest() engine.Player { return engine.Player{ID: "guest", Name: "Guest", AvatarKey: "fox"} }

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	r, err := s.CreateRoom(ctx, host(), engine.Settings{Mode: "classic"})
	require.NoError(t, err)
	assert.Len(t, r.Code, engine.RoomCodeLength)
	assert.Equal(t, "host", r.HostID)
	assert.Equal(t, engine.StatusLobby, r.Status)
	assert.Equal(t, 0, r.Round)

	got, err := s.GetRoom(ctx, r.Code)
	require.NoError(t, err)
	assert.Equal(t, r.Version, got.Version)

	_, err = s.GetRoom(ctx, "NOPE00")
	assert.ErrorIs(t, err, engine.ErrRoomNotFound)
}

func TestMemoryStore_CreateRetriesOnCollision(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	codes := []string{"AAAAAA", "AAAAAA", "BBBBBB"}
	s.codes = func() (string, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}

	first, err := s.CreateRoom(ctx, host(), engine.Settings{})
	require.NoError(t, err)
	second, err := s.CreateRoom(ctx, host(), engine.Settings{})
	require.NoError(t, err)
	assert.Equal(t, "AAAAAA", first.Code)
	assert.Equal(t, "BBBBBB", second.Code)
}

func TestMemoryStore_CreateGivesUp(t *testing.T) {
	s := NewMemoryStore()
	s.codes = func() (string, error) { return "AAAAAA", nil }
	_, err := s.CreateRoom(context.Background(), host(), engine.Settings{})
	require.NoError(t, err)
	_, err = s.CreateRoom(context.Background(), host(), engine.Settings{})
	assert.ErrorIs(t, err, ErrCodeExhausted)
}

func TestMemoryStore_AddAndRemovePlayer(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r, err := s.CreateRoom(ctx, host(), engine.Settings{})
	require.NoError(t, err)

	joined, err := s.AddPlayer(ctx, r.Code, guest())
	require.NoError(t, err)
	assert.Equal(t, r.Version+1, joined.Version)
	assert.True(t, joined.IsMember("guest"))

	again, err := s.AddPlayer(ctx, r.Code, engine.Player{ID: "guest", Name: "Renamed"})
	require.NoError(t, err)
	assert.Len(t, again.Players, 2)
	assert.Equal(t, "Renamed", again.Player("guest").Name)

	left, err := s.RemovePlayer(ctx, r.Code, "host")
	require.NoError(t, err)
	require.NotNil(t, left)
	assert.Equal(t, "guest", left.HostID)
	assert.Equal(t, again.Version+1, left.Version)

	_, err = s.RemovePlayer(ctx, r.Code, "host")
	assert.ErrorIs(t, err, engine.ErrForbidden)

	gone, err := s.RemovePlayer(ctx, r.Code, "guest")
	require.NoError(t, err)
	assert.Nil(t, gone)

	_, err = s.GetRoom(ctx, r.Code)
	assert.ErrorIs(t, err, engine.ErrRoomNotFound)
}

func TestMemoryStore_UpdateBumpsVersionOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r, err := s.CreateRoom(ctx, host(), engine.Settings{})
	require.NoError(t, err)

	updated, err := s.Update(ctx, r.Code, func(room *engine.Room) error {
		room.HintIndex = 2
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, r.Version+1, updated.Version)

	same, err := s.Update(ctx, r.Code, func(room *engine.Room) error {
		room.HintIndex = 4
		return engine.ErrNoChange
	})
	require.NoError(t, err)
	assert.Equal(t, updated.Version, same.Version)
	assert.Equal(t, 2, same.HintIndex)
}

func TestMemoryStore_UpdateConflictCarriesCurrentRoom(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r, err := s.CreateRoom(ctx, host(), engine.Settings{})
	require.NoError(t, err)

	_, err = s.Update(ctx, r.Code, func(room *engine.Room) error {
		room.HintIndex = 5
		return engine.Skip(room, "host", engine.Guard{Round: 0, Version: room.Version}, 0)
	})
	var ce *engine.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, engine.CodePhaseConflict, ce.Code)
	require.NotNil(t, ce.Room)
	assert.Equal(t, r.Version, ce.Room.Version)
	assert.Equal(t, 0, ce.Room.HintIndex, "rejected mutation must not leak into the snapshot")
}

func TestMemoryStore_ConcurrentGuardedUpdatesOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r, err := s.CreateRoom(ctx, host(), engine.Settings{})
	require.NoError(t, err)
	guard := engine.Guard{Round: r.Round, Version: r.Version}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, r.Code, func(room *engine.Room) error {
				return engine.Start(room, "host", guard, engine.Track{ID: "1"}, 1000)
			})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, success)

	final, err := s.GetRoom(ctx, r.Code)
	require.NoError(t, err)
	assert.Equal(t, 1, final.Round)
	assert.Equal(t, r.Version+1, final.Version)
}

func TestMemoryStore_Chat(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r, err := s.CreateRoom(ctx, host(), engine.Settings{})
	require.NoError(t, err)

	_, _, err = s.AppendChat(ctx, r.Code, "stranger", "hi", nil)
	assert.ErrorIs(t, err, engine.ErrForbidden)

	stale := r.Version - 1
	_, _, err = s.AppendChat(ctx, r.Code, "host", "hi", &stale)
	var ce *engine.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, engine.CodeVersionConflict, ce.Code)

	version := r.Version
	for i := 0; i < 5; i++ {
		msg, room, err := s.AppendChat(ctx, r.Code, "host", fmt.Sprintf("m%d", i), &version)
		require.NoError(t, err)
		assert.Equal(t, "Host", msg.SenderName)
		assert.Equal(t, version+1, room.Version)
		version = room.Version
	}

	recent, err := s.ListChat(ctx, r.Code, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, []string{"m2", "m3", "m4"}, []string{recent[0].Message, recent[1].Message, recent[2].Message})

	room, err := s.GetRoom(ctx, r.Code)
	require.NoError(t, err)
	assert.Len(t, room.Chat, 5)
}
