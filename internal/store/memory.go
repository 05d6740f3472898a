package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/DoyleJ11/songless-rooms/internal/engine"
)

// memoryChatRetention bounds how many messages a room keeps in memory.
const memoryChatRetention = 4 * engine.MaxChatLimit

type memoryRoom struct {
	room *engine.Room
	chat []engine.ChatMessage
}

// MemoryStore keeps everything in process. A single mutex serializes all
// rooms, which is plenty for one node.
type MemoryStore struct {
	mu     sync.Mutex
	rooms  map[string]*memoryRoom
	chatID int64
	now    func() time.Time
	codes  func() (string, error)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string]*memoryRoom),
		now:   time.Now,
		codes: GenerateCode,
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateRoom(_ context.Context, host engine.Player, settings engine.Settings) (*engine.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := s.codes()
		if err != nil {
			return nil, err
		}
		if _, taken := s.rooms[code]; taken {
			continue
		}
		r := engine.NewRoom(code, host, settings, s.now())
		s.rooms[code] = &memoryRoom{room: r}
		return s.snapshot(s.rooms[code]), nil
	}
	return nil, ErrCodeExhausted
}

func (s *MemoryStore) GetRoom(_ context.Context, code string) (*engine.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mr, ok := s.rooms[code]
	if !ok {
		return nil, engine.ErrRoomNotFound
	}
	return s.snapshot(mr), nil
}

func (s *MemoryStore) AddPlayer(ctx context.Context, code string, p engine.Player) (*engine.Room, error) {
	now := s.now()
	return s.Update(ctx, code, func(r *engine.Room) error {
		engine.UpsertPlayer(r, p, now)
		return nil
	})
}

func (s *MemoryStore) RemovePlayer(_ context.Context, code, playerID string) (*engine.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mr, ok := s.rooms[code]
	if !ok {
		return nil, engine.ErrRoomNotFound
	}
	working := mr.room.Clone()
	empty, err := engine.RemovePlayer(working, playerID)
	if err != nil {
		return nil, err
	}
	if empty {
		delete(s.rooms, code)
		return nil, nil
	}
	working.Version = mr.room.Version + 1
	mr.room = working
	return s.snapshot(mr), nil
}

func (s *MemoryStore) Update(_ context.Context, code string, fn MutateFunc) (*engine.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mr, ok := s.rooms[code]
	if !ok {
		return nil, engine.ErrRoomNotFound
	}
	working := mr.room.Clone()
	if err := fn(working); err != nil {
		if errors.Is(err, engine.ErrNoChange) {
			return s.snapshot(mr), nil
		}
		return nil, engine.AttachRoom(err, s.snapshot(mr))
	}
	working.Version = mr.room.Version + 1
	working.Chat = nil
	mr.room = working
	return s.snapshot(mr), nil
}

func (s *MemoryStore) AppendChat(_ context.Context, code, senderID, message string, expectedVersion *int) (engine.ChatMessage, *engine.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mr, ok := s.rooms[code]
	if !ok {
		return engine.ChatMessage{}, nil, engine.ErrRoomNotFound
	}
	sender := mr.room.Player(senderID)
	if sender == nil {
		return engine.ChatMessage{}, nil, engine.ErrNotMember
	}
	if expectedVersion != nil && *expectedVersion != mr.room.Version {
		return engine.ChatMessage{}, nil, engine.AttachRoom(chatConflict(), s.snapshot(mr))
	}

	s.chatID++
	msg := engine.ChatMessage{
		ID:              s.chatID,
		SenderID:        sender.ID,
		SenderName:      sender.Name,
		SenderAvatarKey: sender.AvatarKey,
		Message:         message,
		CreatedAt:       s.now(),
	}
	mr.chat = lastN(append(mr.chat, msg), memoryChatRetention)
	mr.room.Version++
	return msg, s.snapshot(mr), nil
}

func (s *MemoryStore) ListChat(_ context.Context, code string, limit int) ([]engine.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mr, ok := s.rooms[code]
	if !ok {
		return nil, engine.ErrRoomNotFound
	}
	return lastN(mr.chat, limit), nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) snapshot(mr *memoryRoom) *engine.Room {
	c := mr.room.Clone()
	c.Chat = lastN(mr.chat, engine.DefaultChatLimit)
	return c
}
