// Package presence counts live push-channel connections per room and
// player. A player is online while at least one of their sockets is joined.
package presence

import (
	"context"
	"slices"
	"sync"
)

// Change is the room's presence after a join or leave.
type Change struct {
	PlayerID string
	IsOnline bool
	Online   []string
}

type Tracker interface {
	Join(ctx context.Context, code, playerID string) (Change, error)
	Leave(ctx context.Context, code, playerID string) (Change, error)
	Online(ctx context.Context, code string) ([]string, error)
	// Clear forgets a room entirely, used when the room is deleted.
	Clear(ctx context.Context, code string) error
}

// Memory is a process-local Tracker.
type Memory struct {
	mu    sync.Mutex
	rooms map[string]map[string]int
}

var _ Tracker = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]map[string]int)}
}

func (m *Memory) Join(_ context.Context, code, playerID string) (Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := m.rooms[code]
	if counts == nil {
		counts = make(map[string]int)
		m.rooms[code] = counts
	}
	counts[playerID]++
	return Change{PlayerID: playerID, IsOnline: true, Online: onlineIDs(counts)}, nil
}

func (m *Memory) Leave(_ context.Context, code, playerID string) (Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := m.rooms[code]
	if counts == nil {
		return Change{PlayerID: playerID, Online: []string{}}, nil
	}
	if counts[playerID] <= 1 {
		delete(counts, playerID)
	} else {
		counts[playerID]--
	}
	if len(counts) == 0 {
		delete(m.rooms, code)
	}
	return Change{PlayerID: playerID, IsOnline: counts[playerID] > 0, Online: onlineIDs(counts)}, nil
}

func (m *Memory) Online(_ context.Context, code string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return onlineIDs(m.rooms[code]), nil
}

func (m *Memory) Clear(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, code)
	return nil
}

// roomCount reports how many rooms hold presence entries.
func (m *Memory) roomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

func onlineIDs(counts map[string]int) []string {
	ids := make([]string, 0, len(counts))
	for id, n := range counts {
		if n > 0 {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}
