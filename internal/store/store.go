// Package store persists rooms, their members and their chat. Every
// mutation runs under a per-room lock and bumps the room version by one.
package store

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"

	"github.com/DoyleJ11/songless-rooms/internal/engine"
)

// MutateFunc changes a room in place. Returning engine.ErrNoChange leaves
// the stored room and its version untouched; any other error aborts the
// update and is returned to the caller, with conflict errors carrying the
// current room.
type MutateFunc func(r *engine.Room) error

type Store interface {
	CreateRoom(ctx context.Context, host engine.Player, settings engine.Settings) (*engine.Room, error)
	GetRoom(ctx context.Context, code string) (*engine.Room, error)
	// AddPlayer is idempotent: a re-join refreshes name and avatar.
	AddPlayer(ctx context.Context, code string, p engine.Player) (*engine.Room, error)
	// RemovePlayer returns a nil room when the last member left and the
	// room was deleted.
	RemovePlayer(ctx context.Context, code, playerID string) (*engine.Room, error)
	Update(ctx context.Context, code string, fn MutateFunc) (*engine.Room, error)
	// AppendChat checks expectedVersion when it is non-nil.
	AppendChat(ctx context.Context, code, senderID, message string, expectedVersion *int) (engine.ChatMessage, *engine.Room, error)
	// ListChat returns the newest limit messages, oldest first.
	ListChat(ctx context.Context, code string, limit int) ([]engine.ChatMessage, error)
	Close() error
}

const maxCodeAttempts = 8

var ErrCodeExhausted = errors.New("unable to create unique room code")

func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, engine.RoomCodeLength)
	for i := range code {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

func chatConflict() *engine.ConflictError {
	return &engine.ConflictError{
		Code:    engine.CodeVersionConflict,
		Message: "Room state changed. Sync before sending chat.",
	}
}

func lastN[T any](items []T, n int) []T {
	if len(items) <= n {
		return append([]T(nil), items...)
	}
	return append([]T(nil), items[len(items)-n:]...)
}
