package engine

import (
	"errors"
	"fmt"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrForbidden        = errors.New("forbidden")
	ErrGuardRequired    = errors.New("expectedRound and expectedVersion are required")
	ErrMessageRequired  = errors.New("message is required")
	ErrMessageTooLong   = fmt.Errorf("message must be %d characters or fewer", MaxChatMessageLength)
	ErrInvalidAvatar    = errors.New("invalid avatar key")
	ErrTrackUnavailable = errors.New("track provider unavailable")

	// ErrNoChange tells a store that a mutation decided to leave the room as
	// it was; the version is not bumped.
	ErrNoChange = errors.New("no change")
)

var (
	ErrNotMember   = fmt.Errorf("%w: player not in room", ErrForbidden)
	ErrNotHost     = fmt.Errorf("%w: only host can start room", ErrForbidden)
	ErrNotHostSkip = fmt.Errorf("%w: only host can skip in room", ErrForbidden)
	ErrNotHostNext = fmt.Errorf("%w: only host can advance room", ErrForbidden)
)

type ConflictCode string

const (
	CodePhaseConflict     ConflictCode = "ROOM_PHASE_CONFLICT"
	CodeVersionConflict   ConflictCode = "ROOM_VERSION_CONFLICT"
	CodeAttemptsExhausted ConflictCode = "ROOM_ATTEMPTS_EXHAUSTED"
)

// ConflictError rejects a mutation against stale or incompatible state.
// Room is the authoritative snapshot at the time of rejection; it is filled
// in by whoever holds the store lock.
type ConflictError struct {
	Code    ConflictCode
	Message string
	Room    *Room
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func phaseConflict(msg string) *ConflictError {
	return &ConflictError{Code: CodePhaseConflict, Message: msg}
}

func versionConflict(msg string) *ConflictError {
	return &ConflictError{Code: CodeVersionConflict, Message: msg}
}

// AttachRoom sets the snapshot on a conflict error if err is one and it
// carries no room yet. Other errors pass through unchanged.
func AttachRoom(err error, r *Room) error {
	var ce *ConflictError
	if errors.As(err, &ce) && ce.Room == nil {
		ce.Room = r.Clone()
	}
	return err
}
