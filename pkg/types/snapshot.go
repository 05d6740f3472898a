package types

import (
	"sync"
	"time"
)

// RoomSnapshot is the full room view sent on every poll response, push
// update and conflict. Clients keep whichever snapshot has the highest
// version, no matter which path delivered it.
//
//	code: string
//	hostId: string
//	players: { [playerId]: PlayerSnapshot }
//	status: "lobby" | "active"
//	round, version, hintIndex: number
//	roundStartedAtMs, roundEndsAtMs: number | null
//	roundMaxAttempts: 6
//	chat: ChatMessage[] // newest 50, oldest first
type RoomSnapshot struct {
	Code             string                    `json:"code"`
	HostID           string                    `json:"hostId"`
	Players          map[string]PlayerSnapshot `json:"players"`
	Status           string                    `json:"status"`
	Round            int                       `json:"round"`
	Version          int                       `json:"version"`
	HintIndex        int                       `json:"hintIndex"`
	Settings         Settings                  `json:"settings"`
	CreatedAt        time.Time                 `json:"createdAt"`
	CurrentTrackID   *string                   `json:"currentTrackId"`
	CurrentTrack     *Track                    `json:"currentTrack"`
	RoundStartedAtMs *int64                    `json:"roundStartedAtMs"`
	RoundEndsAtMs    *int64                    `json:"roundEndsAtMs"`
	RoundMaxAttempts int                       `json:"roundMaxAttempts"`
	Chat             []ChatMessage             `json:"chat"`
}

type PlayerSnapshot struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	AvatarKey    *string  `json:"avatarKey"`
	Score        int      `json:"score"`
	Solved       bool     `json:"solved"`
	GuessResults []string `json:"guessResults"`
	SolvedAtMs   *int64   `json:"solvedAtMs"`
	RoundTimeMs  *int64   `json:"roundTimeMs"`
}

type Settings struct {
	Mode       string `json:"mode,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
	Genre      string `json:"genre,omitempty"`
	Decade     string `json:"decade,omitempty"`
}

type Track struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	PreviewURL string `json:"previewUrl"`
	DurationMs int64  `json:"durationMs"`
	ArtworkURL string `json:"artworkUrl,omitempty"`
	Link       string `json:"link,omitempty"`
}

type ChatMessage struct {
	ID         string    `json:"id"`
	PlayerID   string    `json:"playerId"`
	PlayerName string    `json:"playerName"`
	AvatarKey  *string   `json:"avatarKey"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ConflictPayload is the 409 body. Room is the authoritative snapshot.
type ConflictPayload struct {
	Error string        `json:"error"`
	Code  string        `json:"code"`
	Room  *RoomSnapshot `json:"room"`
}

// Reconciler holds a client's current room view and applies snapshots in
// version order. Push updates, poll responses and conflict payloads all go
// through Apply.
type Reconciler struct {
	mu   sync.Mutex
	room *RoomSnapshot
}

// Apply keeps snap if it is newer than what is held and reports whether it
// did. A nil snapshot means the room is gone and always clears the view.
func (r *Reconciler) Apply(snap *RoomSnapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if snap == nil {
		r.room = nil
		return true
	}
	if r.room != nil && r.room.Code == snap.Code && snap.Version <= r.room.Version {
		return false
	}
	r.room = snap
	return true
}

func (r *Reconciler) Current() *RoomSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.room
}

// LastVersion is the version to send as lastVersion on room:join and
// room:request-sync, or -1 with nothing applied yet.
func (r *Reconciler) LastVersion() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.room == nil {
		return -1
	}
	return r.room.Version
}
