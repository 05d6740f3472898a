package engine

import (
	"slices"
	"time"
)

type Status string

const (
	StatusLobby  Status = "lobby"
	StatusActive Status = "active"
)

// Outcome is one entry of a player's per-round guess history.
type Outcome string

const (
	OutcomeMiss   Outcome = "miss"
	OutcomeArtist Outcome = "artist"
	OutcomeSolved Outcome = "solved"
	OutcomeSkip   Outcome = "skip"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeMiss, OutcomeArtist, OutcomeSolved, OutcomeSkip:
		return true
	}
	return false
}

const (
	RoundDurationMs   int64 = 120_000
	MaxAttempts             = 6
	MaxHintIndex            = 5
	CorrectGuessScore       = 1
)

type Settings struct {
	Mode       string `json:"mode,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
	Genre      string `json:"genre,omitempty"`
	Decade     string `json:"decade,omitempty"`
}

// Track is the denormalized song a round is played against.
type Track struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	PreviewURL string `json:"previewUrl"`
	DurationMs int64  `json:"durationMs"`
	ArtworkURL string `json:"artworkUrl,omitempty"`
	Link       string `json:"link,omitempty"`
}

type Player struct {
	ID           string
	Name         string
	AvatarKey    string
	Score        int
	Solved       bool
	GuessResults []Outcome
	SolvedAtMs   *int64
	JoinedAt     time.Time
}

type ChatMessage struct {
	ID              int64
	SenderID        string
	SenderName      string
	SenderAvatarKey string
	Message         string
	CreatedAt       time.Time
}

// Room is the authoritative record for one game room. Players are kept in
// join order; the first entry is the earliest joined member.
type Room struct {
	Code             string
	HostID           string
	Status           Status
	Round            int
	Version          int
	HintIndex        int
	Settings         Settings
	CurrentTrack     *Track
	RoundStartedAtMs *int64
	CreatedAt        time.Time
	Players          []Player

	// Chat holds the most recent messages, oldest first. Stores fill it on
	// read; mutations never write through it.
	Chat []ChatMessage
}

func (r *Room) Player(id string) *Player {
	for i := range r.Players {
		if r.Players[i].ID == id {
			return &r.Players[i]
		}
	}
	return nil
}

func (r *Room) IsMember(id string) bool { return r.Player(id) != nil }

func (r *Room) CurrentTrackID() string {
	if r.CurrentTrack == nil {
		return ""
	}
	return r.CurrentTrack.ID
}

// RoundEndsAtMs returns nil until the first round has started.
func (r *Room) RoundEndsAtMs() *int64 {
	if r.RoundStartedAtMs == nil {
		return nil
	}
	ends := *r.RoundStartedAtMs + RoundDurationMs
	return &ends
}

// IsRoundExpired reports whether an active round's timer has lapsed at nowMs.
func (r *Room) IsRoundExpired(nowMs int64) bool {
	if r.Status != StatusActive {
		return false
	}
	ends := r.RoundEndsAtMs()
	if ends == nil {
		return false
	}
	return nowMs >= *ends
}

// Clone returns a deep copy so callers can hand rooms across goroutines.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	c := *r
	if r.CurrentTrack != nil {
		t := *r.CurrentTrack
		c.CurrentTrack = &t
	}
	c.RoundStartedAtMs = clonePtr(r.RoundStartedAtMs)
	c.Players = make([]Player, len(r.Players))
	for i, p := range r.Players {
		p.GuessResults = slices.Clone(p.GuessResults)
		p.SolvedAtMs = clonePtr(p.SolvedAtMs)
		c.Players[i] = p
	}
	c.Chat = slices.Clone(r.Chat)
	return &c
}

func clonePtr(v *int64) *int64 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}
