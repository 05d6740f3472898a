package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/DoyleJ11/songless-rooms/internal/engine"
)

// jsonColumn stores any value as a JSONB column.
type jsonColumn[T any] struct {
	V T
}

func (c jsonColumn[T]) Value() (driver.Value, error) {
	b, err := json.Marshal(c.V)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (c *jsonColumn[T]) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		var zero T
		c.V = zero
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("jsonColumn: unsupported source %T", src)
	}
	return json.Unmarshal(raw, &c.V)
}

type roomRecord struct {
	Code             string `gorm:"primaryKey"`
	HostID           string
	Status           string
	Round            int
	StateVersion     int
	HintIndex        int
	Settings         jsonColumn[engine.Settings] `gorm:"type:jsonb"`
	CurrentTrackID   *string
	CurrentTrack     jsonColumn[*engine.Track] `gorm:"type:jsonb"`
	RoundStartedAtMs *int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (roomRecord) TableName() string { return "game_rooms" }

type playerRecord struct {
	RoomCode      string `gorm:"primaryKey"`
	PlayerID      string `gorm:"primaryKey"`
	Name          string
	AvatarKey     *string
	Score         int
	Solved        bool
	RoundProgress jsonColumn[[]engine.Outcome] `gorm:"type:jsonb"`
	SolvedAtMs    *int64
	JoinedAt      time.Time
}

func (playerRecord) TableName() string { return "game_room_players" }

type chatRecord struct {
	ID              int64 `gorm:"primaryKey;autoIncrement"`
	RoomCode        string
	SenderID        string
	SenderName      string
	SenderAvatarKey *string
	Message         string
	CreatedAt       time.Time
}

func (chatRecord) TableName() string { return "game_room_chat_messages" }

func toRoomRecord(r *engine.Room) roomRecord {
	rec := roomRecord{
		Code:             r.Code,
		HostID:           r.HostID,
		Status:           string(r.Status),
		Round:            r.Round,
		StateVersion:     r.Version,
		HintIndex:        r.HintIndex,
		Settings:         jsonColumn[engine.Settings]{V: r.Settings},
		CurrentTrack:     jsonColumn[*engine.Track]{V: r.CurrentTrack},
		RoundStartedAtMs: r.RoundStartedAtMs,
		CreatedAt:        r.CreatedAt,
	}
	if id := r.CurrentTrackID(); id != "" {
		rec.CurrentTrackID = &id
	}
	return rec
}

func toPlayerRecord(code string, p engine.Player) playerRecord {
	return playerRecord{
		RoomCode:      code,
		PlayerID:      p.ID,
		Name:          p.Name,
		AvatarKey:     nullable(p.AvatarKey),
		Score:         p.Score,
		Solved:        p.Solved,
		RoundProgress: jsonColumn[[]engine.Outcome]{V: p.GuessResults},
		SolvedAtMs:    p.SolvedAtMs,
		JoinedAt:      p.JoinedAt,
	}
}

func fromRecords(rr roomRecord, players []playerRecord, chat []chatRecord) *engine.Room {
	r := &engine.Room{
		Code:             rr.Code,
		HostID:           rr.HostID,
		Status:           engine.Status(rr.Status),
		Round:            rr.Round,
		Version:          rr.StateVersion,
		HintIndex:        rr.HintIndex,
		Settings:         rr.Settings.V,
		CurrentTrack:     rr.CurrentTrack.V,
		RoundStartedAtMs: rr.RoundStartedAtMs,
		CreatedAt:        rr.CreatedAt,
		Players:          make([]engine.Player, 0, len(players)),
	}
	for _, p := range players {
		r.Players = append(r.Players, engine.Player{
			ID:           p.PlayerID,
			Name:         p.Name,
			AvatarKey:    deref(p.AvatarKey),
			Score:        p.Score,
			Solved:       p.Solved,
			GuessResults: validOutcomes(p.RoundProgress.V),
			SolvedAtMs:   p.SolvedAtMs,
			JoinedAt:     p.JoinedAt,
		})
	}
	r.Chat = fromChatRecords(chat)
	return r
}

func fromChatRecords(recs []chatRecord) []engine.ChatMessage {
	out := make([]engine.ChatMessage, 0, len(recs))
	for _, c := range recs {
		out = append(out, engine.ChatMessage{
			ID:              c.ID,
			SenderID:        c.SenderID,
			SenderName:      c.SenderName,
			SenderAvatarKey: deref(c.SenderAvatarKey),
			Message:         c.Message,
			CreatedAt:       c.CreatedAt,
		})
	}
	return out
}

// validOutcomes drops unknown entries and clamps to the attempt limit.
func validOutcomes(in []engine.Outcome) []engine.Outcome {
	out := make([]engine.Outcome, 0, len(in))
	for _, o := range in {
		if o.Valid() && len(out) < engine.MaxAttempts {
			out = append(out, o)
		}
	}
	return out
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
