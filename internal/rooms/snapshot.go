package rooms

import (
	"strconv"

	"github.com/DoyleJ11/songless-rooms/internal/engine"
	pkgtypes "github.com/DoyleJ11/songless-rooms/pkg/types"
)

// Snapshot projects a room onto its wire shape. A nil room yields nil.
func Snapshot(r *engine.Room) *pkgtypes.RoomSnapshot {
	if r == nil {
		return nil
	}
	snap := &pkgtypes.RoomSnapshot{
		Code:      r.Code,
		HostID:    r.HostID,
		Players:   make(map[string]pkgtypes.PlayerSnapshot, len(r.Players)),
		Status:    string(r.Status),
		Round:     r.Round,
		Version:   r.Version,
		HintIndex: r.HintIndex,
		Settings: pkgtypes.Settings{
			Mode:       r.Settings.Mode,
			Difficulty: r.Settings.Difficulty,
			Genre:      r.Settings.Genre,
			Decade:     r.Settings.Decade,
		},
		CreatedAt:        r.CreatedAt,
		RoundStartedAtMs: r.RoundStartedAtMs,
		RoundEndsAtMs:    r.RoundEndsAtMs(),
		RoundMaxAttempts: engine.MaxAttempts,
		Chat:             ChatSnapshots(r.Chat),
	}
	if t := r.CurrentTrack; t != nil {
		id := t.ID
		snap.CurrentTrackID = &id
		snap.CurrentTrack = &pkgtypes.Track{
			ID:         t.ID,
			Title:      t.Title,
			Artist:     t.Artist,
			PreviewURL: t.PreviewURL,
			DurationMs: t.DurationMs,
			ArtworkURL: t.ArtworkURL,
			Link:       t.Link,
		}
	}
	for _, p := range r.Players {
		results := make([]string, len(p.GuessResults))
		for i, o := range p.GuessResults {
			results[i] = string(o)
		}
		ps := pkgtypes.PlayerSnapshot{
			ID:           p.ID,
			Name:         p.Name,
			AvatarKey:    optional(p.AvatarKey),
			Score:        p.Score,
			Solved:       p.Solved,
			GuessResults: results,
			SolvedAtMs:   p.SolvedAtMs,
		}
		if p.SolvedAtMs != nil && r.RoundStartedAtMs != nil {
			elapsed := max(*p.SolvedAtMs-*r.RoundStartedAtMs, 0)
			ps.RoundTimeMs = &elapsed
		}
		snap.Players[p.ID] = ps
	}
	return snap
}

func ChatSnapshot(m engine.ChatMessage) pkgtypes.ChatMessage {
	return pkgtypes.ChatMessage{
		ID:         strconv.FormatInt(m.ID, 10),
		PlayerID:   m.SenderID,
		PlayerName: m.SenderName,
		AvatarKey:  optional(m.SenderAvatarKey),
		Message:    m.Message,
		CreatedAt:  m.CreatedAt,
	}
}

func ChatSnapshots(msgs []engine.ChatMessage) []pkgtypes.ChatMessage {
	out := make([]pkgtypes.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ChatSnapshot(m))
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
