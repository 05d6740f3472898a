package tracks

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"

	"github.com/DoyleJ11/songless-rooms/internal/engine"
)

//go:embed catalog.json
var defaultCatalog []byte

// Static serves tracks from a fixed list. It backs local development and
// tests where reaching Deezer is not an option.
type Static struct {
	tracks []engine.Track
	intn   func(n int) int
}

var _ Provider = (*Static)(nil)

func NewStatic(tracks []engine.Track) *Static {
	playable := make([]engine.Track, 0, len(tracks))
	for _, t := range tracks {
		if t.ID != "" && t.PreviewURL != "" {
			playable = append(playable, t)
		}
	}
	return &Static{tracks: playable, intn: rand.IntN}
}

// NewDefaultStatic loads the catalog bundled with the binary.
func NewDefaultStatic() (*Static, error) {
	var tracks []engine.Track
	if err := json.Unmarshal(defaultCatalog, &tracks); err != nil {
		return nil, fmt.Errorf("decode bundled catalog: %w", err)
	}
	return NewStatic(tracks), nil
}

func (s *Static) RandomPlayableTrack(ctx context.Context) (engine.Track, error) {
	if err := ctx.Err(); err != nil {
		return engine.Track{}, err
	}
	if len(s.tracks) == 0 {
		return engine.Track{}, &Error{
			Status:  http.StatusServiceUnavailable,
			Code:    "TRACK_CATALOG_EMPTY",
			Message: "No playable tracks configured.",
		}
	}
	return s.tracks[s.intn(len(s.tracks))], nil
}
