package tracks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/DoyleJ11/songless-rooms/internal/engine"
)

const (
	DefaultDeezerBaseURL = "https://api.deezer.com"
	DefaultPlaylistQuery = "top"
	DefaultCacheTTL      = 5 * time.Minute
	DefaultTimeout       = 12 * time.Second
)

type DeezerConfig struct {
	BaseURL       string
	PlaylistID    string
	PlaylistQuery string
	CacheTTL      time.Duration
	Timeout       time.Duration
}

// Deezer draws tracks from one Deezer playlist. The playlist is either
// configured by id or discovered by search, and its tracks are cached.
type Deezer struct {
	cfg   DeezerConfig
	http  *http.Client
	log   *zap.Logger
	group singleflight.Group
	now   func() time.Time
	intn  func(n int) int

	mu        sync.Mutex
	cacheKey  string
	expiresAt time.Time
	tracks    []engine.Track
}

var _ Provider = (*Deezer)(nil)

func NewDeezer(cfg DeezerConfig, log *zap.Logger) *Deezer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultDeezerBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if strings.TrimSpace(cfg.PlaylistQuery) == "" {
		cfg.PlaylistQuery = DefaultPlaylistQuery
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Deezer{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
		now:  time.Now,
		intn: rand.IntN,
	}
}

func (d *Deezer) RandomPlayableTrack(ctx context.Context) (engine.Track, error) {
	tracks, err := d.playlistTracks(ctx)
	if err != nil {
		return engine.Track{}, err
	}
	return tracks[d.intn(len(tracks))], nil
}

func (d *Deezer) playlistTracks(ctx context.Context) ([]engine.Track, error) {
	playlistID, err := d.resolvePlaylistID(ctx)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.cacheKey == playlistID && d.now().Before(d.expiresAt) && len(d.tracks) > 0 {
		tracks := d.tracks
		d.mu.Unlock()
		return tracks, nil
	}
	d.mu.Unlock()

	v, err, _ := d.group.Do(playlistID, func() (any, error) {
		tracks, err := d.fetchPlaylist(ctx, playlistID)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.cacheKey = playlistID
		d.tracks = tracks
		d.expiresAt = d.now().Add(d.cfg.CacheTTL)
		d.mu.Unlock()
		d.log.Info("tracks.deezer.playlist_cached",
			zap.String("playlist_id", playlistID),
			zap.Int("tracks", len(tracks)))
		return tracks, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]engine.Track), nil
}

type deezerPlaylistSearch struct {
	Data []struct {
		ID json.Number `json:"id"`
	} `json:"data"`
}

type deezerTrack struct {
	ID       json.Number `json:"id"`
	Title    string      `json:"title"`
	Duration int64       `json:"duration"`
	Preview  string      `json:"preview"`
	Link     string      `json:"link"`
	Artist   struct {
		Name          string `json:"name"`
		PictureMedium string `json:"picture_medium"`
	} `json:"artist"`
	Album struct {
		Cover       string `json:"cover"`
		CoverMedium string `json:"cover_medium"`
	} `json:"album"`
}

type deezerPlaylist struct {
	ID     json.Number `json:"id"`
	Title  string      `json:"title"`
	Tracks struct {
		Data []deezerTrack `json:"data"`
	} `json:"tracks"`
	// Deezer reports some failures with a 200 and an error body.
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (d *Deezer) resolvePlaylistID(ctx context.Context) (string, error) {
	if id := strings.TrimSpace(d.cfg.PlaylistID); id != "" {
		return id, nil
	}

	q := url.Values{}
	q.Set("q", d.cfg.PlaylistQuery)
	q.Set("limit", "1")

	var res deezerPlaylistSearch
	if err := d.getJSON(ctx, "/search/playlist?"+q.Encode(), &res); err != nil {
		return "", err
	}
	for _, p := range res.Data {
		if id := p.ID.String(); id != "" && id != "0" {
			return id, nil
		}
	}
	return "", &Error{
		Status:  http.StatusServiceUnavailable,
		Code:    "DEEZER_PLAYLIST_NOT_FOUND",
		Message: fmt.Sprintf("No Deezer playlists found for query %q.", d.cfg.PlaylistQuery),
	}
}

func (d *Deezer) fetchPlaylist(ctx context.Context, playlistID string) ([]engine.Track, error) {
	var pl deezerPlaylist
	if err := d.getJSON(ctx, "/playlist/"+url.PathEscape(playlistID), &pl); err != nil {
		return nil, err
	}
	if pl.Error != nil {
		return nil, &Error{
			Status:  http.StatusBadGateway,
			Code:    "DEEZER_UPSTREAM_ERROR",
			Message: "Deezer rejected the playlist request.",
			Err:     errors.New(pl.Error.Message),
		}
	}

	tracks := make([]engine.Track, 0, len(pl.Tracks.Data))
	for _, t := range pl.Tracks.Data {
		if track, ok := parsePlayableTrack(t); ok {
			tracks = append(tracks, track)
		}
	}
	if len(tracks) == 0 {
		return nil, &Error{
			Status:  http.StatusBadGateway,
			Code:    "DEEZER_EMPTY_PLAYLIST",
			Message: "No playable Deezer tracks found in playlist.",
		}
	}
	return tracks, nil
}

func parsePlayableTrack(t deezerTrack) (engine.Track, bool) {
	id := t.ID.String()
	if id == "" || id == "0" || t.Preview == "" {
		return engine.Track{}, false
	}
	track := engine.Track{
		ID:         id,
		Title:      t.Title,
		Artist:     t.Artist.Name,
		PreviewURL: t.Preview,
		DurationMs: t.Duration * 1000,
		Link:       t.Link,
	}
	if track.Title == "" {
		track.Title = "Untitled"
	}
	if track.Artist == "" {
		track.Artist = "Unknown Artist"
	}
	switch {
	case t.Album.CoverMedium != "":
		track.ArtworkURL = t.Album.CoverMedium
	case t.Album.Cover != "":
		track.ArtworkURL = t.Album.Cover
	default:
		track.ArtworkURL = t.Artist.PictureMedium
	}
	return track, true
}

func (d *Deezer) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.BaseURL+path, nil)
	if err != nil {
		return &Error{Status: http.StatusBadGateway, Code: "DEEZER_REQUEST_FAILED", Message: "Failed to build Deezer request.", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return &Error{Status: http.StatusGatewayTimeout, Code: "DEEZER_TIMEOUT", Message: "Deezer request timed out.", Err: err}
		}
		return &Error{Status: http.StatusBadGateway, Code: "DEEZER_REQUEST_FAILED", Message: "Failed to reach Deezer.", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &Error{Status: http.StatusBadGateway, Code: "DEEZER_AUTH_FAILED", Message: "Deezer API rejected request."}
	case resp.StatusCode == http.StatusNotFound:
		return &Error{Status: http.StatusNotFound, Code: "DEEZER_NOT_FOUND", Message: "Deezer resource was not found."}
	case resp.StatusCode >= 500:
		return &Error{Status: http.StatusBadGateway, Code: "DEEZER_UPSTREAM_ERROR", Message: "Deezer is temporarily unavailable."}
	case resp.StatusCode >= 300:
		return &Error{Status: http.StatusBadGateway, Code: "DEEZER_REQUEST_FAILED", Message: "Deezer returned " + strconv.Itoa(resp.StatusCode) + "."}
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return &Error{Status: http.StatusBadGateway, Code: "DEEZER_REQUEST_FAILED", Message: "Malformed Deezer response.", Err: err}
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue) && ue.Timeout()
}
