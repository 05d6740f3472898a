package tracks

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/songless-rooms/internal/engine"
)

const playlistBody = `{
  "id": 908622995,
  "title": "Top Hits",
  "tracks": {"data": [
    {"id": 1, "title": "No Preview", "duration": 200, "preview": "", "artist": {"name": "Nobody"}},
    {"id": 2, "title": "", "duration": 180, "preview": "https://cdn.example/2.mp3", "link": "https://deezer.example/2",
     "artist": {"name": ""}, "album": {"cover_medium": "https://img.example/2.jpg"}}
  ]}
}`

type fakeDeezer struct {
	searches  atomic.Int32
	playlists atomic.Int32
	status    int
	body      string
}

func (f *fakeDeezer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/search/playlist", func(w http.ResponseWriter, r *http.Request) {
		f.searches.Add(1)
		if r.URL.Query().Get("q") == "empty" {
			fmt.Fprint(w, `{"data": []}`)
			return
		}
		fmt.Fprint(w, `{"data": [{"id": 908622995}]}`)
	})
	mux.HandleFunc("/playlist/", func(w http.ResponseWriter, r *http.Request) {
		f.playlists.Add(1)
		if f.status != 0 {
			w.WriteHeader(f.status)
			return
		}
		fmt.Fprint(w, f.body)
	})
	return mux
}

func newTestDeezer(t *testing.T, f *fakeDeezer, cfg DeezerConfig) *Deezer {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL
	d := NewDeezer(cfg, zap.NewNop())
	d.intn = func(int) int { return 0 }
	return d
}

func TestDeezer_SearchesPlaylistAndFiltersUnplayable(t *testing.T) {
	f := &fakeDeezer{body: playlistBody}
	d := newTestDeezer(t, f, DeezerConfig{})

	track, err := d.RandomPlayableTrack(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.Track{
		ID:         "2",
		Title:      "Untitled",
		Artist:     "Unknown Artist",
		PreviewURL: "https://cdn.example/2.mp3",
		DurationMs: 180_000,
		ArtworkURL: "https://img.example/2.jpg",
		Link:       "https://deezer.example/2",
	}, track)
	assert.EqualValues(t, 1, f.searches.Load())
}

func TestDeezer_CachesPlaylistUntilTTL(t *testing.T) {
	f := &fakeDeezer{body: playlistBody}
	d := newTestDeezer(t, f, DeezerConfig{PlaylistID: "908622995", CacheTTL: time.Minute})
	now := time.Now()
	d.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := d.RandomPlayableTrack(context.Background())
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, f.playlists.Load())
	assert.EqualValues(t, 0, f.searches.Load(), "configured playlist id skips search")

	now = now.Add(2 * time.Minute)
	_, err := d.RandomPlayableTrack(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.playlists.Load())
}

func TestDeezer_ConcurrentMissesShareOneFetch(t *testing.T) {
	f := &fakeDeezer{body: playlistBody}
	d := newTestDeezer(t, f, DeezerConfig{PlaylistID: "1"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.RandomPlayableTrack(context.Background())
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, f.playlists.Load(), int32(8))
	assert.GreaterOrEqual(t, f.playlists.Load(), int32(1))
}

func TestDeezer_Errors(t *testing.T) {
	cases := []struct {
		name       string
		fake       *fakeDeezer
		cfg        DeezerConfig
		wantStatus int
		wantCode   string
	}{
		{name: "upstream 5xx", fake: &fakeDeezer{status: http.StatusInternalServerError}, cfg: DeezerConfig{PlaylistID: "1"}, wantStatus: http.StatusBadGateway, wantCode: "DEEZER_UPSTREAM_ERROR"},
		{name: "empty playlist", fake: &fakeDeezer{body: `{"id": 1, "tracks": {"data": []}}`}, cfg: DeezerConfig{PlaylistID: "1"}, wantStatus: http.StatusBadGateway, wantCode: "DEEZER_EMPTY_PLAYLIST"},
		{name: "no search hits", fake: &fakeDeezer{body: playlistBody}, cfg: DeezerConfig{PlaylistQuery: "empty"}, wantStatus: http.StatusServiceUnavailable, wantCode: "DEEZER_PLAYLIST_NOT_FOUND"},
		{name: "error body", fake: &fakeDeezer{body: `{"error": {"type": "DataException", "message": "no data", "code": 800}}`}, cfg: DeezerConfig{PlaylistID: "1"}, wantStatus: http.StatusBadGateway, wantCode: "DEEZER_UPSTREAM_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := newTestDeezer(t, tc.fake, tc.cfg)
			_, err := d.RandomPlayableTrack(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, engine.ErrTrackUnavailable)
			status, code := StatusOf(err)
			assert.Equal(t, tc.wantStatus, status)
			assert.Equal(t, tc.wantCode, code)
		})
	}
}

func TestStatic(t *testing.T) {
	s, err := NewDefaultStatic()
	require.NoError(t, err)
	track, err := s.RandomPlayableTrack(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, track.PreviewURL)

	empty := NewStatic([]engine.Track{{ID: "1", Title: "No preview"}})
	_, err = empty.RandomPlayableTrack(context.Background())
	assert.ErrorIs(t, err, engine.ErrTrackUnavailable)
}
