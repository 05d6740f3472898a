package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/songless-rooms/internal/auth"
	"github.com/DoyleJ11/songless-rooms/internal/rooms"
)

type Deps struct {
	Rooms    *rooms.Service
	Verifier *auth.Verifier
	// Socket serves the push channel at /ws. Optional.
	Socket  http.Handler
	Origins []string
	// Ready backs /healthz. Optional.
	Ready func(ctx context.Context) error
	Log   *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	s := &Server{rooms: d.Rooms, log: d.Log}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimw.RealIP)
	r.Use(accessLog(d.Log))
	r.Use(chimw.Recoverer)
	r.Use(cors(d.Origins))

	// Public routes
	r.Get("/health", Health)
	r.Get("/api/health", Health)
	r.Get("/healthz", Healthz(d.Ready))
	if d.Socket != nil {
		r.Handle("/ws", d.Socket)
	}

	mount := func(r chi.Router) {
		r.Use(jsonContentType)
		r.Use(auth.Middleware(d.Verifier))

		r.Post("/", s.CreateRoom)
		r.Route("/{code}", func(r chi.Router) {
			r.Get("/state", s.RoomState)
			r.Post("/join", s.JoinRoom)
			r.Post("/start", s.StartRoom)
			r.Post("/next", s.NextRound)
			r.Post("/skip", s.SkipHint)
			r.Post("/guess", s.SubmitGuess)
			r.Get("/chat", s.ListChat)
			r.Post("/chat", s.SendChat)
			r.Post("/leave", s.LeaveRoom)
		})
	}
	r.Route("/rooms", mount)
	r.Route("/api/rooms", mount)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Not found"})
	})
	return r
}
