package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/songless-rooms/internal/auth"
	"github.com/DoyleJ11/songless-rooms/internal/engine"
	"github.com/DoyleJ11/songless-rooms/internal/rooms"
	pkgtypes "github.com/DoyleJ11/songless-rooms/pkg/types"
)

type Server struct {
	rooms *rooms.Service
	log   *zap.Logger
}

type playerBody struct {
	Name string `json:"name"`
	// AvatarKey stays raw so an explicit null can be told apart from an
	// absent key.
	AvatarKey json.RawMessage `json:"avatarKey"`
}

func (p *playerBody) input() (rooms.PlayerInput, error) {
	if p == nil {
		return rooms.PlayerInput{}, nil
	}
	in := rooms.PlayerInput{Name: p.Name}
	if p.AvatarKey == nil {
		return in, nil
	}
	if bytes.Equal(bytes.TrimSpace(p.AvatarKey), []byte("null")) {
		empty := ""
		in.AvatarKey = &empty
		return in, nil
	}
	var key string
	if err := json.Unmarshal(p.AvatarKey, &key); err != nil {
		return rooms.PlayerInput{}, engine.ErrInvalidAvatar
	}
	in.AvatarKey = &key
	return in, nil
}

type createRoomReq struct {
	Player     *playerBody `json:"player"`
	Mode       string      `json:"mode"`
	Difficulty string      `json:"difficulty"`
	Genre      string      `json:"genre"`
	Decade     string      `json:"decade"`
}

type joinRoomReq struct {
	Player *playerBody `json:"player"`
}

type guardReq struct {
	ExpectedRound   flexInt `json:"expectedRound"`
	ExpectedVersion flexInt `json:"expectedVersion"`
}

func (g guardReq) guard() (engine.Guard, error) {
	round, version := g.ExpectedRound.nonNegative(), g.ExpectedVersion.nonNegative()
	if round == nil || version == nil {
		return engine.Guard{}, engine.ErrGuardRequired
	}
	return engine.Guard{Round: *round, Version: *version}, nil
}

type guessReq struct {
	guardReq
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Guess  string `json:"guess"`
}

type chatReq struct {
	Message         string  `json:"message"`
	ExpectedVersion flexInt `json:"expectedVersion"`
}

type roomRes struct {
	Room *pkgtypes.RoomSnapshot `json:"room"`
}

type guessRes struct {
	Solved      bool                   `json:"solved"`
	Room        *pkgtypes.RoomSnapshot `json:"room"`
	GuessResult *string                `json:"guessResult"`
	GuessIndex  *int                   `json:"guessIndex"`
}

type chatRes struct {
	Message pkgtypes.ChatMessage `json:"message"`
	Version int                  `json:"version"`
}

type chatListRes struct {
	Chat []pkgtypes.ChatMessage `json:"chat"`
}

func (s *Server) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomReq
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, "rooms.create", err)
		return
	}
	in, err := req.Player.input()
	if err != nil {
		s.writeError(w, r, "rooms.create", err)
		return
	}

	room, err := s.rooms.Create(r.Context(), identity(r), in, engine.Settings{
		Mode:       req.Mode,
		Difficulty: req.Difficulty,
		Genre:      req.Genre,
		Decade:     req.Decade,
	})
	if err != nil {
		s.writeError(w, r, "rooms.create", err)
		return
	}
	writeJSON(w, http.StatusCreated, roomRes{Room: rooms.Snapshot(room)})
}

func (s *Server) JoinRoom(w http.ResponseWriter, r *http.Request) {
	var req joinRoomReq
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, "rooms.join", err)
		return
	}
	in, err := req.Player.input()
	if err != nil {
		s.writeError(w, r, "rooms.join", err)
		return
	}

	room, err := s.rooms.Join(r.Context(), roomCode(r), identity(r), in)
	if err != nil {
		s.writeError(w, r, "rooms.join", err)
		return
	}
	writeJSON(w, http.StatusOK, roomRes{Room: rooms.Snapshot(room)})
}

func (s *Server) RoomState(w http.ResponseWriter, r *http.Request) {
	room, err := s.rooms.State(r.Context(), roomCode(r), identity(r).ID)
	if err != nil {
		s.writeError(w, r, "rooms.state", err)
		return
	}
	writeJSON(w, http.StatusOK, roomRes{Room: rooms.Snapshot(room)})
}

type guardedOp func(ctx context.Context, code, playerID string, g engine.Guard) (*engine.Room, error)

// guarded runs a host command that carries only the round/version guard.
func (s *Server) guarded(op string, fn guardedOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req guardReq
		if err := decodeBody(w, r, &req); err != nil {
			s.writeError(w, r, op, err)
			return
		}
		g, err := req.guard()
		if err != nil {
			s.writeError(w, r, op, err)
			return
		}
		room, err := fn(r.Context(), roomCode(r), identity(r).ID, g)
		if err != nil {
			s.writeError(w, r, op, err)
			return
		}
		writeJSON(w, http.StatusOK, roomRes{Room: rooms.Snapshot(room)})
	}
}

func (s *Server) StartRoom(w http.ResponseWriter, r *http.Request) {
	s.guarded("rooms.start", s.rooms.Start)(w, r)
}

func (s *Server) NextRound(w http.ResponseWriter, r *http.Request) {
	s.guarded("rooms.next", s.rooms.Next)(w, r)
}

func (s *Server) SkipHint(w http.ResponseWriter, r *http.Request) {
	s.guarded("rooms.skip", s.rooms.Skip)(w, r)
}

func (s *Server) SubmitGuess(w http.ResponseWriter, r *http.Request) {
	var req guessReq
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, "rooms.guess", err)
		return
	}
	g, err := req.guard()
	if err != nil {
		s.writeError(w, r, "rooms.guess", err)
		return
	}

	res, err := s.rooms.Guess(r.Context(), roomCode(r), identity(r).ID, g, engine.ParseGuess(req.Title, req.Artist, req.Guess))
	if err != nil {
		s.writeError(w, r, "rooms.guess", err)
		return
	}
	out := guessRes{Solved: res.Solved, Room: rooms.Snapshot(res.Room), GuessIndex: res.Index}
	if res.Result != nil {
		result := string(*res.Result)
		out.GuessResult = &result
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) SendChat(w http.ResponseWriter, r *http.Request) {
	var req chatReq
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, "rooms.chat", err)
		return
	}

	msg, version, err := s.rooms.SendChat(r.Context(), roomCode(r), identity(r).ID, req.Message, req.ExpectedVersion.nonNegative())
	if err != nil {
		s.writeError(w, r, "rooms.chat", err)
		return
	}
	writeJSON(w, http.StatusCreated, chatRes{Message: rooms.ChatSnapshot(msg), Version: version})
}

func (s *Server) ListChat(w http.ResponseWriter, r *http.Request) {
	limit := engine.NormalizeChatLimit(r.URL.Query().Get("limit"))
	msgs, err := s.rooms.ListChat(r.Context(), roomCode(r), identity(r).ID, limit)
	if err != nil {
		s.writeError(w, r, "rooms.chat_list", err)
		return
	}
	writeJSON(w, http.StatusOK, chatListRes{Chat: rooms.ChatSnapshots(msgs)})
}

func (s *Server) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.rooms.Leave(r.Context(), roomCode(r), identity(r).ID)
	if err != nil {
		s.writeError(w, r, "rooms.leave", err)
		return
	}
	writeJSON(w, http.StatusOK, roomRes{Room: rooms.Snapshot(room)})
}

func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339),
	})
}

// Healthz reports readiness of the backing store.
func Healthz(ready func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "Store unavailable"})
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}

func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

func roomCode(r *http.Request) string {
	return engine.NormalizeRoomCode(chi.URLParam(r, "code"))
}

func requestIDFrom(r *http.Request) string {
	return chimw.GetReqID(r.Context())
}
