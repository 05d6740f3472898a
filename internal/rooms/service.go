// Package rooms runs the multiplayer room lifecycle on top of a store, a
// track provider and a publisher. Every operation first resolves an expired
// round, then applies its own guarded mutation.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/DoyleJ11/songless-rooms/internal/auth"
	"github.com/DoyleJ11/songless-rooms/internal/engine"
	"github.com/DoyleJ11/songless-rooms/internal/store"
	"github.com/DoyleJ11/songless-rooms/internal/tracks"
	pkgtypes "github.com/DoyleJ11/songless-rooms/pkg/types"
)

// Publisher pushes room events to connected clients.
type Publisher interface {
	PublishUpdate(ctx context.Context, code string, update pkgtypes.RoomUpdate)
	PublishChat(ctx context.Context, code string, chat pkgtypes.RoomChat)
	PublishClosed(ctx context.Context, code string)
}

type Service struct {
	store  store.Store
	tracks tracks.Provider
	pub    Publisher
	log    *zap.Logger
	now    func() time.Time

	// draws collapses concurrent track fetches for the same expired round.
	draws singleflight.Group
}

func NewService(st store.Store, tp tracks.Provider, pub Publisher, log *zap.Logger) *Service {
	return &Service{
		store:  st,
		tracks: tp,
		pub:    pub,
		log:    log,
		now:    time.Now,
	}
}

// PlayerInput is the optional player block of a create or join request.
// AvatarKey nil means the caller did not send one.
type PlayerInput struct {
	Name      string
	AvatarKey *string
}

// ResolvePlayer merges request input over the authenticated identity.
func ResolvePlayer(id auth.Identity, in PlayerInput) (engine.Player, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = strings.TrimSpace(id.DisplayName)
	}
	if name == "" {
		name = "Player"
	}

	avatar := engine.SanitizeAvatarKey(id.AvatarKey)
	if in.AvatarKey != nil {
		avatar = ""
		if raw := *in.AvatarKey; raw != "" {
			avatar = engine.SanitizeAvatarKey(raw)
			if avatar == "" {
				return engine.Player{}, engine.ErrInvalidAvatar
			}
		}
	}
	return engine.Player{ID: id.ID, Name: name, AvatarKey: avatar}, nil
}

func (s *Service) Create(ctx context.Context, id auth.Identity, in PlayerInput, settings engine.Settings) (*engine.Room, error) {
	host, err := ResolvePlayer(id, in)
	if err != nil {
		return nil, err
	}
	room, err := s.store.CreateRoom(ctx, host, settings)
	if err != nil {
		s.log.Error("rooms.create.failure", zap.String("host_id", id.ID), zap.Error(err))
		return nil, err
	}
	s.log.Info("rooms.create.success", zap.String("room_code", room.Code), zap.String("host_id", id.ID))
	s.publishUpdate(ctx, room, pkgtypes.MetaRoomCreated, id.ID, "")
	return room, nil
}

func (s *Service) Join(ctx context.Context, code string, id auth.Identity, in PlayerInput) (*engine.Room, error) {
	p, err := ResolvePlayer(id, in)
	if err != nil {
		return nil, err
	}
	room, err := s.store.AddPlayer(ctx, code, p)
	if err != nil {
		return nil, err
	}
	s.log.Info("rooms.join.success", zap.String("room_code", code), zap.String("player_id", id.ID))
	s.publishUpdate(ctx, room, pkgtypes.MetaPlayerJoined, id.ID, "")

	room, _, err = s.maybeAdvance(ctx, room, id.ID)
	return room, err
}

// State returns the room as playerID sees it, advancing an expired round
// first.
func (s *Service) State(ctx context.Context, code, playerID string) (*engine.Room, error) {
	room, err := s.memberRoom(ctx, code, playerID)
	if err != nil {
		return nil, err
	}
	room, _, err = s.maybeAdvance(ctx, room, playerID)
	return room, err
}

func (s *Service) Start(ctx context.Context, code, playerID string, g engine.Guard) (*engine.Room, error) {
	return s.beginRound(ctx, code, playerID, g, engine.CheckStart, engine.Start, pkgtypes.MetaRoundStarted)
}

// Next lets the host end the active round early.
func (s *Service) Next(ctx context.Context, code, playerID string, g engine.Guard) (*engine.Room, error) {
	before, err := s.store.GetRoom(ctx, code)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.maybeAdvance(ctx, before, playerID); err != nil {
		return nil, err
	}
	return s.beginRound(ctx, code, playerID, g, engine.CheckNext, engine.Next, pkgtypes.MetaRoundAdvanced)
}

type (
	roundCheck func(r *engine.Room, actorID string, g engine.Guard) error
	roundApply func(r *engine.Room, actorID string, g engine.Guard, track engine.Track, nowMs int64) error
)

// beginRound runs check against the stored room, draws a track outside the
// room lock, then applies the transition guarded by g. A provider failure
// leaves the room untouched.
func (s *Service) beginRound(ctx context.Context, code, playerID string, g engine.Guard, check roundCheck, apply roundApply, event string) (*engine.Room, error) {
	before, err := s.store.GetRoom(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := check(before, playerID, g); err != nil {
		return nil, engine.AttachRoom(err, before)
	}

	track, err := s.drawTrack(ctx)
	if err != nil {
		s.log.Warn("rooms.round.track_failure", zap.String("room_code", code), zap.String("event", event), zap.Error(err))
		return nil, err
	}

	room, err := s.store.Update(ctx, code, func(r *engine.Room) error {
		return apply(r, playerID, g, track, s.nowMs())
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("rooms.round.success",
		zap.String("room_code", code),
		zap.String("event", event),
		zap.String("host_id", playerID),
		zap.Int("round", room.Round),
		zap.String("track_id", track.ID))
	s.publishUpdate(ctx, room, event, playerID, track.ID)
	return room, nil
}

func (s *Service) Skip(ctx context.Context, code, playerID string, g engine.Guard) (*engine.Room, error) {
	before, err := s.store.GetRoom(ctx, code)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.maybeAdvance(ctx, before, playerID); err != nil {
		return nil, err
	}

	room, err := s.store.Update(ctx, code, func(r *engine.Room) error {
		return engine.Skip(r, playerID, g, s.nowMs())
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("rooms.skip.success", zap.String("room_code", code), zap.Int("hint_index", room.HintIndex))
	s.publishUpdate(ctx, room, pkgtypes.MetaHintSkipped, playerID, "")
	return room, nil
}

type GuessResult struct {
	Solved bool
	Room   *engine.Room
	// Result and Index are nil when nothing was recorded.
	Result *engine.Outcome
	Index  *int
}

func (s *Service) Guess(ctx context.Context, code, playerID string, g engine.Guard, in engine.GuessInput) (GuessResult, error) {
	room, err := s.memberRoom(ctx, code, playerID)
	if err != nil {
		return GuessResult{}, err
	}
	round := room.Round
	room, advanced, err := s.maybeAdvance(ctx, room, playerID)
	if err != nil {
		return GuessResult{}, err
	}
	// The guess was aimed at a round that has just ended, whether this
	// request or a concurrent one moved the room on.
	if advanced || room.Round != round {
		return GuessResult{}, &engine.ConflictError{
			Code:    engine.CodePhaseConflict,
			Message: "Round is not active. Sync room state.",
			Room:    room,
		}
	}

	var out engine.GuessOutcome
	room, err = s.store.Update(ctx, code, func(r *engine.Room) error {
		o, err := engine.Guess(r, playerID, g, in, s.nowMs())
		if err != nil {
			return err
		}
		out = o
		if !o.Changed {
			return engine.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return GuessResult{}, err
	}

	res := GuessResult{Solved: out.Solved, Room: room}
	if out.Changed || out.Solved {
		result, index := out.Result, out.Index
		res.Result, res.Index = &result, &index
	}
	if out.Changed {
		event := pkgtypes.MetaPlayerGuessResult
		if out.Solved {
			event = pkgtypes.MetaPlayerSolved
		}
		s.log.Info("rooms.guess.success",
			zap.String("room_code", code),
			zap.String("player_id", playerID),
			zap.String("result", string(out.Result)),
			zap.Int("guess_index", out.Index))
		s.publishUpdate(ctx, room, event, playerID, "")
	}
	return res, nil
}

// SendChat stores a sanitized message. expectedVersion is optional.
func (s *Service) SendChat(ctx context.Context, code, playerID, raw string, expectedVersion *int) (engine.ChatMessage, int, error) {
	text, err := engine.SanitizeChatMessage(raw)
	if err != nil {
		return engine.ChatMessage{}, 0, err
	}
	room, err := s.memberRoom(ctx, code, playerID)
	if err != nil {
		return engine.ChatMessage{}, 0, err
	}
	if _, _, err := s.maybeAdvance(ctx, room, playerID); err != nil {
		return engine.ChatMessage{}, 0, err
	}

	msg, room, err := s.store.AppendChat(ctx, code, playerID, text, expectedVersion)
	if err != nil {
		return engine.ChatMessage{}, 0, err
	}
	s.log.Info("rooms.chat.success", zap.String("room_code", code), zap.String("player_id", playerID))
	s.pub.PublishChat(ctx, code, pkgtypes.RoomChat{
		Code:    code,
		Message: ChatSnapshot(msg),
		Version: room.Version,
		Meta:    pkgtypes.UpdateMeta{Event: pkgtypes.MetaChatMessage, ActorID: playerID},
		TS:      s.now().UnixMilli(),
	})
	return msg, room.Version, nil
}

func (s *Service) ListChat(ctx context.Context, code, playerID string, limit int) ([]engine.ChatMessage, error) {
	room, err := s.memberRoom(ctx, code, playerID)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.maybeAdvance(ctx, room, playerID); err != nil {
		return nil, err
	}
	return s.store.ListChat(ctx, code, limit)
}

// Leave removes playerID. A nil room means the room was deleted.
func (s *Service) Leave(ctx context.Context, code, playerID string) (*engine.Room, error) {
	room, err := s.store.RemovePlayer(ctx, code, playerID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		s.log.Info("rooms.leave.room_deleted", zap.String("room_code", code), zap.String("player_id", playerID))
		s.pub.PublishClosed(ctx, code)
		return nil, nil
	}
	s.log.Info("rooms.leave.success", zap.String("room_code", code), zap.String("player_id", playerID))
	s.publishUpdate(ctx, room, pkgtypes.MetaPlayerLeft, playerID, "")
	return room, nil
}

func (s *Service) memberRoom(ctx context.Context, code, playerID string) (*engine.Room, error) {
	room, err := s.store.GetRoom(ctx, code)
	if err != nil {
		return nil, err
	}
	if !room.IsMember(playerID) {
		return nil, engine.ErrNotMember
	}
	return room, nil
}

// maybeAdvance moves room into its next round if its timer has lapsed. The
// write is guarded on the round start and version that were read, so of
// several concurrent callers exactly one advances and the rest get the
// advanced room back. A track provider failure leaves the room as it is.
func (s *Service) maybeAdvance(ctx context.Context, room *engine.Room, actorID string) (*engine.Room, bool, error) {
	if !room.IsRoundExpired(s.nowMs()) {
		return room, false, nil
	}
	startedAt, version := *room.RoundStartedAtMs, room.Version

	key := room.Code + ":" + strconv.FormatInt(startedAt, 10)
	v, err, _ := s.draws.Do(key, func() (any, error) { return s.drawTrack(ctx) })
	if err != nil {
		s.log.Warn("rooms.auto_advance.track_failure", zap.String("room_code", room.Code), zap.Error(err))
		return room, false, nil
	}
	track := v.(engine.Track)

	advanced := false
	updated, err := s.store.Update(ctx, room.Code, func(r *engine.Room) error {
		if err := engine.Advance(r, startedAt, version, track, s.nowMs()); err != nil {
			return err
		}
		advanced = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if advanced {
		s.log.Info("rooms.auto_advance.success",
			zap.String("room_code", room.Code),
			zap.Int("round", updated.Round),
			zap.String("track_id", track.ID))
		s.publishUpdate(ctx, updated, pkgtypes.MetaRoundAutoAdvanced, actorID, track.ID)
	}
	return updated, advanced, nil
}

func (s *Service) drawTrack(ctx context.Context) (engine.Track, error) {
	track, err := s.tracks.RandomPlayableTrack(ctx)
	if err != nil {
		if !errors.Is(err, engine.ErrTrackUnavailable) {
			err = fmt.Errorf("%w: %w", engine.ErrTrackUnavailable, err)
		}
		return engine.Track{}, err
	}
	if track.PreviewURL == "" {
		return engine.Track{}, fmt.Errorf("%w: track %s has no preview", engine.ErrTrackUnavailable, track.ID)
	}
	return track, nil
}

func (s *Service) publishUpdate(ctx context.Context, room *engine.Room, event, actorID, trackID string) {
	s.pub.PublishUpdate(ctx, room.Code, pkgtypes.RoomUpdate{
		Room:    Snapshot(room),
		Version: room.Version,
		Meta:    pkgtypes.UpdateMeta{Event: event, ActorID: actorID, TrackID: trackID},
		TS:      s.now().UnixMilli(),
	})
}

func (s *Service) nowMs() int64 { return s.now().UnixMilli() }
