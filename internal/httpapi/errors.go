package httpapi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/DoyleJ11/songless-rooms/internal/engine"
	"github.com/DoyleJ11/songless-rooms/internal/rooms"
	"github.com/DoyleJ11/songless-rooms/internal/tracks"
	pkgtypes "github.com/DoyleJ11/songless-rooms/pkg/types"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

var errInvalidBody = errors.New("invalid JSON body")

// writeError maps domain errors onto status codes. Conflicts always carry
// the authoritative room so clients can resync without another request.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var conflict *engine.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, pkgtypes.ConflictPayload{
			Error: conflict.Message,
			Code:  string(conflict.Code),
			Room:  rooms.Snapshot(conflict.Room),
		})
	case errors.Is(err, engine.ErrRoomNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Room not found"})
	case errors.Is(err, engine.ErrNotHost):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "Only host can start room"})
	case errors.Is(err, engine.ErrNotHostSkip):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "Only host can skip in room"})
	case errors.Is(err, engine.ErrNotHostNext):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "Only host can advance room"})
	case errors.Is(err, engine.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "Player is not in room"})
	case errors.Is(err, engine.ErrGuardRequired):
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "expectedRound and expectedVersion are required.",
			Code:  "ROOM_EXPECTED_STATE_REQUIRED",
		})
	case errors.Is(err, engine.ErrMessageRequired):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Message is required"})
	case errors.Is(err, engine.ErrMessageTooLong):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Message must be 280 characters or fewer"})
	case errors.Is(err, engine.ErrInvalidAvatar):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid avatar key"})
	case errors.Is(err, errInvalidBody):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid JSON body"})
	case errors.Is(err, engine.ErrTrackUnavailable):
		status, code := tracks.StatusOf(err)
		msg := "Failed to load a track for this round."
		var te *tracks.Error
		if errors.As(err, &te) && te.Message != "" {
			msg = te.Message
		}
		writeJSON(w, status, errorBody{Error: msg, Code: code})
	default:
		s.log.Error(op+".failure",
			zap.String("room_code", roomCode(r)),
			zap.String("request_id", requestIDFrom(r)),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Server error"})
	}
}
