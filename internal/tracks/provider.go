// Package tracks supplies the songs rounds are played against.
package tracks

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/DoyleJ11/songless-rooms/internal/engine"
)

// Provider draws a random track that has a playable preview URL.
type Provider interface {
	RandomPlayableTrack(ctx context.Context) (engine.Track, error)
}

// Error describes an upstream failure. It always matches
// engine.ErrTrackUnavailable so callers can treat every provider failure as
// retryable without caring which provider produced it.
type Error struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == engine.ErrTrackUnavailable }

// StatusOf returns the HTTP status and code to report for a provider error.
func StatusOf(err error) (int, string) {
	var te *Error
	if errors.As(err, &te) {
		return te.Status, te.Code
	}
	return http.StatusServiceUnavailable, "TRACK_PROVIDER_UNAVAILABLE"
}
