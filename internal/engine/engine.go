package engine

import "time"

// Guard is the client's last-known (round, version) pair. Every mutating
// command carries one and is rejected if it does not match the stored room.
type Guard struct {
	Round   int
	Version int
}

func (g Guard) Matches(r *Room) bool {
	return r.Round == g.Round && r.Version == g.Version
}

// NewRoom builds a lobby room with the host as its only member.
func NewRoom(code string, host Player, settings Settings, now time.Time) *Room {
	host.JoinedAt = now
	resetPlayer(&host)
	return &Room{
		Code:      code,
		HostID:    host.ID,
		Status:    StatusLobby,
		Settings:  settings,
		CreatedAt: now,
		Players:   []Player{host},
	}
}

// UpsertPlayer adds p to the room, or refreshes name and avatar if p is
// already a member. Score and round progress of existing members survive.
func UpsertPlayer(r *Room, p Player, now time.Time) {
	if existing := r.Player(p.ID); existing != nil {
		existing.Name = p.Name
		existing.AvatarKey = p.AvatarKey
		return
	}
	p.JoinedAt = now
	p.Score = 0
	resetPlayer(&p)
	r.Players = append(r.Players, p)
}

// RemovePlayer drops a member. It reports whether the room is now empty.
// A departing host hands the room to the earliest joined remaining member.
func RemovePlayer(r *Room, playerID string) (empty bool, err error) {
	idx := -1
	for i := range r.Players {
		if r.Players[i].ID == playerID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, ErrNotMember
	}
	r.Players = append(r.Players[:idx], r.Players[idx+1:]...)
	if len(r.Players) == 0 {
		return true, nil
	}
	if r.HostID == playerID {
		earliest := r.Players[0]
		for _, p := range r.Players[1:] {
			if p.JoinedAt.Before(earliest.JoinedAt) {
				earliest = p
			}
		}
		r.HostID = earliest.ID
	}
	return false, nil
}

// CheckStart validates a start command without drawing a track.
func CheckStart(r *Room, actorID string, g Guard) error {
	if r.HostID != actorID {
		return ErrNotHost
	}
	if r.Status != StatusLobby {
		return phaseConflict("Room is not in lobby phase.")
	}
	if !g.Matches(r) {
		return versionConflict("Room state changed. Sync before starting.")
	}
	return nil
}

func Start(r *Room, actorID string, g Guard, track Track, nowMs int64) error {
	if err := CheckStart(r, actorID, g); err != nil {
		return err
	}
	r.Status = StatusActive
	beginRound(r, track, nowMs)
	return nil
}

// CheckAdvance reports whether the round observed at (startedAtMs, version)
// is still the stored one and has expired. A false result means another
// caller already moved the room on, or the timer has not lapsed.
func CheckAdvance(r *Room, startedAtMs int64, version int, nowMs int64) bool {
	if !r.IsRoundExpired(nowMs) {
		return false
	}
	return r.RoundStartedAtMs != nil && *r.RoundStartedAtMs == startedAtMs && r.Version == version
}

// Advance moves an expired room into its next round.
func Advance(r *Room, startedAtMs int64, version int, track Track, nowMs int64) error {
	if !CheckAdvance(r, startedAtMs, version, nowMs) {
		return ErrNoChange
	}
	beginRound(r, track, nowMs)
	return nil
}

// CheckNext validates a manual next-round command without drawing a track.
func CheckNext(r *Room, actorID string, g Guard) error {
	if r.HostID != actorID {
		return ErrNotHostNext
	}
	if r.Status != StatusActive {
		return phaseConflict("Round is not active. Sync room state.")
	}
	if !g.Matches(r) {
		return versionConflict("Room state changed. Sync before advancing.")
	}
	return nil
}

// Next ends the current round early and begins the next one on track.
func Next(r *Room, actorID string, g Guard, track Track, nowMs int64) error {
	if err := CheckNext(r, actorID, g); err != nil {
		return err
	}
	beginRound(r, track, nowMs)
	return nil
}

func Skip(r *Room, actorID string, g Guard, nowMs int64) error {
	if r.HostID != actorID {
		return ErrNotHostSkip
	}
	if r.Status != StatusActive {
		return phaseConflict("Round is not active. Sync room state.")
	}
	if !g.Matches(r) {
		return versionConflict("Room state changed. Sync before skipping.")
	}
	if r.IsRoundExpired(nowMs) {
		return phaseConflict("Round is not active. Sync room state.")
	}
	r.HintIndex = min(r.HintIndex+1, MaxHintIndex)
	for i := range r.Players {
		p := &r.Players[i]
		if p.Solved || len(p.GuessResults) >= MaxAttempts {
			continue
		}
		p.GuessResults = append(p.GuessResults, OutcomeSkip)
	}
	return nil
}

type GuessOutcome struct {
	Solved  bool
	Result  Outcome
	Index   int
	Changed bool
}

// Guess records one attempt for actorID. A player who already solved the
// round gets their solved state back with Changed=false.
func Guess(r *Room, actorID string, g Guard, guess GuessInput, nowMs int64) (GuessOutcome, error) {
	p := r.Player(actorID)
	if p == nil {
		return GuessOutcome{}, ErrNotMember
	}
	if r.Status != StatusActive {
		return GuessOutcome{}, phaseConflict("Round is not active. Sync room state.")
	}
	if !g.Matches(r) {
		return GuessOutcome{}, versionConflict("Room state changed. Sync before submitting guess.")
	}
	if p.Solved {
		return GuessOutcome{Solved: true, Result: OutcomeSolved, Index: max(len(p.GuessResults)-1, 0)}, nil
	}
	if len(p.GuessResults) >= MaxAttempts {
		return GuessOutcome{}, &ConflictError{Code: CodeAttemptsExhausted, Message: "No guesses left this round."}
	}
	if r.IsRoundExpired(nowMs) {
		return GuessOutcome{}, phaseConflict("Round is not active. Sync room state.")
	}

	var track Track
	if r.CurrentTrack != nil {
		track = *r.CurrentTrack
	}
	result := Evaluate(guess, track).Result
	out := GuessOutcome{Result: result, Index: len(p.GuessResults), Changed: true}
	p.GuessResults = append(p.GuessResults, result)
	if result == OutcomeSolved {
		p.Solved = true
		p.SolvedAtMs = &nowMs
		p.Score += CorrectGuessScore
		out.Solved = true
	}
	return out, nil
}

func beginRound(r *Room, track Track, nowMs int64) {
	r.Round++
	r.HintIndex = 0
	r.CurrentTrack = &track
	r.RoundStartedAtMs = &nowMs
	for i := range r.Players {
		resetPlayer(&r.Players[i])
	}
}

func resetPlayer(p *Player) {
	p.Solved = false
	p.GuessResults = []Outcome{}
	p.SolvedAtMs = nil
}
