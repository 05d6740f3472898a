package types

// Client -> Server (push channel)
// room:join:
//   code: string
//   lastVersion: number // omitted or stale -> room:sync
//
// room:request-sync:
//   code: string // defaults to the joined room
//   lastVersion: number
//   force: boolean
//
// room:leave: {}

// Server -> Client
// room:update   RoomUpdate   after every accepted mutation
// room:sync     RoomSync     lastVersion did not match on join or sync request
// room:joined   RoomJoined   join acknowledged, client already current
// room:sync-ok  RoomSyncOK   sync acknowledged, client already current
// room:chat     RoomChat
// room:presence RoomPresence
// room:closed   RoomClosed   last member left
// room:error    RoomError

const (
	EventRoomUpdate   = "room:update"
	EventRoomSync     = "room:sync"
	EventRoomJoined   = "room:joined"
	EventRoomSyncOK   = "room:sync-ok"
	EventRoomChat     = "room:chat"
	EventRoomPresence = "room:presence"
	EventRoomClosed   = "room:closed"
	EventRoomError    = "room:error"
)

// Reasons carried by room:sync.
const (
	SyncReasonJoin            = "join"
	SyncReasonForced          = "forced"
	SyncReasonVersionMismatch = "version_mismatch"
)

// Codes carried by room:error.
const (
	ErrCodeRoomCodeRequired  = "ROOM_CODE_REQUIRED"
	ErrCodeRoomNotFound      = "ROOM_NOT_FOUND"
	ErrCodeRoomForbidden     = "ROOM_FORBIDDEN"
	ErrCodeRoomJoinFailed    = "ROOM_JOIN_FAILED"
	ErrCodeRoomSyncForbidden = "ROOM_SYNC_FORBIDDEN"
	ErrCodeRoomSyncFailed    = "ROOM_SYNC_FAILED"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeBadMessage        = "BAD_MESSAGE"
)

// Update meta events.
const (
	MetaRoomCreated       = "room_created"
	MetaPlayerJoined      = "player_joined"
	MetaRoundStarted      = "round_started"
	MetaRoundAdvanced     = "round_advanced"
	MetaRoundAutoAdvanced = "round_auto_advanced"
	MetaPlayerSolved      = "player_solved"
	MetaPlayerGuessResult = "player_guess_result"
	MetaHintSkipped       = "hint_skipped"
	MetaPlayerLeft        = "player_left"
	MetaChatMessage       = "chat_message"
)

type UpdateMeta struct {
	Event   string `json:"event"`
	ActorID string `json:"actorId,omitempty"`
	TrackID string `json:"trackId,omitempty"`
}

type RoomUpdate struct {
	Room    *RoomSnapshot `json:"room"`
	Version int           `json:"version"`
	Meta    UpdateMeta    `json:"meta"`
	TS      int64         `json:"ts"`
}

type RoomSync struct {
	Room    *RoomSnapshot `json:"room"`
	Version int           `json:"version"`
	Reason  string        `json:"reason"`
	TS      int64         `json:"ts"`
}

type RoomJoined struct {
	Code    string `json:"code"`
	Version int    `json:"version"`
	TS      int64  `json:"ts"`
}

type RoomSyncOK struct {
	Code    string `json:"code"`
	Version int    `json:"version"`
	TS      int64  `json:"ts"`
}

type RoomChat struct {
	Code    string      `json:"code"`
	Message ChatMessage `json:"message"`
	Version int         `json:"version"`
	Meta    UpdateMeta  `json:"meta"`
	TS      int64       `json:"ts"`
}

type RoomPresence struct {
	Code            string   `json:"code"`
	PlayerID        string   `json:"playerId"`
	IsOnline        bool     `json:"isOnline"`
	OnlinePlayerIDs []string `json:"onlinePlayerIds"`
	TS              int64    `json:"ts"`
}

type RoomClosed struct {
	Code string `json:"code"`
	TS   int64  `json:"ts"`
}

type RoomError struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}
