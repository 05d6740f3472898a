package types

import "encoding/json"

const (
	ClientRoomJoin        = "room:join"
	ClientRoomRequestSync = "room:request-sync"
	ClientRoomLeave       = "room:leave"
)

// ClientMessage is one frame sent by a client on the push channel.
type ClientMessage struct {
	Type        string `json:"type"`
	Code        string `json:"code,omitempty"`
	LastVersion *int   `json:"lastVersion,omitempty"`
	Force       bool   `json:"force,omitempty"`
}

// ServerMessage wraps an event payload from pkg/types with its name.
type ServerMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func NewServerMessage(event string, payload any) (ServerMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return ServerMessage{}, err
	}
	return ServerMessage{Type: event, Data: data}, nil
}

// Encode renders the frame as sent on the wire.
func (m ServerMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}
