package channel

import (
	"sync"

	"github.com/DoyleJ11/songless-rooms/internal/types"
)

// Outbox is a buffered-channel Subscriber. The channel closes C when it
// drops or detaches the outbox.
type Outbox struct {
	id   string
	C    chan types.ServerMessage
	once sync.Once
}

func NewOutbox(id string, size int) *Outbox {
	return &Outbox{id: id, C: make(chan types.ServerMessage, size)}
}

func (o *Outbox) ID() string { return o.id }

func (o *Outbox) Deliver(msg types.ServerMessage) bool {
	select {
	case o.C <- msg:
		return true
	default:
		return false
	}
}

func (o *Outbox) Detach(string) {
	o.once.Do(func() { close(o.C) })
}
