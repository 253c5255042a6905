package chat

import "github.com/RichardoC/focus-fox/internal/models"

type State int

const (
	Idle State = iota
	Sending
	Streaming
	Persisting
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case Streaming:
		return "streaming"
	case Persisting:
		return "persisting"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Event is delivered to observers on every state change and every fragment.
type Event struct {
	RoomID string
	State  State

	// Fragment is the newest piece of the reply; Buffer is the reply so far.
	Fragment string
	Buffer   string

	// Message is the stored assistant reply, set on the Idle event that
	// follows a successful send.
	Message *models.Message
	Err     error
}

type Observer func(Event)
