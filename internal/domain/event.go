package domain

// EventKind is the coarse type of an inbound platform message.
type EventKind string

const (
	EventText        EventKind = "text"
	EventInteractive EventKind = "interactive"
	EventOther       EventKind = "other"
)

// Interactive sub-types reported by the platform.
const (
	InteractiveButtonReply = "button_reply"
	InteractiveListReply   = "list_reply"
)

// InboundEvent is a normalized inbound message. It lives for one
// processing cycle and is never persisted.
type InboundEvent struct {
	UserID    string
	MessageID string
	Kind      EventKind
	// Type is the raw platform message type, kept for logging.
	Type string

	// Text is the body of a text message.
	Text string

	// Interactive fields are set when Kind is EventInteractive.
	InteractiveType string
	ReplyID         string
	ReplyTitle      string
}
