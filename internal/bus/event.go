package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the engine. Subscribers filter by namespace
// prefix, e.g. "message." or "net.".
const (
	KindMessageUpdated      = "message.updated"      // payload: MessageRef
	KindMessageArrived      = "message.arrived"      // payload: *store.Message (new inbound message)
	KindMessageSendFailed   = "message.send_failed"  // payload: SendFailure
	KindConversationUpdated = "conversation.updated" // payload: conversation id string
	KindOutboxConfirmed     = "outbox.confirmed"     // payload: local id string
	KindOutboxAbandoned     = "outbox.abandoned"     // payload: SendFailure
	KindNetUp               = "net.up"
	KindNetDown             = "net.down"
)

// MessageRef identifies a message that changed.
type MessageRef struct {
	ConversationID string
	MessageID      string
}

// SendFailure is the payload for send_failed and outbox.abandoned events.
type SendFailure struct {
	ConversationID string
	LocalID        string
	Reason         string
}
