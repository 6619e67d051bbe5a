package domain

// MessageType names an outbound observer message
type MessageType string

const (
	// MessageRecentEvents carries the full event log, most recent first
	MessageRecentEvents MessageType = "recent-events"
	// MessageSystemState carries a SystemState
	MessageSystemState MessageType = "system-state"
	// MessageEvent carries a single Envelope
	MessageEvent MessageType = "kafka-event"
)

// Message is one frame delivered to observers
type Message struct {
	Type MessageType `json:"type"`
	Data interface{} `json:"data"`
}

// NewEventMessage wraps a single envelope
func NewEventMessage(env Envelope) Message {
	return Message{Type: MessageEvent, Data: env}
}

// NewRecentEventsMessage wraps an event log snapshot
func NewRecentEventsMessage(events []Envelope) Message {
	if events == nil {
		events = []Envelope{}
	}
	return Message{Type: MessageRecentEvents, Data: events}
}

// NewSystemStateMessage wraps a system state snapshot
func NewSystemStateMessage(state SystemState) Message {
	return Message{Type: MessageSystemState, Data: state}
}
