package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version stamped into every header.
const Version = "1.0"

// MessageType classifies a message envelope.
type MessageType string

const (
	TypeCommand  MessageType = "command"
	TypeEvent    MessageType = "event"
	TypeResponse MessageType = "response"
	TypeError    MessageType = "error"
)

// Valid reports whether the message type is a known wire value.
func (t MessageType) Valid() bool {
	switch t {
	case TypeCommand, TypeEvent, TypeResponse, TypeError:
		return true
	}
	return false
}

// Priority orders messages from LOW (1) to URGENT (4).
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

// Valid reports whether the priority is in the 1..4 wire range.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return "unknown"
}

// Header carries the envelope metadata shared by all message types.
// AgentID is the target agent for commands and the originating agent for
// events; it is empty only for pure broadcasts. CorrelationID links
// request/response pairs and is empty when unused.
type Header struct {
	MessageID     string
	Timestamp     time.Time
	AgentID       string
	Type          MessageType
	Priority      Priority
	Version       string
	CorrelationID string
}

// CommandBody is the payload of a TypeCommand message.
type CommandBody struct {
	Action string         `json:"action"`
	Data   map[string]any `json:"data"`
}

// EventBody is the payload of a TypeEvent message.
type EventBody struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
}

// RawBody is the payload of response and error messages, kept as an
// untyped object since their shape is defined by the responding agent.
type RawBody map[string]any

// Body is the tagged payload of a message. Exactly one concrete type is
// legal per message type: CommandBody for commands, EventBody for events,
// RawBody for responses and errors.
type Body interface {
	isBody()
}

func (CommandBody) isBody() {}
func (EventBody) isBody()   {}
func (RawBody) isBody()     {}

// Message is an immutable envelope. Construct messages through NewCommand,
// NewEvent or NewResponse; do not mutate a message after publishing it.
type Message struct {
	Header Header
	Body   Body
}

// NewCommand builds a command message addressed to agentID with a fresh
// message id and UTC timestamp.
func NewCommand(agentID, action string, data map[string]any) *Message {
	return &Message{
		Header: newHeader(agentID, TypeCommand),
		Body:   CommandBody{Action: action, Data: data},
	}
}

// NewEvent builds an event message originating from agentID. An empty
// agentID denotes a fleet-wide broadcast event.
func NewEvent(agentID, eventType string, data map[string]any) *Message {
	return &Message{
		Header: newHeader(agentID, TypeEvent),
		Body:   EventBody{EventType: eventType, Data: data},
	}
}

// NewResponse builds a response message correlated to the given request.
func NewResponse(agentID, correlationID string, body RawBody) *Message {
	m := &Message{
		Header: newHeader(agentID, TypeResponse),
		Body:   body,
	}
	m.Header.CorrelationID = correlationID
	return m
}

func newHeader(agentID string, t MessageType) Header {
	return Header{
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
		AgentID:   agentID,
		Type:      t,
		Priority:  PriorityNormal,
		Version:   Version,
	}
}

// WithPriority returns a copy of the message with the given priority.
func (m *Message) WithPriority(p Priority) *Message {
	c := *m
	c.Header.Priority = p
	return &c
}

// WithCorrelationID returns a copy of the message linked to a request.
func (m *Message) WithCorrelationID(id string) *Message {
	c := *m
	c.Header.CorrelationID = id
	return &c
}

// Command returns the command body, or false if this is not a command.
func (m *Message) Command() (CommandBody, bool) {
	b, ok := m.Body.(CommandBody)
	return b, ok
}

// Event returns the event body, or false if this is not an event.
func (m *Message) Event() (EventBody, bool) {
	b, ok := m.Body.(EventBody)
	return b, ok
}
