package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/devfleet/devfleet/types"
)

// MalformedMessageError reports an envelope that failed strict decoding.
// The message is rejected; consumers log it and continue with the next one.
type MalformedMessageError struct {
	Reason string
	Cause  error
}

func (e *MalformedMessageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed message: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("malformed message: %s", e.Reason)
}

func (e *MalformedMessageError) Unwrap() error {
	return e.Cause
}

// IsMalformed reports whether err is (or wraps) a MalformedMessageError.
func IsMalformed(err error) bool {
	var me *MalformedMessageError
	return errors.As(err, &me)
}

func malformed(reason string) error {
	return types.WrapError(types.ErrMalformedMessage, reason,
		&MalformedMessageError{Reason: reason})
}

func malformedCause(reason string, cause error) error {
	return types.WrapError(types.ErrMalformedMessage, reason,
		&MalformedMessageError{Reason: reason, Cause: cause})
}

// envelope is the flat wire representation. Header fields are flattened,
// the body stays nested. Nullable fields use pointers so the wire carries
// an explicit null instead of dropping the key.
type envelope struct {
	MessageID     string          `json:"message_id"`
	Timestamp     string          `json:"timestamp"`
	AgentID       *string         `json:"agent_id"`
	MessageType   string          `json:"message_type"`
	Priority      int             `json:"priority"`
	Version       string          `json:"version"`
	CorrelationID *string         `json:"correlation_id"`
	Body          json.RawMessage `json:"body"`
}

// Marshal serializes the message into its wire envelope. Timestamps are
// emitted as RFC 3339 with nanosecond precision in UTC; enums serialize as
// their wire values.
func Marshal(m *Message) ([]byte, error) {
	if m == nil {
		return nil, malformed("nil message")
	}
	if !m.Header.Type.Valid() {
		return nil, malformed("unknown message_type " + string(m.Header.Type))
	}
	if !m.Header.Priority.Valid() {
		return nil, malformed(fmt.Sprintf("priority %d out of range", m.Header.Priority))
	}

	body, err := json.Marshal(m.Body)
	if err != nil {
		return nil, malformedCause("body not serializable", err)
	}

	env := envelope{
		MessageID:   m.Header.MessageID,
		Timestamp:   m.Header.Timestamp.UTC().Format(time.RFC3339Nano),
		MessageType: string(m.Header.Type),
		Priority:    int(m.Header.Priority),
		Version:     m.Header.Version,
		Body:        body,
	}
	if m.Header.AgentID != "" {
		id := m.Header.AgentID
		env.AgentID = &id
	}
	if m.Header.CorrelationID != "" {
		id := m.Header.CorrelationID
		env.CorrelationID = &id
	}

	return json.Marshal(env)
}

// Unmarshal parses a wire envelope back into a Message. Unrecognized
// message types or priorities and malformed timestamps are rejected with a
// MalformedMessageError, never silently coerced.
func Unmarshal(data []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, malformedCause("invalid json envelope", err)
	}

	if env.MessageID == "" {
		return nil, malformed("missing message_id")
	}
	mt := MessageType(env.MessageType)
	if !mt.Valid() {
		return nil, malformed("unknown message_type " + env.MessageType)
	}
	prio := Priority(env.Priority)
	if !prio.Valid() {
		return nil, malformed(fmt.Sprintf("priority %d out of range", env.Priority))
	}
	ts, err := time.Parse(time.RFC3339Nano, env.Timestamp)
	if err != nil {
		return nil, malformedCause("malformed timestamp "+env.Timestamp, err)
	}

	m := &Message{
		Header: Header{
			MessageID: env.MessageID,
			Timestamp: ts.UTC(),
			Type:      mt,
			Priority:  prio,
			Version:   env.Version,
		},
	}
	if env.AgentID != nil {
		m.Header.AgentID = *env.AgentID
	}
	if env.CorrelationID != nil {
		m.Header.CorrelationID = *env.CorrelationID
	}

	switch mt {
	case TypeCommand:
		var b CommandBody
		if err := json.Unmarshal(env.Body, &b); err != nil {
			return nil, malformedCause("invalid command body", err)
		}
		m.Body = b
	case TypeEvent:
		var b EventBody
		if err := json.Unmarshal(env.Body, &b); err != nil {
			return nil, malformedCause("invalid event body", err)
		}
		m.Body = b
	default:
		var b RawBody
		if len(env.Body) > 0 {
			if err := json.Unmarshal(env.Body, &b); err != nil {
				return nil, malformedCause("invalid body", err)
			}
		}
		m.Body = b
	}

	return m, nil
}
