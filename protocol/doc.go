// Package protocol defines the wire-level envelope exchanged between the
// coordinator and fleet agents. Every message carries a header (identity,
// addressing, priority, correlation) and a body whose shape depends on the
// message type: commands carry an action, events carry an event type.
//
// The envelope serializes to a flat JSON object suitable for byte-oriented
// transports. Deserialization is strict: unknown message types, out-of-range
// priorities and malformed timestamps are rejected with a
// *MalformedMessageError rather than coerced to defaults.
package protocol
