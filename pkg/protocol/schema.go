package protocol

import "sort"

// FieldType is the wire type of a message field.
type FieldType uint8

const (
	FieldU8 FieldType = iota
	FieldU16
	FieldU32
	FieldU64
	FieldBytes // trailing, delimited by the frame length
)

// String returns the string representation of the field type.
func (ft FieldType) String() string {
	switch ft {
	case FieldU8:
		return "u8"
	case FieldU16:
		return "u16"
	case FieldU32:
		return "u32"
	case FieldU64:
		return "u64"
	case FieldBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// Field is one entry of a message schema.
type Field struct {
	Name string
	Type FieldType
}

// Schema describes one message kind on the wire.
type Schema struct {
	Protocol ProtocolID
	Message  MessageID
	Name     string
	Fields   []Field
}

// MinSize returns the smallest valid payload for the schema.
func (s Schema) MinSize() int {
	n := 0
	for _, f := range s.Fields {
		switch f.Type {
		case FieldU8:
			n++
		case FieldU16:
			n += 2
		case FieldU32:
			n += 4
		case FieldU64:
			n += 8
		}
	}
	return n
}

type schemaKey struct {
	p ProtocolID
	m MessageID
}

var schemas = map[schemaKey]Schema{}

func define(p ProtocolID, m MessageID, name string, fields ...Field) {
	schemas[schemaKey{p, m}] = Schema{Protocol: p, Message: m, Name: name, Fields: fields}
}

func init() {
	define(ProtocolHandshake, MsgHello, "Hello",
		Field{"version", FieldU16})
	define(ProtocolHandshake, MsgHelloAck, "HelloAck",
		Field{"status", FieldU8}, Field{"connectionId", FieldU64})
	define(ProtocolHandshake, MsgPing, "Ping",
		Field{"timestamp", FieldU64})
	define(ProtocolHandshake, MsgPong, "Pong",
		Field{"timestamp", FieldU64})
	define(ProtocolHandshake, MsgDisconnect, "Disconnect",
		Field{"cause", FieldU8})

	define(ProtocolScope, MsgFocusChanged, "FocusChanged",
		Field{"scopeIndex", FieldU32}, Field{"objectIndex", FieldU32})
	define(ProtocolScope, MsgFocusReleased, "FocusReleased",
		Field{"scopeIndex", FieldU32})
	define(ProtocolScope, MsgObjectSpawned, "ObjectSpawned",
		Field{"scopeIndex", FieldU32}, Field{"prefabIndex", FieldU32},
		Field{"objectIndex", FieldU32}, Field{"data", FieldBytes})
	define(ProtocolScope, MsgObjectRefreshed, "ObjectRefreshed",
		Field{"scopeIndex", FieldU32}, Field{"objectIndex", FieldU32},
		Field{"data", FieldBytes})
	define(ProtocolScope, MsgObjectDespawned, "ObjectDespawned",
		Field{"scopeIndex", FieldU32}, Field{"objectIndex", FieldU32})

	define(ProtocolCommand, MsgCommand, "Command",
		Field{"scopeIndex", FieldU32}, Field{"objectIndex", FieldU32},
		Field{"data", FieldBytes})
}

// LookupSchema returns the schema for a (protocol, message) pair.
func LookupSchema(p ProtocolID, m MessageID) (Schema, bool) {
	s, ok := schemas[schemaKey{p, m}]
	return s, ok
}

// MessageName returns the schema name, or "unknown".
func MessageName(p ProtocolID, m MessageID) string {
	if s, ok := schemas[schemaKey{p, m}]; ok {
		return s.Name
	}
	return "unknown"
}

// Schemas returns every built-in schema ordered by protocol and message id.
func Schemas() []Schema {
	out := make([]Schema, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Protocol != out[j].Protocol {
			return out[i].Protocol < out[j].Protocol
		}
		return out[i].Message < out[j].Message
	})
	return out
}
