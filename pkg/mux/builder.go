package mux

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/vango-dev/scopesync/pkg/protocol"
	"github.com/vango-dev/scopesync/pkg/registry"
)

// Registration errors, reported by Build.
var (
	ErrDuplicateRegistration = errors.New("mux: duplicate registration")
	ErrReservedProtocol      = errors.New("mux: protocol 0 is reserved for the handshake")
	ErrNilHandler            = errors.New("mux: nil handler")
	ErrAlreadyBuilt          = errors.New("mux: builder already built")
)

// Handler processes one message payload from a connection. It runs on the
// connection's read goroutine and must not block on other connections.
type Handler func(ctx context.Context, conn registry.ConnID, payload []byte) error

type routeKey struct {
	protocol protocol.ProtocolID
	message  protocol.MessageID
}

type route struct {
	protocolName string
	messageName  string
	handler      Handler
}

type protocolEntry struct {
	id       protocol.ProtocolID
	name     string
	messages map[protocol.MessageID]route
}

// Builder collects protocol registrations at start-up. Build freezes them
// into an immutable Mux; the Builder cannot be used afterwards.
type Builder struct {
	protocols map[protocol.ProtocolID]*protocolEntry
	errs      []error
	built     bool
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{protocols: make(map[protocol.ProtocolID]*protocolEntry)}
}

// ProtocolBuilder registers message handlers for one protocol.
type ProtocolBuilder struct {
	b     *Builder
	entry *protocolEntry
}

// Protocol registers a protocol id. Registering the same id twice or the
// reserved handshake protocol is recorded as an error returned by Build.
func (b *Builder) Protocol(id protocol.ProtocolID, name string) *ProtocolBuilder {
	entry := &protocolEntry{id: id, name: name, messages: make(map[protocol.MessageID]route)}
	switch {
	case b.built:
		b.errs = append(b.errs, ErrAlreadyBuilt)
	case id == protocol.ProtocolHandshake:
		b.errs = append(b.errs, ErrReservedProtocol)
	case b.protocols[id] != nil:
		b.errs = append(b.errs, fmt.Errorf("%w: protocol %d (%s)", ErrDuplicateRegistration, id, name))
	default:
		b.protocols[id] = entry
	}
	return &ProtocolBuilder{b: b, entry: entry}
}

// Handle registers a handler for a message id. The message name comes from
// the protocol schema table.
func (p *ProtocolBuilder) Handle(msg protocol.MessageID, h Handler) *ProtocolBuilder {
	return p.HandleNamed(msg, protocol.MessageName(p.entry.id, msg), h)
}

// HandleNamed registers a handler with an explicit message name, for
// messages outside the built-in schema table.
func (p *ProtocolBuilder) HandleNamed(msg protocol.MessageID, name string, h Handler) *ProtocolBuilder {
	switch {
	case h == nil:
		p.b.errs = append(p.b.errs, fmt.Errorf("%w: %s/%d", ErrNilHandler, p.entry.name, msg))
	case p.entry.messages[msg].handler != nil:
		p.b.errs = append(p.b.errs, fmt.Errorf("%w: message %s/%d", ErrDuplicateRegistration, p.entry.name, msg))
	default:
		p.entry.messages[msg] = route{protocolName: p.entry.name, messageName: name, handler: h}
	}
	return p
}

// Build validates the registrations and returns the routing table.
func (b *Builder) Build(opts ...Option) (*Mux, error) {
	if b.built {
		return nil, ErrAlreadyBuilt
	}
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	b.built = true

	m := newMux(opts...)
	for _, entry := range b.protocols {
		info := ProtocolInfo{ID: entry.id, Name: entry.name}
		for msg, r := range entry.messages {
			m.routes[routeKey{entry.id, msg}] = r
			info.Messages = append(info.Messages, MessageInfo{ID: msg, Name: r.messageName})
		}
		sort.Slice(info.Messages, func(i, j int) bool { return info.Messages[i].ID < info.Messages[j].ID })
		m.protocols = append(m.protocols, info)
	}
	sort.Slice(m.protocols, func(i, j int) bool { return m.protocols[i].ID < m.protocols[j].ID })
	return m, nil
}

// ProtocolInfo describes a registered protocol.
type ProtocolInfo struct {
	ID       protocol.ProtocolID `json:"id"`
	Name     string              `json:"name"`
	Messages []MessageInfo       `json:"messages"`
}

// MessageInfo describes a registered message.
type MessageInfo struct {
	ID   protocol.MessageID `json:"id"`
	Name string             `json:"name"`
}
