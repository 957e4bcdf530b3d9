package protocol

// Protocols carried on top of the handshake protocol.
const (
	ProtocolScope   ProtocolID = 1
	ProtocolCommand ProtocolID = 2
)

// Scope protocol messages.
const (
	MsgFocusChanged    MessageID = 1
	MsgFocusReleased   MessageID = 2
	MsgObjectSpawned   MessageID = 3
	MsgObjectRefreshed MessageID = 4
	MsgObjectDespawned MessageID = 5
)

// Command protocol messages.
const (
	MsgCommand MessageID = 1
)

// FocusChanged points a connection at one object of special interest.
// The object may not have been spawned on the receiver yet.
type FocusChanged struct {
	ScopeIndex  uint32
	ObjectIndex uint32
}

// FocusReleased clears the focus a connection holds in a scope.
type FocusReleased struct {
	ScopeIndex uint32
}

// ObjectSpawned carries the full serialized state of an object entering a
// watcher's view.
type ObjectSpawned struct {
	ScopeIndex  uint32
	PrefabIndex uint32
	ObjectIndex uint32
	Data        []byte
}

// ObjectRefreshed carries a state update for an already spawned object.
type ObjectRefreshed struct {
	ScopeIndex  uint32
	ObjectIndex uint32
	Data        []byte
}

// ObjectDespawned removes an object from a watcher's view.
type ObjectDespawned struct {
	ScopeIndex  uint32
	ObjectIndex uint32
}

// Command is one ordered state change for an object.
type Command struct {
	ScopeIndex  uint32
	ObjectIndex uint32
	Data        []byte
}

// Frame returns the FocusChanged frame.
func (m *FocusChanged) Frame() *Frame {
	e := NewEncoderWithCap(8)
	e.WriteUint32(m.ScopeIndex)
	e.WriteUint32(m.ObjectIndex)
	return NewFrame(ProtocolScope, MsgFocusChanged, e.Bytes())
}

// DecodeFocusChanged decodes a FocusChanged payload.
func DecodeFocusChanged(data []byte) (*FocusChanged, error) {
	d := NewDecoder(data)
	m := &FocusChanged{}
	var err error
	if m.ScopeIndex, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	if m.ObjectIndex, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	return m, d.Finish()
}

// Frame returns the FocusReleased frame.
func (m *FocusReleased) Frame() *Frame {
	e := NewEncoderWithCap(4)
	e.WriteUint32(m.ScopeIndex)
	return NewFrame(ProtocolScope, MsgFocusReleased, e.Bytes())
}

// DecodeFocusReleased decodes a FocusReleased payload.
func DecodeFocusReleased(data []byte) (*FocusReleased, error) {
	d := NewDecoder(data)
	m := &FocusReleased{}
	var err error
	if m.ScopeIndex, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	return m, d.Finish()
}

// Frame returns the ObjectSpawned frame.
func (m *ObjectSpawned) Frame() *Frame {
	e := NewEncoderWithCap(12 + len(m.Data))
	e.WriteUint32(m.ScopeIndex)
	e.WriteUint32(m.PrefabIndex)
	e.WriteUint32(m.ObjectIndex)
	e.WriteBytes(m.Data)
	return NewFrame(ProtocolScope, MsgObjectSpawned, e.Bytes())
}

// DecodeObjectSpawned decodes an ObjectSpawned payload.
func DecodeObjectSpawned(data []byte) (*ObjectSpawned, error) {
	d := NewDecoder(data)
	m := &ObjectSpawned{}
	var err error
	if m.ScopeIndex, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	if m.PrefabIndex, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	if m.ObjectIndex, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	m.Data = d.ReadRest()
	return m, nil
}

// Frame returns the ObjectRefreshed frame.
func (m *ObjectRefreshed) Frame() *Frame {
	e := NewEncoderWithCap(8 + len(m.Data))
	e.WriteUint32(m.ScopeIndex)
	e.WriteUint32(m.ObjectIndex)
	e.WriteBytes(m.Data)
	return NewFrame(ProtocolScope, MsgObjectRefreshed, e.Bytes())
}

// DecodeObjectRefreshed decodes an ObjectRefreshed payload.
func DecodeObjectRefreshed(data []byte) (*ObjectRefreshed, error) {
	d := NewDecoder(data)
	m := &ObjectRefreshed{}
	var err error
	if m.ScopeIndex, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	if m.ObjectIndex, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	m.Data = d.ReadRest()
	return m, nil
}

// Frame returns the ObjectDespawned frame.
func (m *ObjectDespawned) Frame() *Frame {
	e := NewEncoderWithCap(8)
	e.WriteUint32(m.ScopeIndex)
	e.WriteUint32(m.ObjectIndex)
	return NewFrame(ProtocolScope, MsgObjectDespawned, e.Bytes())
}

// DecodeObjectDespawned decodes an ObjectDespawned payload.
func DecodeObjectDespawned(data []byte) (*ObjectDespawned, error) {
	d := NewDecoder(data)
	m := &ObjectDespawned{}
	var err error
	if m.ScopeIndex, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	if m.ObjectIndex, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	return m, d.Finish()
}

// Frame returns the Command frame.
func (m *Command) Frame() *Frame {
	e := NewEncoderWithCap(8 + len(m.Data))
	e.WriteUint32(m.ScopeIndex)
	e.WriteUint32(m.ObjectIndex)
	e.WriteBytes(m.Data)
	return NewFrame(ProtocolCommand, MsgCommand, e.Bytes())
}

// DecodeCommand decodes a Command payload.
func DecodeCommand(data []byte) (*Command, error) {
	d := NewDecoder(data)
	m := &Command{}
	var err error
	if m.ScopeIndex, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	if m.ObjectIndex, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	m.Data = d.ReadRest()
	return m, nil
}
