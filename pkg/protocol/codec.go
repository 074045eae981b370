package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMissingType  = errors.New("protocol: missing packet type")
	ErrUnknownType  = errors.New("protocol: unknown packet type")
	ErrMissingData  = errors.New("protocol: missing packet data")
	ErrMissingField = errors.New("protocol: missing required field")
)

// DecodeError describes why a text message could not be turned into a
// Packet. Tag is empty when the envelope itself was unreadable.
type DecodeError struct {
	Tag string
	Err error
}

func (e *DecodeError) Error() string {
	if e.Tag == "" {
		return fmt.Sprintf("protocol: decode: %v", e.Err)
	}
	return fmt.Sprintf("protocol: decode %s: %v", e.Tag, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func errMissingField(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, name)
}

type validator interface {
	validate() error
}

// constructors maps every wire tag to a fresh zero value of its variant.
var constructors = map[string]func() Packet{
	TypeHardwareState:          func() Packet { return &HardwareState{} },
	TypeLogEntry:               func() Packet { return &LogEntry{} },
	TypeDemoProcState:          func() Packet { return &DemoProcState{} },
	TypeInteractiveSession:     func() Packet { return &InteractiveSession{} },
	TypeScriptInteractive:      func() Packet { return &ScriptInteractiveSession{} },
	TypeNodeStatus:             func() Packet { return &NodeStatus{} },
	TypeFileTransfer:           func() Packet { return &FileTransfer{} },
	TypeNodeAdditionRequest:    func() Packet { return &NodeAdditionRequest{} },
	TypeNodeAdditionManagement: func() Packet { return &NodeAdditionManagement{} },
}

// Known reports whether tag names a packet variant.
func Known(tag string) bool {
	_, ok := constructors[tag]
	return ok
}

// Encode renders p as the text form sent over the transport.
func Encode(p Packet) (string, error) {
	if p == nil {
		return "", fmt.Errorf("protocol: encode nil packet")
	}
	if !Known(p.Type()) {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, p.Type())
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("protocol: encode %s: %w", p.Type(), err)
	}
	out, err := json.Marshal(Message{Type: p.Type(), Data: data})
	if err != nil {
		return "", fmt.Errorf("protocol: encode %s: %w", p.Type(), err)
	}
	return string(out), nil
}

// Decode parses a text message into its typed Packet. Any failure returns a
// *DecodeError and no packet.
func Decode(text string) (Packet, error) {
	var msg Message
	if err := json.Unmarshal([]byte(text), &msg); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if msg.Type == "" {
		return nil, &DecodeError{Err: ErrMissingType}
	}
	newPacket, ok := constructors[msg.Type]
	if !ok {
		return nil, &DecodeError{Tag: msg.Type, Err: ErrUnknownType}
	}
	data := bytes.TrimSpace(msg.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, &DecodeError{Tag: msg.Type, Err: ErrMissingData}
	}

	p := newPacket()
	if err := json.Unmarshal(data, p); err != nil {
		return nil, &DecodeError{Tag: msg.Type, Err: err}
	}
	if v, ok := p.(validator); ok {
		if err := v.validate(); err != nil {
			return nil, &DecodeError{Tag: msg.Type, Err: err}
		}
	}
	return p, nil
}

// Int returns a pointer to v, for optional integer fields.
func Int(v int) *int { return &v }
