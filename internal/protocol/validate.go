package protocol

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrUnknownType is returned for frames whose type is outside the closed set.
var ErrUnknownType = errors.New("unknown message type")

// dispatchable lists the inbound types that require a commandId.
var dispatchable = map[string]bool{
	TypeWake:       true,
	TypeScan:       true,
	TypeUpdateHost: true,
	TypeDeleteHost: true,
	TypePingHost:   true,
}

// inboundData maps an inbound type to a fresh payload value for decoding.
func inboundData(msgType string) (any, bool) {
	switch msgType {
	case TypeRegistered:
		return &RegisteredPayload{}, true
	case TypeWake:
		return &WakeCommand{}, true
	case TypeScan:
		return &ScanCommand{}, true
	case TypeUpdateHost:
		return &UpdateHostCommand{}, true
	case TypeDeleteHost:
		return &DeleteHostCommand{}, true
	case TypePingHost:
		return &PingHostCommand{}, true
	case TypePing:
		return &PingPayload{}, true
	case TypeError:
		return &ErrorPayload{}, true
	}
	return nil, false
}

// ValidateInbound checks an inbound frame's envelope against the protocol
// schema and returns the decoded data payload. Field-level rules on
// dispatchable commands are deliberately left to the command handlers: a
// command with a bad field must terminate as a failed command-result, not
// vanish as a dropped frame.
func (m *Message) ValidateInbound() (any, error) {
	if m.Type == "" {
		return nil, errors.New("missing type")
	}
	payload, ok := inboundData(m.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	if dispatchable[m.Type] && m.CommandID == "" {
		return nil, fmt.Errorf("type %q requires a commandId", m.Type)
	}
	if len(m.Data) > 0 {
		if err := m.ParseData(payload); err != nil {
			return nil, fmt.Errorf("decode %s data: %w", m.Type, err)
		}
	}
	if !dispatchable[m.Type] {
		if err := validate.Struct(payload); err != nil {
			return nil, fmt.Errorf("validate %s data: %w", m.Type, err)
		}
	}
	return payload, nil
}

// ValidateStruct applies the schema tags to a command payload; handlers
// treat a failure as a non-retryable command error.
func ValidateStruct(payload any) error {
	return validate.Struct(payload)
}

// ValidateOutbound checks an outbound payload against its schema before it
// may be written to the socket.
func ValidateOutbound(payload any) error {
	return validate.Struct(payload)
}

// ValidationIssues flattens a validator error into loggable field messages.
func ValidationIssues(err error) []string {
	var verr validator.ValidationErrors
	if !errors.As(err, &verr) {
		return []string{err.Error()}
	}
	issues := make([]string, 0, len(verr))
	for _, fe := range verr {
		issues = append(issues, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return issues
}
