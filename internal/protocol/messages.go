// Package protocol defines the framed messages exchanged between a node
// agent and the C&C service, together with boundary validation and the
// sanitisation rules applied before any frame content reaches a log.
package protocol

import "encoding/json"

// Message is the envelope for all frames in both directions.
type Message struct {
	Type      string          `json:"type"`
	CommandID string          `json:"commandId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a message with the given type and data payload.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, Data: data}, nil
}

// ParseData unmarshals the data payload into the given target.
func (m *Message) ParseData(target any) error {
	return json.Unmarshal(m.Data, target)
}

// Message types (C&C → node)
const (
	TypeRegistered = "registered"
	TypeWake       = "wake"
	TypeScan       = "scan"
	TypeUpdateHost = "update-host"
	TypeDeleteHost = "delete-host"
	TypePingHost   = "ping-host"
	TypePing       = "ping"
	TypeError      = "error"
)

// Message types (node → C&C)
const (
	TypeRegister       = "register"
	TypeHeartbeat      = "heartbeat"
	TypeHostDiscovered = "host-discovered"
	TypeHostUpdated    = "host-updated"
	TypeHostRemoved    = "host-removed"
	TypeScanComplete   = "scan-complete"
	TypeCommandResult  = "command-result"
)

// Version is the protocol version this node speaks.
const Version = "1.0.0"

// supportedVersions is the set of peer protocol versions the node accepts.
var supportedVersions = map[string]bool{
	"1.0.0": true,
}

// SupportedVersion reports whether the peer's protocol version is accepted.
func SupportedVersion(v string) bool {
	return supportedVersions[v]
}

// WebSocket close codes with protocol meaning.
const (
	CloseAuthExpired         = 4001
	CloseAuthExpiredAlt      = 4401
	CloseAuthRevoked         = 4003
	CloseAuthRevokedAlt      = 4403
	CloseUnsupportedProtocol = 4406
)

// RegisterPayload is sent by the node when the socket opens.
type RegisterPayload struct {
	NodeID    string           `json:"nodeId" validate:"required"`
	Name      string           `json:"name" validate:"required"`
	Location  string           `json:"location" validate:"required"`
	PublicURL string           `json:"publicUrl,omitempty"`
	Metadata  RegisterMetadata `json:"metadata"`
}

// RegisterMetadata describes the node software and its network position.
type RegisterMetadata struct {
	Version         string      `json:"version" validate:"required"`
	Platform        string      `json:"platform" validate:"required"`
	ProtocolVersion string      `json:"protocolVersion" validate:"required"`
	NetworkInfo     NetworkInfo `json:"networkInfo"`
}

// NetworkInfo is the node's subnet and gateway as seen from its first
// non-internal IPv4 interface.
type NetworkInfo struct {
	Subnet  string `json:"subnet" validate:"required"`
	Gateway string `json:"gateway" validate:"required"`
}

// RegisteredPayload is the peer's reply to a register frame.
type RegisteredPayload struct {
	NodeID            string `json:"nodeId" validate:"required"`
	HeartbeatInterval int    `json:"heartbeatInterval" validate:"required,gt=0"`
	ProtocolVersion   string `json:"protocolVersion,omitempty"`
}

// HeartbeatPayload is sent at the peer-dictated interval.
type HeartbeatPayload struct {
	NodeID    string `json:"nodeId" validate:"required"`
	Timestamp int64  `json:"timestamp" validate:"required"`
}

// WakeCommand asks the node to send a magic packet to a stored host.
type WakeCommand struct {
	HostName string `json:"hostName" validate:"required,max=255"`
	MAC      string `json:"mac" validate:"required,mac"`
}

// ScanCommand asks the node to run a network scan.
type ScanCommand struct {
	Immediate bool `json:"immediate"`
}

// UpdateHostCommand creates or mutates a stored host. CurrentName differing
// from Name makes the operation a rename.
type UpdateHostCommand struct {
	CurrentName string   `json:"currentName,omitempty" validate:"omitempty,max=255"`
	Name        string   `json:"name" validate:"required,min=1,max=255"`
	MAC         string   `json:"mac,omitempty" validate:"omitempty,mac"`
	IP          string   `json:"ip,omitempty" validate:"omitempty,ip4_addr"`
	Status      string   `json:"status,omitempty" validate:"omitempty,oneof=awake asleep"`
	Notes       *string  `json:"notes,omitempty" validate:"omitempty,max=2000"`
	Tags        []string `json:"tags,omitempty" validate:"omitempty,max=32,dive,min=1,max=64"`
}

// DeleteHostCommand removes a stored host by name.
type DeleteHostCommand struct {
	Name string `json:"name" validate:"required,max=255"`
}

// PingHostCommand asks the node to ICMP-probe a host and record the result.
type PingHostCommand struct {
	HostName string `json:"hostName" validate:"required,max=255"`
	MAC      string `json:"mac" validate:"required,mac"`
	IP       string `json:"ip" validate:"required,ip4_addr"`
}

// PingPayload is a peer liveness probe; the node treats it as a no-op.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// ErrorPayload carries a peer-reported error.
type ErrorPayload struct {
	Message string `json:"message"`
}

// HostPayload is the wire form of a stored host, used by the
// host-discovered and host-updated frames.
type HostPayload struct {
	NodeID         string   `json:"nodeId" validate:"required"`
	Name           string   `json:"name" validate:"required,max=255"`
	MAC            string   `json:"mac" validate:"required,mac"`
	IP             string   `json:"ip" validate:"required,ip4_addr"`
	Status         string   `json:"status" validate:"required,oneof=awake asleep"`
	LastSeen       *string  `json:"lastSeen"`
	Discovered     int      `json:"discovered" validate:"oneof=0 1"`
	PingResponsive *int     `json:"pingResponsive"`
	Notes          string   `json:"notes,omitempty" validate:"max=2000"`
	Tags           []string `json:"tags,omitempty" validate:"omitempty,max=32,dive,min=1,max=64"`
}

// HostRemovedPayload announces a host deletion.
type HostRemovedPayload struct {
	NodeID string `json:"nodeId" validate:"required"`
	Name   string `json:"name" validate:"required,max=255"`
}

// ScanCompletePayload announces a finished scan and the store size after it.
type ScanCompletePayload struct {
	NodeID    string `json:"nodeId" validate:"required"`
	HostCount int    `json:"hostCount" validate:"gte=0"`
}

// HostPing carries the probe detail attached to a ping-host result.
type HostPing struct {
	HostName string `json:"hostName"`
	IP       string `json:"ip"`
	MAC      string `json:"mac"`
	Alive    bool   `json:"alive"`
	Status   string `json:"status"`
}

// CommandResultPayload is the single terminal result of a dispatched command.
type CommandResultPayload struct {
	NodeID    string    `json:"nodeId" validate:"required"`
	CommandID string    `json:"commandId" validate:"required"`
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	HostPing  *HostPing `json:"hostPing,omitempty"`
	Timestamp int64     `json:"timestamp" validate:"required"`
}
