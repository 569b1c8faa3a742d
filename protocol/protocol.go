// Package protocol defines the JSON shapes exchanged between UI peers,
// device peers and the server.  Every WebSocket message is an Envelope
// carried as a single text frame.
package protocol

import "encoding/json"

// Message types accepted by the router.
const (
	TypeRegister        = "register"
	TypeTelemetry       = "telemetry"
	TypeGetDevices      = "getDevices"
	TypeDismissPairing  = "dismissPairing"
	TypeRevokeDevice    = "revokeDevice"
	TypeSendCommand     = "sendCommand"
	TypeCommandAck      = "command:ack"
	TypeCommandComplete = "command:complete"
)

// Message types produced by the server.
const (
	TypeRegistered      = "registered"
	TypeError           = "error"
	TypeDevicesList     = "devices:list"
	TypePairingRequests = "pairing:requests"
	TypeDeviceOnline    = "device:online"
	TypeDeviceOffline   = "device:offline"
	TypeDeviceUpdate    = "device:update"
	TypeDeviceRevoked   = "device:revoked"
	TypeCommandSent     = "command:sent"
)

// Error codes carried by error envelopes on failed registration.
const (
	ErrCodeNoToken      = "no_token"
	ErrCodeInvalidToken = "invalid_token"
)

// Envelope is the outer shape of every WebSocket message.  Inbound data
// decodes to a map; outbound data may be any JSON-encodable value.
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Encode renders the envelope as a JSON text-frame payload.
func (e Envelope) Encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode parses a text-frame payload.  Data becomes a
// map[string]interface{} for object payloads.
func Decode(payload string) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal([]byte(payload), &e)
	return e, err
}

// DataMap returns the envelope data as a map, or an empty map when the
// payload carried no object.
func (e Envelope) DataMap() map[string]interface{} {
	if m, ok := e.Data.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{}
}

// ErrorEnvelope builds the error reply sent on failed registration.
func ErrorEnvelope(code, message string) Envelope {
	return Envelope{
		Type: TypeError,
		Data: map[string]string{"code": code, "message": message},
	}
}

// Device is the persisted device snapshot as it appears on the wire and in
// API responses.
type Device struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	DeviceType string  `json:"device_type"`
	Status     string  `json:"status"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Altitude   float64 `json:"altitude"`
	Heading    float64 `json:"heading"`
	Speed      float64 `json:"speed"`
	Battery    float64 `json:"battery"`
	LastSeen   int64   `json:"last_seen"`
}

// Device status values.
const (
	StatusOffline = "offline"
	StatusOnline  = "online"
	StatusRevoked = "revoked"
)

// PairingRequest is a pending pairing request as broadcast to UI peers and
// returned by the API.
type PairingRequest struct {
	DeviceID   string `json:"device_id"`
	Name       string `json:"name"`
	DeviceType string `json:"device_type"`
	Code       string `json:"code"`
	CreatedAt  int64  `json:"created_at"`
	ExpiresAt  int64  `json:"expires_at"`
}

// Command is a persisted command issued by a UI peer.
type Command struct {
	ID          string `json:"command_id"`
	DeviceID    string `json:"device_id"`
	CommandType string `json:"command_type"`
	Payload     string `json:"payload"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"created_at"`
}

// Command status values.
const (
	CommandPending      = "pending"
	CommandSent         = "sent"
	CommandFailed       = "failed"
	CommandAcknowledged = "acknowledged"
)
