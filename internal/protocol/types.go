// Package protocol defines the envelope format and the message set exchanged
// between browser clients and the generation server over a websocket.
//
// Every message is a JSON envelope:
//
//	{
//	  "type": "GENERATE",
//	  "metadata": {"id": "<uuid>", "timestamp": 1718000000000, "clientId": "..."},
//	  "payload": { ... }
//	}
//
// Each envelope carries a fresh id. Responses to a GENERATE (ANALYZED,
// GENERATED, FAILED) echo the generation id inside payload.request so a
// client holding several connections' worth of traffic can discard
// responses that are not meant for its buffered request.
package protocol

// Subprotocol is the websocket sub-protocol token both sides must negotiate.
const Subprotocol = "contentgen.v1"

// Type identifies the kind of envelope.
type Type string

// Client -> server.
const (
	TypeConnect    Type = "CONNECT"
	TypeDisconnect Type = "DISCONNECT"
	TypePing       Type = "PING"
	TypeGenerate   Type = "GENERATE"
	TypeStop       Type = "STOP"
)

// Server -> client.
const (
	TypeConnected      Type = "CONNECTED"
	TypeDisconnected   Type = "DISCONNECTED"
	TypePong           Type = "PONG"
	TypeAnalyzed       Type = "ANALYZED"
	TypeGenerated      Type = "GENERATED"
	TypeFailed         Type = "FAILED"
	TypeLicenseUpdated Type = "LICENSE_UPDATED"
)

// FromClient reports whether t is sent by clients.
func (t Type) FromClient() bool {
	switch t {
	case TypeConnect, TypeDisconnect, TypePing, TypeGenerate, TypeStop:
		return true
	}
	return false
}

// FromServer reports whether t is sent by the server.
func (t Type) FromServer() bool {
	switch t {
	case TypeConnected, TypeDisconnected, TypePong, TypeAnalyzed, TypeGenerated, TypeFailed, TypeLicenseUpdated:
		return true
	}
	return false
}

// ConnectPayload is sent with CONNECT.
type ConnectPayload struct {
	ClientID string `json:"clientId,omitempty"`
	Version  string `json:"version,omitempty"`
}

// ConnectedPayload is sent with CONNECTED.
type ConnectedPayload struct {
	SessionID string `json:"sessionId"`
}

// DisconnectedPayload is sent with DISCONNECTED.
type DisconnectedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// HistoryEntry is one prior turn of a conversation stage.
type HistoryEntry struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// History carries the prior turns of both pipeline stages.
type History struct {
	Analysis   []HistoryEntry `json:"analysis"`
	Generation []HistoryEntry `json:"generation"`
}

// Meta describes where the content being edited lives.
type Meta struct {
	Language    string `json:"language"`
	ContentPath string `json:"contentPath"`
}

// Field is the current snapshot of one editable field.
type Field struct {
	Value       any    `json:"value"`
	Type        string `json:"type"`
	SchemaLabel string `json:"schemaLabel,omitempty"`
}

// GeneratePayload is sent with GENERATE.
type GeneratePayload struct {
	Prompt       string           `json:"prompt"`
	Instructions string           `json:"instructions,omitempty"`
	History      History          `json:"history"`
	Meta         Meta             `json:"meta"`
	Fields       map[string]Field `json:"fields"`
}

// StopPayload is sent with STOP.
type StopPayload struct {
	GenerationID string `json:"generationId"`
}

// RequestRef identifies the GENERATE a response belongs to.
type RequestRef struct {
	GenerationID string `json:"generationId,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
}

// AnalyzedPayload is sent with ANALYZED. Result maps field names to the
// per-field task the generation stage will carry out.
type AnalyzedPayload struct {
	Request RequestRef        `json:"request"`
	Result  map[string]string `json:"result"`
}

// GeneratedPayload is sent with GENERATED.
type GeneratedPayload struct {
	Request RequestRef         `json:"request"`
	Result  map[string]Content `json:"result"`
}

// ErrorDetail is the hard-failure branch of FAILED.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WarningDetail is the soft-failure branch of FAILED.
type WarningDetail struct {
	Message string `json:"message"`
}

// FailedPayload is sent with FAILED. Exactly one of Error or Warning is set.
type FailedPayload struct {
	Request RequestRef     `json:"request"`
	Error   *ErrorDetail   `json:"error,omitempty"`
	Warning *WarningDetail `json:"warning,omitempty"`
}

// LicensePayload is sent with LICENSE_UPDATED.
type LicensePayload struct {
	Plan      string `json:"plan"`
	Valid     bool   `json:"valid"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}
