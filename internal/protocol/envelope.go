package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Metadata is attached to every envelope.
type Metadata struct {
	ID        string `json:"id"`
	Timestamp *int64 `json:"timestamp,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
}

// Envelope is the typed wrapper for every protocol message. Envelopes are
// treated as immutable once sent.
type Envelope struct {
	Type     Type            `json:"type"`
	Metadata Metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ErrInvalidEnvelope is returned when a frame cannot be parsed as an envelope.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// New builds an envelope of type t with a fresh id and the current timestamp.
// A nil payload produces an envelope without payload.
func New(t Type, payload any) (Envelope, error) {
	ts := time.Now().UnixMilli()
	env := Envelope{
		Type: t,
		Metadata: Metadata{
			ID:        uuid.New().String(),
			Timestamp: &ts,
		},
	}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Payload = raw
	return env, nil
}

// MustNew is New for payloads that are known to marshal.
func MustNew(t Type, payload any) Envelope {
	env, err := New(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// WithClientID returns a copy of env stamped with clientID.
func (e Envelope) WithClientID(clientID string) Envelope {
	e.Metadata.ClientID = clientID
	return e
}

// Decode unmarshals the payload of env into T.
func Decode[T any](env Envelope) (T, error) {
	var v T
	if len(env.Payload) == 0 || bytes.Equal(env.Payload, []byte("null")) {
		return v, fmt.Errorf("%w: %s has no payload", ErrInvalidEnvelope, env.Type)
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("%w: %s payload: %v", ErrInvalidEnvelope, env.Type, err)
	}
	return v, nil
}

// Encode marshals an envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Parse decodes a wire frame into an envelope and checks the required
// fields are present.
func Parse(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}
	if env.Metadata.ID == "" {
		return Envelope{}, fmt.Errorf("%w: missing metadata.id", ErrInvalidEnvelope)
	}
	return env, nil
}

// Content is a generated field value: either a single string or a list of
// strings. Any other JSON shape is rejected when decoding.
type Content struct {
	Text  string
	Items []string
	list  bool
}

// Text builds a single-string content value.
func Text(s string) Content { return Content{Text: s} }

// List builds a list content value.
func List(items ...string) Content {
	return Content{Items: append([]string{}, items...), list: true}
}

// IsList reports whether the value is the array-of-string form.
func (c Content) IsList() bool { return c.list }

// String renders the value for display.
func (c Content) String() string {
	if !c.list {
		return c.Text
	}
	var b bytes.Buffer
	for i, item := range c.Items {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(item)
	}
	return b.String()
}

// MarshalJSON implements json.Marshaler.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.list {
		if c.Items == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(c.Items)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return errors.New("empty content")
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*c = Text(s)
		return nil
	case '[':
		var items []string
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return fmt.Errorf("content list must contain only strings: %w", err)
		}
		*c = List(items...)
		return nil
	default:
		return fmt.Errorf("content must be a string or an array of strings, got %s", trimmed)
	}
}
