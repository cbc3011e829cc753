package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// LegacyVersion is assigned to bare payloads published without an envelope.
	LegacyVersion = 0
	// CurrentVersion is what producers in this repo emit.
	CurrentVersion = 1
)

// Meta is everything in an envelope except the payload.
type Meta struct {
	Version    int       `json:"version"`
	Type       string    `json:"type"`
	MessageID  string    `json:"message_id,omitempty"`
	Producer   string    `json:"producer,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Envelope is the canonical message body exchanged across services.
type Envelope[T any] struct {
	Meta
	Payload T `json:"payload"`
}

// Raw is an envelope whose payload has not been decoded yet.
type Raw = Envelope[json.RawMessage]

// New wraps payload in a current-version envelope with a fresh message id.
func New[T any](eventType, producer, traceID string, payload T) Envelope[T] {
	return Envelope[T]{
		Meta: Meta{
			Version:    CurrentVersion,
			Type:       eventType,
			MessageID:  uuid.NewString(),
			Producer:   producer,
			TraceID:    traceID,
			OccurredAt: time.Now().UTC(),
		},
		Payload: payload,
	}
}

// Marshal encodes an envelope.
func Marshal[T any](env Envelope[T]) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", env.Type, err)
	}
	return b, nil
}

// Decode parses a message body received under routingKey.
//
// A JSON object with a "version" or "payload" member is an envelope. Any
// other JSON object is a legacy bare payload and is returned as a version 0
// envelope whose type is the routing key. Everything else is ErrMalformed.
func Decode(routingKey string, body []byte) (Raw, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return Raw{}, fmt.Errorf("%w: body is not a json object", ErrMalformed)
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return Raw{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	rk := strings.TrimSpace(routingKey)

	_, hasVersion := probe["version"]
	_, hasPayload := probe["payload"]
	if !hasVersion && !hasPayload {
		return Raw{
			Meta:    Meta{Version: LegacyVersion, Type: rk},
			Payload: json.RawMessage(body),
		}, nil
	}

	var env Raw
	if err := json.Unmarshal(body, &env); err != nil {
		return Raw{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		env.Type = rk
	}
	if env.Type == "" {
		return Raw{}, fmt.Errorf("%w: no event type", ErrMalformed)
	}
	return env, nil
}
