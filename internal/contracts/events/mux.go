package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
)

// SupportedVersions lists the schema versions every registered type accepts.
// Version 0 and 1 carry the same payload shape; only the framing differs.
var SupportedVersions = []int{LegacyVersion, CurrentVersion}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func payloadValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// HandlerFunc handles one decoded envelope.
type HandlerFunc func(ctx context.Context, env Raw) error

type route struct {
	typ     string
	version int
}

// Mux dispatches envelopes on (type, version).
type Mux struct {
	mu     sync.RWMutex
	routes map[route]HandlerFunc
	types  map[string]struct{}
}

func NewMux() *Mux {
	return &Mux{
		routes: map[route]HandlerFunc{},
		types:  map[string]struct{}{},
	}
}

// Handle registers h for eventType at each of the given versions.
func (m *Mux) Handle(eventType string, versions []int, h HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types[eventType] = struct{}{}
	for _, v := range versions {
		m.routes[route{typ: eventType, version: v}] = h
	}
}

// Types returns the registered event types, sorted. Consumers bind these.
func (m *Mux) Types() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.types))
	for t := range m.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Dispatch routes env to its handler.
//
// An unregistered type yields ErrUnknownType. A registered type at an
// unregistered version yields a permanent ErrUnsupportedVersion.
func (m *Mux) Dispatch(ctx context.Context, env Raw) error {
	m.mu.RLock()
	_, known := m.types[env.Type]
	h := m.routes[route{typ: env.Type, version: env.Version}]
	m.mu.RUnlock()

	if !known {
		return fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if h == nil {
		return Permanent(fmt.Errorf("%w: type=%s version=%d", ErrUnsupportedVersion, env.Type, env.Version))
	}
	return h(ctx, env)
}

// On registers a typed handler for eventType at all SupportedVersions.
func On[T any](m *Mux, eventType string, fn func(ctx context.Context, meta Meta, payload T) error) {
	m.Handle(eventType, SupportedVersions, func(ctx context.Context, env Raw) error {
		p, err := DecodePayload[T](env)
		if err != nil {
			return err
		}
		return fn(ctx, env.Meta, p)
	})
}

// DecodePayload unmarshals and validates the payload of env. Failures are
// permanent.
func DecodePayload[T any](env Raw) (T, error) {
	var p T
	if len(env.Payload) == 0 {
		return p, Permanent(fmt.Errorf("%w: %s: empty payload", ErrInvalidPayload, env.Type))
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return p, Permanent(fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err))
	}
	if err := payloadValidator().Struct(p); err != nil {
		return p, Permanent(fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err))
	}
	return p, nil
}

// Validate checks p against its validate tags. Producers call it before
// enqueueing so a malformed event never reaches the broker.
func Validate(p any) error {
	if err := payloadValidator().Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
