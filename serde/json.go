package serde

import (
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/disintegrate-es/disintegrate/event"
)

// JSON is a registry-backed JSON codec. Each event variant registers a
// factory keyed by its type tag; decoding allocates a fresh instance through
// the factory and unmarshals the payload into it. The dispatch table is built
// once at startup - no reflection over unknown types at runtime.
type JSON struct {
	factories map[string]func() event.Event
}

// NewJSON creates an empty JSON codec.
func NewJSON() *JSON {
	return &JSON{factories: make(map[string]func() event.Event)}
}

// Register adds a factory for the given type tag. The factory must return a
// pointer so the decoded payload lands in the instance. Registering the same
// tag twice panics: the event union is closed and built once.
func (j *JSON) Register(name string, factory func() event.Event) *JSON {
	if _, dup := j.factories[name]; dup {
		panic(fmt.Sprintf("serde: event type %q registered twice", name))
	}
	j.factories[name] = factory
	return j
}

// Serialize encodes the event as JSON.
func (j *JSON) Serialize(ev event.Event) ([]byte, error) {
	payload, err := sonic.Marshal(ev)
	if err != nil {
		return nil, &Error{Op: "serialize", Type: ev.Name(), Err: err}
	}
	return payload, nil
}

// Deserialize decodes a payload into a fresh instance of the registered type.
func (j *JSON) Deserialize(name string, payload []byte) (event.Event, error) {
	factory, ok := j.factories[name]
	if !ok {
		return nil, &Error{Op: "deserialize", Type: name, Err: fmt.Errorf("unknown event type")}
	}
	ev := factory()
	if err := sonic.Unmarshal(payload, ev); err != nil {
		return nil, &Error{Op: "deserialize", Type: name, Err: err}
	}
	return ev, nil
}
