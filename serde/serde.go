// Package serde provides pluggable event codecs. The store takes an opaque
// (payload, type tag) pair at append time and hands the same pair back at
// scan time; a Serde turns event values into payloads and back.
package serde

import (
	"errors"
	"fmt"

	"github.com/disintegrate-es/disintegrate/event"
)

// Serde encodes and decodes events. Implementations must round-trip:
// Deserialize(ev.Name(), Serialize(ev)) reproduces ev.
type Serde interface {
	Serialize(ev event.Event) ([]byte, error)
	Deserialize(name string, payload []byte) (event.Event, error)
}

// Error reports an event encode or decode failure. It is fatal for the
// in-flight operation; snapshot decode failures are handled separately and
// downgraded to a cache miss.
type Error struct {
	Op   string // "serialize" or "deserialize"
	Type string // event type tag
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("serde: %s %s: %v", e.Op, e.Type, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsSerdeError reports whether err is (or wraps) a serde Error.
func IsSerdeError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}
