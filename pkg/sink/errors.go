package sink

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownType indicates a sink type no factory was registered for.
	// Surfaces as a configuration error, which is fatal at startup.
	ErrUnknownType = errors.New("unknown sink type")

	// ErrNotConnected indicates Write was called before Connect, or
	// after Close.
	ErrNotConnected = errors.New("sink not connected")
)

// WriteKind classifies write failures.
type WriteKind int

const (
	// KindConnectionLost covers transport failures between the bridge
	// and the backend.
	KindConnectionLost WriteKind = iota
	// KindSchemaMismatch indicates the target table is absent or has an
	// incompatible shape.
	KindSchemaMismatch
)

func (k WriteKind) String() string {
	switch k {
	case KindConnectionLost:
		return "connection_lost"
	case KindSchemaMismatch:
		return "schema_mismatch"
	default:
		return "unknown"
	}
}

// WriteError wraps a backend failure for a single record. It never stops
// the bridge run loop; the bridge logs it and moves on.
type WriteError struct {
	Sink string
	Kind WriteKind
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("sink %s: %s: %v", e.Sink, e.Kind, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
