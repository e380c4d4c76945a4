package protocol

import (
	"errors"

	"adder.codec/internal/codec/compressed"
	"adder.codec/internal/codec/tiles"
)

const (
	ErrAlreadyExists = "E_ALREADY_EXISTS"
	ErrOutOfTile     = "E_OUT_OF_TILE"
	ErrBadEvent      = "E_BAD_EVENT"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrAlreadyExists: {},
	ErrOutOfTile:     {},
	ErrBadEvent:      {},
	ErrInternal:      {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// BadEventError wraps a line of input that did not decode as an event.
type BadEventError struct {
	Err error
}

func (e *BadEventError) Error() string { return "bad event: " + e.Err.Error() }
func (e *BadEventError) Unwrap() error { return e.Err }

// CodeFor maps an error from the ingest path to its stable code.
func CodeFor(err error) string {
	if err == nil {
		return ""
	}
	var oot *compressed.OutOfTileError
	var oos *tiles.OutOfSensorError
	var bad *BadEventError
	switch {
	case errors.Is(err, compressed.ErrAlreadyExists):
		return ErrAlreadyExists
	case errors.As(err, &oot), errors.As(err, &oos):
		return ErrOutOfTile
	case errors.As(err, &bad):
		return ErrBadEvent
	default:
		return ErrInternal
	}
}
