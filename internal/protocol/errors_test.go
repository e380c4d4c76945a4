package protocol

import (
	"errors"
	"fmt"
	"testing"

	"adder.codec/internal/codec/compressed"
	"adder.codec/internal/codec/tiles"
)

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrAlreadyExists,
		ErrOutOfTile,
		ErrBadEvent,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestCodeFor(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&compressed.AlreadyExistsError{Idx: 3}, ErrAlreadyExists},
		{fmt.Errorf("cube: %w", &compressed.AlreadyExistsError{Idx: 3}), ErrAlreadyExists},
		{&compressed.OutOfTileError{X: 99, Y: 1}, ErrOutOfTile},
		{&tiles.OutOfSensorError{X: 400, Y: 1, Width: 346, Height: 260}, ErrOutOfTile},
		{&BadEventError{Err: errors.New("unexpected EOF")}, ErrBadEvent},
		{errors.New("disk full"), ErrInternal},
	}
	for _, tc := range cases {
		if got := CodeFor(tc.err); got != tc.want {
			t.Fatalf("CodeFor(%v)=%q want %q", tc.err, got, tc.want)
		}
		if !IsKnownCode(CodeFor(tc.err)) {
			t.Fatalf("CodeFor(%v) returned unknown code", tc.err)
		}
	}
}
