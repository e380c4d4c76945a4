package compressed

import (
	"errors"
	"testing"

	"adder.codec/internal/event"
)

func TestBlock_SetEventOnce(t *testing.T) {
	b := NewBlock()
	first := event.Event{D: 7, DeltaT: 100}
	if err := b.SetEvent(first, 5); err != nil {
		t.Fatalf("first set: %v", err)
	}
	err := b.SetEvent(event.Event{D: 1, DeltaT: 1}, 5)
	var ae *AlreadyExistsError
	if !errors.As(err, &ae) {
		t.Fatalf("second set err=%v want AlreadyExistsError", err)
	}
	if ae.Idx != 5 {
		t.Fatalf("idx=%d want 5", ae.Idx)
	}
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("errors.Is(ErrAlreadyExists)=false")
	}
	got, ok := b.Get(5)
	if !ok || got.D != 7 || got.DeltaT != 100 {
		t.Fatalf("stored=%+v ok=%v; overwritten", got, ok)
	}
	if b.FillCount() != 1 {
		t.Fatalf("fill=%d want 1", b.FillCount())
	}
}

func TestBlock_FilledOnlyWhenFull(t *testing.T) {
	b := NewBlock()
	for i := 0; i < BlockArea; i++ {
		if b.IsFilled() {
			t.Fatalf("filled early at %d", i)
		}
		if err := b.SetEvent(event.Event{D: 1, DeltaT: uint32(i)}, i); err != nil {
			t.Fatalf("set %d: %v", i, err)
		}
	}
	if !b.IsFilled() {
		t.Fatalf("expected filled after %d events", BlockArea)
	}
}

func TestBlock_SlotOutOfRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	_ = NewBlock().SetEvent(event.Event{}, BlockArea)
}

func TestRestoreBlock_RoundTrip(t *testing.T) {
	b := NewBlock()
	for _, i := range []int{0, 63, 64, 200, BlockArea - 1} {
		if err := b.SetEvent(event.Event{D: uint8(i % 20), DeltaT: uint32(i) + 1}, i); err != nil {
			t.Fatalf("set %d: %v", i, err)
		}
	}
	var vals [BlockArea]event.EventCoordless
	for i := 0; i < BlockArea; i++ {
		if v, ok := b.Get(i); ok {
			vals[i] = v
		} else {
			vals[i] = event.EventCoordless{D: 99, DeltaT: 99}
		}
	}
	r := RestoreBlock(b.Presence(), &vals)
	if r.FillCount() != b.FillCount() {
		t.Fatalf("fill=%d want %d", r.FillCount(), b.FillCount())
	}
	for i := 0; i < BlockArea; i++ {
		a, aok := b.Get(i)
		c, cok := r.Get(i)
		if aok != cok || a != c {
			t.Fatalf("slot %d: %+v/%v vs %+v/%v", i, a, aok, c, cok)
		}
	}
}
