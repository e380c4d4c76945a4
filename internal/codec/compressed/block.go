package compressed

import (
	"errors"
	"fmt"
	"math/bits"

	"adder.codec/internal/event"
)

// ErrAlreadyExists matches any *AlreadyExistsError via errors.Is.
var ErrAlreadyExists = errors.New("event already exists for this block")

// AlreadyExistsError reports a write into an occupied slot of the current block.
type AlreadyExistsError struct {
	Idx int
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("event at idx %d already exists for this block", e.Idx)
}

func (e *AlreadyExistsError) Is(target error) bool { return target == ErrAlreadyExists }

// PresenceWords is the size of a block occupancy bitmap in 64-bit words.
const PresenceWords = BlockArea / 64

// Block holds at most one event per pixel of a BlockSizeBig x BlockSizeBig tile,
// row-major. Groups events into fixed block sizes so D values can be
// differentially coded; whether a block is intra- or inter-coded is left to the coder.
type Block struct {
	events    [BlockArea]event.EventCoordless
	present   [PresenceWords]uint64
	fillCount uint16
}

func NewBlock() *Block { return &Block{} }

// IsFilled reports whether every slot holds an event.
func (b *Block) IsFilled() bool { return b.fillCount == BlockArea }

func (b *Block) FillCount() int { return int(b.fillCount) }

// Has reports whether slot idx holds an event.
func (b *Block) Has(idx int) bool {
	return b.present[idx>>6]&(1<<(uint(idx)&63)) != 0
}

// Get returns the event at row-major slot idx.
func (b *Block) Get(idx int) (event.EventCoordless, bool) {
	if !b.Has(idx) {
		return event.EventCoordless{}, false
	}
	return b.events[idx], true
}

// SetEvent stores e at slot idx. A slot is written at most once; a second
// write fails with *AlreadyExistsError and leaves the block untouched.
func (b *Block) SetEvent(e event.Event, idx int) error {
	if idx < 0 || idx >= BlockArea {
		panic(fmt.Sprintf("block slot %d out of range [0,%d)", idx, BlockArea))
	}
	if b.Has(idx) {
		return &AlreadyExistsError{Idx: idx}
	}
	b.events[idx] = event.Coordless(e)
	b.present[idx>>6] |= 1 << (uint(idx) & 63)
	b.fillCount++
	return nil
}

// Presence returns a copy of the occupancy bitmap (bit i = slot i).
func (b *Block) Presence() [PresenceWords]uint64 { return b.present }

// RestoreBlock rebuilds a block from a Presence bitmap and row-major values.
// Values at slots not marked present are ignored.
func RestoreBlock(present [PresenceWords]uint64, events *[BlockArea]event.EventCoordless) *Block {
	b := &Block{present: present}
	n := 0
	for i, w := range present {
		n += bits.OnesCount64(w)
		for w != 0 {
			tz := bits.TrailingZeros64(w)
			idx := i*64 + tz
			b.events[idx] = events[idx]
			w &= w - 1
		}
	}
	b.fillCount = uint16(n)
	return b
}

func (b *Block) ref(idx int) *event.EventCoordless {
	if !b.Has(idx) {
		return nil
	}
	return &b.events[idx]
}
