package compressed

import (
	"iter"

	"adder.codec/internal/event"
)

const (
	// BlockSizeBig is the side length of a block in pixels.
	BlockSizeBig = 16
	// BlockArea is the number of slots in a block.
	BlockArea = BlockSizeBig * BlockSizeBig
)

// ZigZagOrder maps traversal position to row-major slot for a BlockSizeBig block.
// Built once at init; treat as read-only.
var ZigZagOrder = func() [BlockArea]uint16 {
	var order [BlockArea]uint16
	copy(order[:], GenZigZagOrder(BlockSizeBig))
	return order
}()

// ZigZagOrderCopy returns a private copy of ZigZagOrder, for callers that
// prefer to keep the table on their own stack.
func ZigZagOrderCopy() [BlockArea]uint16 { return ZigZagOrder }

// GenZigZagOrder computes the JPEG-style diagonal scan for an n x n block.
// order[i] is the row-major slot visited at step i.
func GenZigZagOrder(n int) []uint16 {
	if n <= 0 {
		return nil
	}
	order := make([]uint16, n*n)
	up := true
	y, x := 0, 0
	for idx := 0; ; {
		order[idx] = uint16(y*n + x)
		idx++
		if idx == n*n {
			break
		}
		if up {
			switch {
			case x == n-1:
				y++
				up = false
			case y == 0:
				x++
				up = false
			default:
				x++
				y--
			}
		} else {
			switch {
			case y == n-1:
				x++
				up = true
			case x == 0:
				y++
				up = true
			default:
				x--
				y++
			}
		}
	}
	return order
}

// ZigZag walks a block in the order of a zig-zag table. It yields exactly
// BlockArea items; a nil event marks an empty slot.
type ZigZag struct {
	block *Block
	order *[BlockArea]uint16
	idx   int
}

// NewZigZag returns an iterator over b. A nil order selects ZigZagOrder.
func NewZigZag(b *Block, order *[BlockArea]uint16) *ZigZag {
	if order == nil {
		order = &ZigZagOrder
	}
	return &ZigZag{block: b, order: order}
}

// Next returns the next slot in traversal order. ok is false once all
// BlockArea slots have been visited.
func (z *ZigZag) Next() (ev *event.EventCoordless, ok bool) {
	if z.idx >= BlockArea {
		return nil, false
	}
	slot := int(z.order[z.idx])
	z.idx++
	return z.block.ref(slot), true
}

// Remaining reports how many items Next will still return.
func (z *ZigZag) Remaining() int { return BlockArea - z.idx }

// ZigZag ranges over b in ZigZagOrder, yielding traversal position and slot contents.
func (b *Block) ZigZag() iter.Seq2[int, *event.EventCoordless] {
	return func(yield func(int, *event.EventCoordless) bool) {
		for i, slot := range &ZigZagOrder {
			if !yield(i, b.ref(int(slot))) {
				return
			}
		}
	}
}
