package compressed

import (
	"fmt"

	"adder.codec/internal/event"
)

// Channels is the number of color channels a Cube tracks.
const Channels = 3

// OutOfTileError reports an event whose coordinate falls outside the cube's tile.
type OutOfTileError struct {
	X, Y             uint16
	OriginX, OriginY int
}

func (e *OutOfTileError) Error() string {
	return fmt.Sprintf("event (%d,%d) outside tile at (%d,%d)", e.X, e.Y, e.OriginX, e.OriginY)
}

// Placement describes where Place stored an event.
type Placement struct {
	Channel    int
	Slot       int
	Generation int
	// Filled is set when this event completed its block.
	Filled bool
}

// Cube owns the block generations of one spatial tile, one sequence per channel.
//
// Each pixel advances through generations at its own rate: blockIdxMap[c][slot]
// is the generation that takes that pixel's next event. A new block is appended
// only when a pixel runs past the last generation. Sequences never shrink.
//
// Not safe for concurrent writers.
type Cube struct {
	blocks   [Channels][]*Block
	cubeIdxY int
	cubeIdxX int
	cubeIdxC int

	blockIdxMap [Channels][BlockArea]uint32
}

func NewCube(cubeIdxY, cubeIdxX, cubeIdxC int) *Cube {
	c := &Cube{
		cubeIdxY: cubeIdxY,
		cubeIdxX: cubeIdxX,
		cubeIdxC: cubeIdxC,
	}
	for ch := range c.blocks {
		c.blocks[ch] = []*Block{NewBlock()}
	}
	return c
}

// Index returns the (y, x, c) index the cube was created with.
func (c *Cube) Index() (y, x, ch int) { return c.cubeIdxY, c.cubeIdxX, c.cubeIdxC }

// Origin returns the pixel row and column subtracted from event coordinates.
func (c *Cube) Origin() (y, x int) {
	return c.cubeIdxY / BlockSizeBig, c.cubeIdxX / BlockSizeBig
}

// SetEvent routes e to the current block of its pixel.
func (c *Cube) SetEvent(e event.Event) error {
	_, err := c.Place(e)
	return err
}

// Place is SetEvent that also reports the generation the event landed in.
// An invalid channel panics.
func (c *Cube) Place(e event.Event) (Placement, error) {
	idx, err := c.slotFor(e)
	if err != nil {
		return Placement{}, err
	}
	ch := int(e.Coord.Channel())
	if ch >= Channels {
		panic(fmt.Sprintf("invalid color channel %d", ch))
	}

	gen := int(c.blockIdxMap[ch][idx])
	if gen >= len(c.blocks[ch]) {
		c.blocks[ch] = append(c.blocks[ch], NewBlock())
	}
	b := c.blocks[ch][gen]
	if err := b.SetEvent(e, idx); err != nil {
		return Placement{}, err
	}
	c.blockIdxMap[ch][idx]++
	return Placement{Channel: ch, Slot: idx, Generation: gen, Filled: b.IsFilled()}, nil
}

func (c *Cube) slotFor(e event.Event) (int, error) {
	oy, ox := c.Origin()
	ly := int(e.Coord.Y) - oy
	lx := int(e.Coord.X) - ox
	if ly < 0 || ly >= BlockSizeBig || lx < 0 || lx >= BlockSizeBig {
		return 0, &OutOfTileError{X: e.Coord.X, Y: e.Coord.Y, OriginX: ox, OriginY: oy}
	}
	return ly*BlockSizeBig + lx, nil
}

// Blocks returns the generation sequence of channel ch. The slice is owned by the cube.
func (c *Cube) Blocks(ch int) []*Block { return c.blocks[ch] }

// Generations returns the number of blocks allocated for channel ch.
func (c *Cube) Generations(ch int) int { return len(c.blocks[ch]) }

// CurrentGeneration returns the generation that takes the next event at slot.
func (c *Cube) CurrentGeneration(ch, slot int) int { return int(c.blockIdxMap[ch][slot]) }

// IndexMap returns a copy of the per-slot generation map for channel ch.
func (c *Cube) IndexMap(ch int) [BlockArea]uint32 { return c.blockIdxMap[ch] }

// RestoreCube rebuilds a cube from saved generations and index maps. Every
// index map entry must be at most the generation count of its channel.
func RestoreCube(cubeIdxY, cubeIdxX, cubeIdxC int, blocks [Channels][]*Block, maps [Channels][BlockArea]uint32) (*Cube, error) {
	c := &Cube{
		cubeIdxY:    cubeIdxY,
		cubeIdxX:    cubeIdxX,
		cubeIdxC:    cubeIdxC,
		blockIdxMap: maps,
	}
	for ch := range blocks {
		if len(blocks[ch]) == 0 {
			c.blocks[ch] = []*Block{NewBlock()}
		} else {
			c.blocks[ch] = blocks[ch]
		}
		for slot, g := range maps[ch] {
			if int(g) > len(c.blocks[ch]) {
				return nil, fmt.Errorf("channel %d slot %d: generation %d beyond %d blocks", ch, slot, g, len(c.blocks[ch]))
			}
		}
	}
	return c, nil
}
