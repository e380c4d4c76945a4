package tiles

import (
	"fmt"

	"adder.codec/internal/codec/compressed"
	"adder.codec/internal/event"
	"adder.codec/internal/persistence/snapshot"
)

// ExportCubes captures every loaded cube, ordered by key.
func (s *CubeStore) ExportCubes() []snapshot.CubeV1 {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.sortedKeysLocked()
	out := make([]snapshot.CubeV1, 0, len(keys))
	for _, k := range keys {
		out = append(out, exportCube(s.cubes[k]))
	}
	return out
}

func exportCube(c *compressed.Cube) snapshot.CubeV1 {
	y, x, ch := c.Index()
	cv := snapshot.CubeV1{IdxY: y, IdxX: x, IdxC: ch}
	for i := 0; i < compressed.Channels; i++ {
		m := c.IndexMap(i)
		chv := snapshot.ChannelV1{IdxMap: append([]uint32(nil), m[:]...)}
		for _, b := range c.Blocks(i) {
			chv.Blocks = append(chv.Blocks, exportBlock(b))
		}
		cv.Channels[i] = chv
	}
	return cv
}

func exportBlock(b *compressed.Block) snapshot.BlockV1 {
	p := b.Presence()
	bv := snapshot.BlockV1{
		Present: append([]uint64(nil), p[:]...),
		D:       make([]uint8, compressed.BlockArea),
		DeltaT:  make([]uint32, compressed.BlockArea),
	}
	for i := 0; i < compressed.BlockArea; i++ {
		if ev, ok := b.Get(i); ok {
			bv.D[i] = ev.D
			bv.DeltaT[i] = ev.DeltaT
		}
	}
	return bv
}

// ImportCubes replaces the store's cubes with those in a snapshot. Counters
// restart from the imported content: Accepted is the number of stored events
// and Filled the number of full blocks.
func (s *CubeStore) ImportCubes(cubes []snapshot.CubeV1) error {
	next := make(map[CubeKey]*compressed.Cube, len(cubes))
	var st Stats
	for i, cv := range cubes {
		c, err := importCube(cv)
		if err != nil {
			return fmt.Errorf("cube %d: %w", i, err)
		}
		k := KeyOf(c)
		if _, dup := next[k]; dup {
			return fmt.Errorf("cube %d: duplicate tile %+v", i, k)
		}
		next[k] = c
		for ch := 0; ch < compressed.Channels; ch++ {
			for _, b := range c.Blocks(ch) {
				st.Accepted += uint64(b.FillCount())
				if b.IsFilled() {
					st.Filled++
				}
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cubes = next
	s.stats = st
	return nil
}

func importCube(cv snapshot.CubeV1) (*compressed.Cube, error) {
	if cv.IdxY < 0 || cv.IdxX < 0 || cv.IdxY%(n*n) != 0 || cv.IdxX%(n*n) != 0 {
		return nil, fmt.Errorf("cube index (%d,%d) not a multiple of %d", cv.IdxY, cv.IdxX, n*n)
	}
	var blocks [compressed.Channels][]*compressed.Block
	var maps [compressed.Channels][compressed.BlockArea]uint32
	for ch, chv := range cv.Channels {
		if len(chv.IdxMap) != compressed.BlockArea {
			return nil, fmt.Errorf("channel %d: idx map has %d entries, want %d", ch, len(chv.IdxMap), compressed.BlockArea)
		}
		copy(maps[ch][:], chv.IdxMap)
		for g, bv := range chv.Blocks {
			b, err := importBlock(bv)
			if err != nil {
				return nil, fmt.Errorf("channel %d generation %d: %w", ch, g, err)
			}
			blocks[ch] = append(blocks[ch], b)
		}
	}
	return compressed.RestoreCube(cv.IdxY, cv.IdxX, cv.IdxC, blocks, maps)
}

func importBlock(bv snapshot.BlockV1) (*compressed.Block, error) {
	if len(bv.Present) != compressed.PresenceWords || len(bv.D) != compressed.BlockArea || len(bv.DeltaT) != compressed.BlockArea {
		return nil, fmt.Errorf("malformed block: present=%d d=%d delta_t=%d", len(bv.Present), len(bv.D), len(bv.DeltaT))
	}
	var present [compressed.PresenceWords]uint64
	copy(present[:], bv.Present)
	var vals [compressed.BlockArea]event.EventCoordless
	for i := range vals {
		vals[i] = event.EventCoordless{D: bv.D[i], DeltaT: bv.DeltaT[i]}
	}
	return compressed.RestoreBlock(present, &vals), nil
}
