package tiles

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"adder.codec/internal/codec/compressed"
	"adder.codec/internal/event"
)

const n = compressed.BlockSizeBig

// CubeKey addresses a tile by its row and column in units of BlockSizeBig pixels.
type CubeKey struct {
	TY int
	TX int
}

// FilledBlock is emitted when a generation's block holds an event for every pixel.
type FilledBlock struct {
	Key        CubeKey
	Channel    int
	Generation int
	Block      *compressed.Block
}

type Options struct {
	// Sensor extent in pixels; events outside it are rejected.
	Width, Height int

	// OnFilled runs under the store lock; it must not call back into the store.
	OnFilled func(FilledBlock)
}

// OutOfSensorError reports an event beyond the configured sensor extent.
type OutOfSensorError struct {
	X, Y          uint16
	Width, Height int
}

func (e *OutOfSensorError) Error() string {
	return fmt.Sprintf("event (%d,%d) outside %dx%d sensor", e.X, e.Y, e.Width, e.Height)
}

type Stats struct {
	Accepted    uint64
	Rejected    uint64
	OutOfBounds uint64
	Cubes       int
	Filled      uint64
}

// CubeStore routes events to the Cube owning their tile, creating cubes as
// the stream reaches new tiles.
type CubeStore struct {
	opts Options

	mu    sync.Mutex
	cubes map[CubeKey]*compressed.Cube
	stats Stats
}

func NewCubeStore(opts Options) *CubeStore {
	return &CubeStore{
		opts:  opts,
		cubes: map[CubeKey]*compressed.Cube{},
	}
}

// KeyFor returns the tile containing pixel (x, y).
func KeyFor(x, y uint16) CubeKey {
	return CubeKey{TY: int(y) / n, TX: int(x) / n}
}

// cubeIndex is the index a Cube needs for its origin to land on the tile:
// Cube subtracts idx/BlockSizeBig from coordinates.
func cubeIndex(k CubeKey) (y, x int) {
	return k.TY * n * n, k.TX * n * n
}

// KeyOf recovers the tile key from a cube's index.
func KeyOf(c *compressed.Cube) CubeKey {
	y, x, _ := c.Index()
	return CubeKey{TY: y / (n * n), TX: x / (n * n)}
}

func (s *CubeStore) inBounds(e event.Event) bool {
	if s.opts.Width > 0 && int(e.Coord.X) >= s.opts.Width {
		return false
	}
	if s.opts.Height > 0 && int(e.Coord.Y) >= s.opts.Height {
		return false
	}
	return true
}

// SetEvent places e in its tile. Cube errors are returned unchanged; events
// outside the sensor extent yield an *OutOfSensorError.
func (s *CubeStore) SetEvent(e event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.inBounds(e) {
		s.stats.OutOfBounds++
		return &OutOfSensorError{X: e.Coord.X, Y: e.Coord.Y, Width: s.opts.Width, Height: s.opts.Height}
	}
	k := KeyFor(e.Coord.X, e.Coord.Y)
	c := s.getOrCreate(k)
	p, err := c.Place(e)
	if err != nil {
		s.stats.Rejected++
		return err
	}
	s.stats.Accepted++
	if p.Filled {
		s.stats.Filled++
		if s.opts.OnFilled != nil {
			s.opts.OnFilled(FilledBlock{
				Key:        k,
				Channel:    p.Channel,
				Generation: p.Generation,
				Block:      c.Blocks(p.Channel)[p.Generation],
			})
		}
	}
	return nil
}

func (s *CubeStore) getOrCreate(k CubeKey) *compressed.Cube {
	if c, ok := s.cubes[k]; ok {
		return c
	}
	y, x := cubeIndex(k)
	c := compressed.NewCube(y, x, 0)
	s.cubes[k] = c
	return c
}

// Cube returns the cube for k, or nil if no event reached that tile yet.
func (s *CubeStore) Cube(k CubeKey) *compressed.Cube {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cubes[k]
}

func (s *CubeStore) LoadedCubeKeys() []CubeKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedKeysLocked()
}

func (s *CubeStore) sortedKeysLocked() []CubeKey {
	keys := make([]CubeKey, 0, len(s.cubes))
	for k := range s.cubes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].TY != keys[j].TY {
			return keys[i].TY < keys[j].TY
		}
		return keys[i].TX < keys[j].TX
	})
	return keys
}

func (s *CubeStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Cubes = len(s.cubes)
	return st
}

// ForEachCube runs fn over every loaded cube, at most workers at a time.
// The store is locked for the duration, so fn sees a stable view and must
// only read. The first error cancels the remaining work.
func (s *CubeStore) ForEachCube(ctx context.Context, workers int, fn func(ctx context.Context, k CubeKey, c *compressed.Cube) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for _, k := range s.sortedKeysLocked() {
		k, c := k, s.cubes[k]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(ctx, k, c)
		})
	}
	return g.Wait()
}

// Digest hashes a block in zig-zag order: presence, d and delta_t per slot.
func Digest(b *compressed.Block) uint64 {
	h := xxhash.New()
	var tmp [6]byte
	for _, ev := range b.ZigZag() {
		if ev == nil {
			_, _ = h.Write([]byte{0})
			continue
		}
		tmp[0] = 1
		tmp[1] = ev.D
		binary.LittleEndian.PutUint32(tmp[2:], ev.DeltaT)
		_, _ = h.Write(tmp[:])
	}
	return h.Sum64()
}
