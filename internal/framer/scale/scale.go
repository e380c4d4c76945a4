// Package scale converts ADΔER events into frame samples for preview and export.
//
// A sample is produced for one of the unsigned widths 8/16/32/64 from the
// event's (d, delta_t) pair, according to a ViewMode:
//
//   - Intensity: 2^d / delta_t, rescaled from the source bit depth to the
//     sample width and multiplied by the ticks per frame.
//   - D: d normalized by the practical D maximum.
//   - DeltaT: delta_t normalized by the delta_t maximum.
//
// Floating-point sources are not supported yet and panic.
package scale

import (
	"fmt"
	"math"
	"strings"

	"adder.codec/internal/event"
)

type SourceType uint8

const (
	SourceU8 SourceType = iota
	SourceU16
	SourceU32
	SourceU64
	SourceF32
	SourceF64
)

var sourceNames = [...]string{"u8", "u16", "u32", "u64", "f32", "f64"}

func (s SourceType) String() string {
	if int(s) < len(sourceNames) {
		return sourceNames[s]
	}
	return fmt.Sprintf("SourceType(%d)", uint8(s))
}

// ParseSourceType accepts the names printed by SourceType.String.
func ParseSourceType(s string) (SourceType, error) {
	for i, n := range sourceNames {
		if strings.EqualFold(s, n) {
			return SourceType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown source type %q", s)
}

// Bits returns the bit depth of an integer source, or 0 for float sources.
func (s SourceType) Bits() int {
	switch s {
	case SourceU8:
		return 8
	case SourceU16:
		return 16
	case SourceU32:
		return 32
	case SourceU64:
		return 64
	}
	return 0
}

type ViewMode uint8

const (
	ViewIntensity ViewMode = iota
	ViewD
	ViewDeltaT
)

var viewNames = [...]string{"intensity", "d", "delta_t"}

func (v ViewMode) String() string {
	if int(v) < len(viewNames) {
		return viewNames[v]
	}
	return fmt.Sprintf("ViewMode(%d)", uint8(v))
}

func ParseViewMode(s string) (ViewMode, error) {
	for i, n := range viewNames {
		if strings.EqualFold(s, n) {
			return ViewMode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown view mode %q", s)
}

// Sample is the closed set of frame sample widths.
type Sample interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Params are the per-stream inputs to FrameValue.
type Params struct {
	Source        SourceType
	TicksPerFrame event.DeltaT
	PracticalDMax float32
	DeltaTMax     event.DeltaT
	Mode          ViewMode
}

// FrameValue converts e into a sample of width T.
func FrameValue[T Sample](e event.Event, p Params) T {
	switch p.Mode {
	case ViewIntensity:
		intensity := EventToIntensity(e)
		src := p.Source.Bits()
		if src == 0 {
			panic(fmt.Sprintf("frame value from %s source is not implemented", p.Source))
		}
		tpf := float64(p.TicksPerFrame)
		if src == bitsOf[T]() {
			return saturate64[T](intensity * tpf)
		}
		return saturate64[T](intensity / maxFloat64(src) * tpf * maxFloat64(bitsOf[T]()))
	case ViewD:
		return saturate32[T]((float32(e.D) / p.PracticalDMax) * MaxF32[T]())
	case ViewDeltaT:
		return saturate32[T]((float32(e.DeltaT) / float32(p.DeltaTMax)) * MaxF32[T]())
	}
	panic(fmt.Sprintf("invalid view mode %d", p.Mode))
}

// CoordlessFrameValue is the passthrough conversion: the sample is the event itself.
func CoordlessFrameValue(e event.Event, _ Params) event.EventCoordless {
	return event.Coordless(e)
}

// MaxF32 returns the largest value of T as a float32.
func MaxF32[T Sample]() float32 { return float32(maxOf[T]()) }

// EventToIntensity reconstructs 2^d / delta_t. A delta_t of 0 is treated as 1;
// a d beyond the DShift table yields 0.
func EventToIntensity(e event.Event) event.Intensity {
	if int(e.D) >= len(event.DShift) {
		return 0
	}
	num := event.Intensity(event.DShift[e.D])
	if e.DeltaT == 0 {
		return num
	}
	return num / event.Intensity(e.DeltaT)
}

func maxOf[T Sample]() T { return ^T(0) }

func bitsOf[T Sample]() int {
	m := uint64(maxOf[T]())
	n := 0
	for m != 0 {
		n++
		m >>= 1
	}
	return n
}

func maxFloat64(bits int) float64 {
	if bits >= 64 {
		return float64(math.MaxUint64)
	}
	return float64(uint64(1)<<uint(bits) - 1)
}

// saturate64 clamps v to T's range the way a saturating float cast would; NaN becomes 0.
func saturate64[T Sample](v float64) T {
	if !(v > 0) {
		return 0
	}
	if v >= float64(maxOf[T]()) {
		return maxOf[T]()
	}
	return T(v)
}

func saturate32[T Sample](v float32) T {
	return saturate64[T](float64(v))
}
