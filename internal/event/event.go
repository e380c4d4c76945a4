package event

// D is the quantized exponent of an event. Intensity is reconstructed as DShift[d] / delta_t.
type D = uint8

// DeltaT is the elapsed time since the pixel's previous event, in source ticks.
type DeltaT = uint32

// Intensity is a reconstructed per-tick intensity.
type Intensity = float64

const (
	// DMax is the largest D with an entry in DShift.
	DMax D = 20

	// Sentinel D values emitted by sources; none of them index DShift.
	DNoEvent         D = 253
	DZeroIntegration D = 254
	DEmpty           D = 255
)

// DShift maps D to the integration threshold 2^d.
var DShift = func() [DMax + 1]uint32 {
	var t [DMax + 1]uint32
	for i := range t {
		t[i] = 1 << uint(i)
	}
	return t
}()

// Coord is a pixel position. A nil C means a monochrome source (channel 0).
type Coord struct {
	X uint16 `json:"x"`
	Y uint16 `json:"y"`
	C *uint8 `json:"c,omitempty"`
}

// Channel returns the color channel, defaulting to 0.
func (c Coord) Channel() uint8 {
	if c.C == nil {
		return 0
	}
	return *c.C
}

// Chan returns a pointer suitable for Coord.C.
func Chan(c uint8) *uint8 { return &c }

type Event struct {
	Coord  Coord  `json:"coord"`
	D      D      `json:"d"`
	DeltaT DeltaT `json:"dt"`
}

// EventCoordless is an Event whose position is implied by where it is stored.
type EventCoordless struct {
	D      D      `json:"d"`
	DeltaT DeltaT `json:"dt"`
}

// Coordless drops the coordinate of e.
func Coordless(e Event) EventCoordless {
	return EventCoordless{D: e.D, DeltaT: e.DeltaT}
}
