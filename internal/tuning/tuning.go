package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"adder.codec/internal/framer/scale"
)

type Tuning struct {
	// Sensor extent in pixels.
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`

	SourceType    string  `yaml:"source_type" json:"source_type"`
	ViewMode      string  `yaml:"view_mode" json:"view_mode"`
	OutputBits    int     `yaml:"output_bits" json:"output_bits"`
	TicksPerFrame uint32  `yaml:"ticks_per_frame" json:"ticks_per_frame"`
	DeltaTMax     uint32  `yaml:"delta_t_max" json:"delta_t_max"`
	PracticalDMax float32 `yaml:"practical_d_max" json:"practical_d_max"`

	DataDir             string `yaml:"data_dir" json:"data_dir"`
	PreviewAddr         string `yaml:"preview_addr" json:"preview_addr"`
	SnapshotEveryEvents int    `yaml:"snapshot_every_events" json:"snapshot_every_events"`
	Workers             int    `yaml:"workers" json:"workers"`
}

func Defaults() Tuning {
	return Tuning{
		Width:               346,
		Height:              260,
		SourceType:          scale.SourceU8.String(),
		ViewMode:            scale.ViewIntensity.String(),
		OutputBits:          8,
		TicksPerFrame:       255,
		DeltaTMax:           255 * 30,
		PracticalDMax:       float32(20),
		DataDir:             "./data",
		SnapshotEveryEvents: 1 << 20,
		Workers:             4,
	}
}

// Load reads a yaml file over Defaults; keys absent from the file keep their default.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("adder.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("adder.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.Width <= 0 || t.Height <= 0 {
		return fmt.Errorf("width/height must be positive (got %dx%d)", t.Width, t.Height)
	}
	if t.Width > 1<<16 || t.Height > 1<<16 {
		return fmt.Errorf("width/height exceed 16-bit coordinates (got %dx%d)", t.Width, t.Height)
	}
	src, err := scale.ParseSourceType(t.SourceType)
	if err != nil {
		return err
	}
	mode, err := scale.ParseViewMode(t.ViewMode)
	if err != nil {
		return err
	}
	if mode == scale.ViewIntensity && src.Bits() == 0 {
		return fmt.Errorf("view_mode intensity is not supported for %s sources", src)
	}
	switch t.OutputBits {
	case 8, 16, 32, 64:
	default:
		return fmt.Errorf("output_bits must be 8, 16, 32 or 64 (got %d)", t.OutputBits)
	}
	if t.DeltaTMax == 0 {
		return fmt.Errorf("delta_t_max must be positive")
	}
	if t.PracticalDMax <= 0 {
		return fmt.Errorf("practical_d_max must be positive")
	}
	if t.Workers < 0 || t.SnapshotEveryEvents < 0 {
		return fmt.Errorf("workers/snapshot_every_events must not be negative")
	}
	return nil
}

// ScaleParams returns the frame conversion parameters. Validate must have passed.
func (t Tuning) ScaleParams() scale.Params {
	src, _ := scale.ParseSourceType(t.SourceType)
	mode, _ := scale.ParseViewMode(t.ViewMode)
	return scale.Params{
		Source:        src,
		TicksPerFrame: t.TicksPerFrame,
		PracticalDMax: t.PracticalDMax,
		DeltaTMax:     t.DeltaTMax,
		Mode:          mode,
	}
}
