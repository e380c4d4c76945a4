package protocol

// HELLO (server -> preview client), sent once after the upgrade.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	RunID           string `json:"run_id"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	SourceType      string `json:"source_type"`
	ViewMode        string `json:"view_mode"`
	OutputBits      int    `json:"output_bits"`
	TicksPerFrame   uint32 `json:"ticks_per_frame"`
	DeltaTMax       uint32 `json:"delta_t_max"`
}

// Sample is one event rendered to a frame value at the configured depth.
type Sample struct {
	X     uint16 `json:"x"`
	Y     uint16 `json:"y"`
	C     uint8  `json:"c"`
	Value uint64 `json:"v"`
}

// SAMPLES (server -> preview client)
type SampleBatchMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Seq             uint64   `json:"seq"`
	Samples         []Sample `json:"samples"`
	// Samples this client missed since the previous batch.
	Dropped uint64 `json:"dropped,omitempty"`
}
