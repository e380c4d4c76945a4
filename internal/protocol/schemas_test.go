package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"adder.codec/internal/protocol"
)

func compile(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	p := filepath.Join("..", "..", "schemas", name)
	s, err := jsonschema.Compile(p)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

// roundTrip turns a Go value into the generic form the validator expects.
func roundTrip(t *testing.T, v any) any {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestSchemas_ValidateMessages(t *testing.T) {
	helloSchema := compile(t, "hello.schema.json")
	samplesSchema := compile(t, "samples.schema.json")

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		RunID:           "run-1",
		Width:           346,
		Height:          260,
		SourceType:      "u8",
		ViewMode:        "intensity",
		OutputBits:      8,
		TicksPerFrame:   255,
		DeltaTMax:       7650,
	}
	if err := helloSchema.Validate(roundTrip(t, hello)); err != nil {
		t.Fatalf("hello: %v", err)
	}

	batch := protocol.SampleBatchMsg{
		Type:            protocol.TypeSamples,
		ProtocolVersion: protocol.Version,
		Seq:             7,
		Samples:         []protocol.Sample{{X: 1, Y: 2, C: 0, Value: 255}},
		Dropped:         3,
	}
	if err := samplesSchema.Validate(roundTrip(t, batch)); err != nil {
		t.Fatalf("samples: %v", err)
	}
}

func TestSchemas_RejectMalformed(t *testing.T) {
	samplesSchema := compile(t, "samples.schema.json")

	var bad any
	_ = json.Unmarshal([]byte(`{
	  "type":"SAMPLES",
	  "protocol_version":"1.0",
	  "seq":1,
	  "samples":[{"x":1,"y":2,"c":7,"v":1}]
	}`), &bad)
	if err := samplesSchema.Validate(bad); err == nil {
		t.Fatalf("expected channel 7 to be rejected")
	}

	helloSchema := compile(t, "hello.schema.json")
	var wrongType any
	_ = json.Unmarshal([]byte(`{"type":"SAMPLES","protocol_version":"1.0"}`), &wrongType)
	if err := helloSchema.Validate(wrongType); err == nil {
		t.Fatalf("expected wrong type to be rejected")
	}
}

func TestDecodeBase(t *testing.T) {
	m, err := protocol.DecodeBase([]byte(`{"type":"HELLO","protocol_version":"1.0","width":4}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Type != protocol.TypeHello || m.ProtocolVersion != protocol.Version {
		t.Fatalf("base=%+v", m)
	}
}
