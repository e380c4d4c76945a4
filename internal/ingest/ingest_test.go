package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"

	"adder.codec/internal/event"
	"adder.codec/internal/protocol"
)

const sample = `{"coord":{"x":1,"y":2},"d":7,"dt":256}
{"coord":{"x":3,"y":4,"c":2},"d":0,"dt":1}

{"coord":{"x":5,"y":6},"d":254,"dt":0}
`

func writeZstd(t *testing.T, path, body string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	if _, err := enc.Write([]byte(body)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func collect(t *testing.T, path string) ([]event.Event, Stats) {
	t.Helper()
	var got []event.Event
	st, err := ReadEvents(context.Background(), path, func(e event.Event) error {
		got = append(got, e)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return got, st
}

func TestReadEvents_PlainAndZstd(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "a.jsonl")
	if err := os.WriteFile(plain, []byte(sample), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	packed := filepath.Join(dir, "b.jsonl.zst")
	writeZstd(t, packed, sample)

	for _, path := range []string{plain, packed} {
		got, st := collect(t, path)
		if len(got) != 3 || st.Events != 3 || st.Lines != 4 || st.Bad != 0 {
			t.Fatalf("%s: events=%d stats=%+v", filepath.Base(path), len(got), st)
		}
		if got[0].Coord.X != 1 || got[0].D != 7 || got[0].DeltaT != 256 || got[0].Coord.C != nil {
			t.Fatalf("first=%+v", got[0])
		}
		if got[1].Coord.Channel() != 2 {
			t.Fatalf("second channel=%d want 2", got[1].Coord.Channel())
		}
		if got[2].D != event.DZeroIntegration {
			t.Fatalf("third d=%d", got[2].D)
		}
	}
}

func TestReadEvents_BadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	body := `{"coord":{"x":1,"y":1},"d":1,"dt":1}
not json
{"coord":{"x":1,"y":1,"c":3},"d":1,"dt":1}
{"coord":{"x":2,"y":1},"d":1,"dt":1}
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := ReadEvents(context.Background(), path, func(event.Event) error { return nil }, nil)
	var bad *protocol.BadEventError
	if !errors.As(err, &bad) || !strings.Contains(err.Error(), "bad.jsonl:2") {
		t.Fatalf("err=%v want bad event at line 2", err)
	}

	var lines []uint64
	n := 0
	st, err := ReadEvents(context.Background(), path, func(event.Event) error { n++; return nil },
		func(_ string, line uint64, err *protocol.BadEventError) error {
			if protocol.CodeFor(err) != protocol.ErrBadEvent {
				t.Fatalf("code=%s", protocol.CodeFor(err))
			}
			lines = append(lines, line)
			return nil
		})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 2 || st.Bad != 2 || len(lines) != 2 || lines[0] != 2 || lines[1] != 3 {
		t.Fatalf("events=%d stats=%+v bad lines=%v", n, st, lines)
	}
}

func TestReadEvents_CallbackErrorStops(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.jsonl")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	stop := errors.New("stop")
	st, err := ReadEvents(context.Background(), path, func(event.Event) error { return stop }, nil)
	if !errors.Is(err, stop) || st.Events != 0 {
		t.Fatalf("err=%v stats=%+v", err, st)
	}
}

func TestListEventFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.jsonl.zst", "a.jsonl", "notes.txt", "c.json"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "d.jsonl"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	files, err := ListEventFiles(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 || filepath.Base(files[0]) != "a.jsonl" || filepath.Base(files[1]) != "b.jsonl.zst" {
		t.Fatalf("files=%v", files)
	}
}
