// Package ingest reads ADΔER event streams stored as JSON lines, one event
// per line, optionally zstd-compressed.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"adder.codec/internal/codec/compressed"
	"adder.codec/internal/event"
	"adder.codec/internal/protocol"
)

type Stats struct {
	Lines  uint64
	Events uint64
	Bad    uint64
}

// OnBad receives lines that do not decode to a valid event. Returning an
// error stops the read.
type OnBad func(path string, line uint64, err *protocol.BadEventError) error

// ListEventFiles returns *.jsonl and *.jsonl.zst files in dir, sorted by name.
func ListEventFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".jsonl") || strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// ReadEvents calls fn for every event in path, in file order. With a nil
// onBad the first malformed line ends the read with a *protocol.BadEventError.
func ReadEvents(ctx context.Context, path string, fn func(event.Event) error, onBad OnBad) (Stats, error) {
	var st Stats
	f, err := os.Open(path)
	if err != nil {
		return st, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return st, err
		}
		defer dec.Close()
		r = dec
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	for sc.Scan() {
		st.Lines++
		if st.Lines%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return st, err
			}
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		e, bad := decodeEvent(line)
		if bad != nil {
			st.Bad++
			if onBad == nil {
				return st, fmt.Errorf("%s:%d: %w", filepath.Base(path), st.Lines, bad)
			}
			if err := onBad(path, st.Lines, bad); err != nil {
				return st, err
			}
			continue
		}
		if err := fn(e); err != nil {
			return st, err
		}
		st.Events++
	}
	if err := sc.Err(); err != nil {
		return st, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return st, nil
}

func decodeEvent(line []byte) (event.Event, *protocol.BadEventError) {
	var e event.Event
	if err := json.Unmarshal(line, &e); err != nil {
		return e, &protocol.BadEventError{Err: err}
	}
	if c := e.Coord.Channel(); int(c) >= compressed.Channels {
		return e, &protocol.BadEventError{Err: fmt.Errorf("channel %d out of range", c)}
	}
	return e, nil
}
