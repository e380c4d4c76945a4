package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// JSONLZstdWriter appends one JSON value per line to an hourly zstd file
// named <prefix>-YYYY-MM-DD-HH.jsonl.zst under baseDir.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

// Flush pushes buffered lines into the current zstd frame.
func (w *JSONLZstdWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return nil
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// BlockEntry records one completed block generation.
type BlockEntry struct {
	RunID      string `json:"run_id"`
	CubeY      int    `json:"cube_y"`
	CubeX      int    `json:"cube_x"`
	Channel    int    `json:"channel"`
	Generation int    `json:"generation"`
	Digest     string `json:"digest"`
	Events     uint64 `json:"events"`
	At         string `json:"at"`
}

// RejectEntry records an event the cube refused.
type RejectEntry struct {
	RunID  string `json:"run_id"`
	X      uint16 `json:"x"`
	Y      uint16 `json:"y"`
	C      uint8  `json:"c"`
	D      uint8  `json:"d"`
	DeltaT uint32 `json:"dt"`
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
	At     string `json:"at"`
}

// BlockLogger writes filled-block records under <dataDir>/blocks.
type BlockLogger struct{ w *JSONLZstdWriter }

func NewBlockLogger(dataDir string) *BlockLogger {
	return &BlockLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "blocks"), "blocks")}
}

func (l *BlockLogger) WriteBlock(v BlockEntry) error { return l.w.Write(v) }
func (l *BlockLogger) Flush() error                  { return l.w.Flush() }
func (l *BlockLogger) Close() error                  { return l.w.Close() }

// RejectLogger writes refused events under <dataDir>/rejects.
type RejectLogger struct{ w *JSONLZstdWriter }

func NewRejectLogger(dataDir string) *RejectLogger {
	return &RejectLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "rejects"), "rejects")}
}

func (l *RejectLogger) WriteReject(v RejectEntry) error { return l.w.Write(v) }
func (l *RejectLogger) Flush() error                    { return l.w.Flush() }
func (l *RejectLogger) Close() error                    { return l.w.Close() }
