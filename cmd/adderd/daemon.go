package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"adder.codec/internal/codec/compressed"
	"adder.codec/internal/codec/tiles"
	"adder.codec/internal/event"
	"adder.codec/internal/ingest"
	"adder.codec/internal/persistence/indexdb"
	persistlog "adder.codec/internal/persistence/log"
	"adder.codec/internal/persistence/snapshot"
	"adder.codec/internal/protocol"
	"adder.codec/internal/transport/preview"
	"adder.codec/internal/tuning"
)

const previewBatch = 512

// Rejects beyond this many are only counted in the process log.
const maxLoggedRejects = 20

type daemonConfig struct {
	RunID     string
	Tuning    tuning.Tuning
	DisableDB bool
}

type daemon struct {
	cfg daemonConfig
	log *log.Logger

	store    *tiles.CubeStore
	idx      *indexdb.SQLiteIndex
	blockLog *persistlog.BlockLogger
	rejLog   *persistlog.RejectLogger
	preview  *preview.Server

	batch    []event.Event
	events   atomic.Uint64 // accepted, including those restored from a snapshot
	rejected atomic.Uint64
	bad      atomic.Uint64
	lastSnap uint64
}

func newDaemon(cfg daemonConfig, logger *log.Logger) (*daemon, error) {
	tune := cfg.Tuning
	if err := tune.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	d := &daemon{
		cfg:      cfg,
		log:      logger,
		blockLog: persistlog.NewBlockLogger(tune.DataDir),
		rejLog:   persistlog.NewRejectLogger(tune.DataDir),
	}
	d.store = tiles.NewCubeStore(tiles.Options{
		Width:    tune.Width,
		Height:   tune.Height,
		OnFilled: d.onFilled,
	})
	d.preview = preview.NewServer(preview.Config{
		RunID:      cfg.RunID,
		Width:      tune.Width,
		Height:     tune.Height,
		OutputBits: tune.OutputBits,
		Params:     tune.ScaleParams(),
	}, logger)

	if !cfg.DisableDB {
		idx, err := indexdb.OpenSQLite(filepath.Join(tune.DataDir, "index", "adder.sqlite"))
		if err != nil {
			return nil, fmt.Errorf("open index: %w", err)
		}
		if err := idx.UpsertMeta(cfg.RunID, tune); err != nil {
			logger.Printf("index: upsert meta: %v", err)
		}
		d.idx = idx
	}
	logger.Printf("run=%s sensor=%dx%d view=%s bits=%d", cfg.RunID, tune.Width, tune.Height, tune.ViewMode, tune.OutputBits)
	return d, nil
}

func (d *daemon) snapshotDir() string { return filepath.Join(d.cfg.Tuning.DataDir, "snapshots") }

// Resume restores cube state from a snapshot written by an earlier run.
func (d *daemon) Resume(path string) error {
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return err
	}
	tune := d.cfg.Tuning
	if snap.BlockSize != compressed.BlockSizeBig {
		return fmt.Errorf("snapshot block size %d, want %d", snap.BlockSize, compressed.BlockSizeBig)
	}
	if snap.Width != tune.Width || snap.Height != tune.Height {
		return fmt.Errorf("snapshot sensor %dx%d, config %dx%d", snap.Width, snap.Height, tune.Width, tune.Height)
	}
	if err := d.store.ImportCubes(snap.Cubes); err != nil {
		return err
	}
	d.events.Store(snap.Header.Events)
	d.lastSnap = snap.Header.Events
	d.log.Printf("resumed from snapshot=%s run=%s events=%d cubes=%d", filepath.Base(path), snap.Header.RunID, snap.Header.Events, len(snap.Cubes))
	return nil
}

// Run ingests files in order.
func (d *daemon) Run(ctx context.Context, files []string) error {
	for _, path := range files {
		st, err := ingest.ReadEvents(ctx, path, d.handle, d.onBad)
		d.log.Printf("ingested %s: lines=%d events=%d bad=%d", filepath.Base(path), st.Lines, st.Events, st.Bad)
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *daemon) handle(e event.Event) error {
	if err := d.store.SetEvent(e); err != nil {
		d.reject(e, err)
		return nil
	}
	n := d.events.Add(1)

	d.batch = append(d.batch, e)
	if len(d.batch) >= previewBatch {
		d.flushPreview()
	}
	if every := uint64(d.cfg.Tuning.SnapshotEveryEvents); every > 0 && n-d.lastSnap >= every {
		if err := d.writeSnapshot(); err != nil {
			d.log.Printf("snapshot write: %v", err)
		}
	}
	return nil
}

func (d *daemon) flushPreview() {
	d.preview.Publish(d.batch)
	d.batch = d.batch[:0]
}

func (d *daemon) reject(e event.Event, err error) {
	n := d.rejected.Add(1)
	code := protocol.CodeFor(err)
	if n <= maxLoggedRejects {
		d.log.Printf("reject %s (%d,%d,c%d): %v", code, e.Coord.X, e.Coord.Y, e.Coord.Channel(), err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if werr := d.rejLog.WriteReject(persistlog.RejectEntry{
		RunID:  d.cfg.RunID,
		X:      e.Coord.X,
		Y:      e.Coord.Y,
		C:      e.Coord.Channel(),
		D:      e.D,
		DeltaT: e.DeltaT,
		Code:   code,
		Reason: err.Error(),
		At:     now,
	}); werr != nil {
		d.log.Printf("reject log: %v", werr)
	}
	d.idx.RecordReject(indexdb.RejectRow{
		RunID:      d.cfg.RunID,
		X:          int(e.Coord.X),
		Y:          int(e.Coord.Y),
		Channel:    int(e.Coord.Channel()),
		Code:       code,
		Reason:     err.Error(),
		RecordedAt: now,
	})
}

func (d *daemon) onBad(path string, line uint64, err *protocol.BadEventError) error {
	n := d.bad.Add(1)
	if n <= maxLoggedRejects {
		d.log.Printf("%s:%d: %v", filepath.Base(path), line, err)
	}
	return nil
}

// onFilled runs under the store lock.
func (d *daemon) onFilled(fb tiles.FilledBlock) {
	digest := tiles.Digest(fb.Block)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := d.blockLog.WriteBlock(persistlog.BlockEntry{
		RunID:      d.cfg.RunID,
		CubeY:      fb.Key.TY,
		CubeX:      fb.Key.TX,
		Channel:    fb.Channel,
		Generation: fb.Generation,
		Digest:     fmt.Sprintf("%016x", digest),
		Events:     d.events.Load() + 1,
		At:         now,
	}); err != nil {
		d.log.Printf("block log: %v", err)
	}
	d.idx.RecordBlock(indexdb.BlockRow{
		RunID:      d.cfg.RunID,
		CubeY:      fb.Key.TY,
		CubeX:      fb.Key.TX,
		Channel:    fb.Channel,
		Generation: fb.Generation,
		Digest:     digest,
		Fill:       fb.Block.FillCount(),
		RecordedAt: now,
	})
}

func (d *daemon) writeSnapshot() error {
	events := d.events.Load()
	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version:   snapshot.Version,
			RunID:     d.cfg.RunID,
			Events:    events,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		},
		BlockSize: compressed.BlockSizeBig,
		Width:     d.cfg.Tuning.Width,
		Height:    d.cfg.Tuning.Height,
		Cubes:     d.store.ExportCubes(),
	}
	path := filepath.Join(d.snapshotDir(), fmt.Sprintf("%d.snap.zst", events))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return err
	}
	d.lastSnap = events

	blocks := 0
	for _, c := range snap.Cubes {
		for _, ch := range c.Channels {
			blocks += len(ch.Blocks)
		}
	}
	d.idx.RecordSnapshot(indexdb.SnapshotRow{
		RunID:  d.cfg.RunID,
		Events: events,
		Path:   path,
		Cubes:  len(snap.Cubes),
		Blocks: blocks,
	})
	d.log.Printf("snapshot %s cubes=%d blocks=%d", filepath.Base(path), len(snap.Cubes), blocks)
	return nil
}

type summary struct {
	Cubes       int
	Generations atomic.Int64
	Filled      atomic.Int64
	Partial     atomic.Int64
}

// Summarize walks every cube in parallel and counts block generations.
func (d *daemon) Summarize(ctx context.Context) (*summary, error) {
	sum := &summary{}
	err := d.store.ForEachCube(ctx, d.cfg.Tuning.Workers, func(_ context.Context, _ tiles.CubeKey, c *compressed.Cube) error {
		for ch := 0; ch < compressed.Channels; ch++ {
			for _, b := range c.Blocks(ch) {
				sum.Generations.Add(1)
				switch {
				case b.IsFilled():
					sum.Filled.Add(1)
				case b.FillCount() > 0:
					sum.Partial.Add(1)
				}
			}
		}
		return nil
	})
	sum.Cubes = d.store.Stats().Cubes
	return sum, err
}

// Finish flushes preview, writes the final snapshot and logs a summary.
func (d *daemon) Finish(ctx context.Context) error {
	d.flushPreview()
	var firstErr error
	if d.events.Load() != d.lastSnap {
		if err := d.writeSnapshot(); err != nil {
			firstErr = err
		}
	}
	sum, err := d.Summarize(context.WithoutCancel(ctx))
	if err != nil && firstErr == nil {
		firstErr = err
	}
	st := d.store.Stats()
	d.log.Printf("done: events=%d rejected=%d out_of_bounds=%d bad=%d cubes=%d generations=%d filled=%d partial=%d",
		d.events.Load(), st.Rejected, st.OutOfBounds, d.bad.Load(), sum.Cubes, sum.Generations.Load(), sum.Filled.Load(), sum.Partial.Load())
	if d.idx != nil {
		is := d.idx.Stats()
		if is.DropBlockTotal+is.DropRejectTotal+is.DropSnapshotTotal > 0 {
			d.log.Printf("index dropped rows: blocks=%d rejects=%d snapshots=%d", is.DropBlockTotal, is.DropRejectTotal, is.DropSnapshotTotal)
		}
	}
	return firstErr
}

func (d *daemon) Close() {
	_ = d.blockLog.Close()
	_ = d.rejLog.Close()
	if d.idx != nil {
		_ = d.idx.Close()
	}
}

// Mux serves preview, health and metrics.
func (d *daemon) Mux() *http.ServeMux {
	mux := d.preview.Mux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		st := d.store.Stats()
		run := d.cfg.RunID

		fmt.Fprintf(rw, "# HELP adder_events_total Events placed into cubes.\n")
		fmt.Fprintf(rw, "# TYPE adder_events_total counter\n")
		fmt.Fprintf(rw, "adder_events_total{run=%q} %d\n", run, st.Accepted)

		fmt.Fprintf(rw, "# HELP adder_rejected_total Events refused, by reason.\n")
		fmt.Fprintf(rw, "# TYPE adder_rejected_total counter\n")
		fmt.Fprintf(rw, "adder_rejected_total{run=%q,code=%q} %d\n", run, protocol.ErrAlreadyExists, st.Rejected)
		fmt.Fprintf(rw, "adder_rejected_total{run=%q,code=%q} %d\n", run, protocol.ErrOutOfTile, st.OutOfBounds)
		fmt.Fprintf(rw, "adder_rejected_total{run=%q,code=%q} %d\n", run, protocol.ErrBadEvent, d.bad.Load())

		fmt.Fprintf(rw, "# HELP adder_cubes Loaded cube count.\n")
		fmt.Fprintf(rw, "# TYPE adder_cubes gauge\n")
		fmt.Fprintf(rw, "adder_cubes{run=%q} %d\n", run, st.Cubes)

		fmt.Fprintf(rw, "# HELP adder_filled_blocks_total Completed block generations.\n")
		fmt.Fprintf(rw, "# TYPE adder_filled_blocks_total counter\n")
		fmt.Fprintf(rw, "adder_filled_blocks_total{run=%q} %d\n", run, st.Filled)

		fmt.Fprintf(rw, "# HELP adder_preview_subscribers Connected preview clients.\n")
		fmt.Fprintf(rw, "# TYPE adder_preview_subscribers gauge\n")
		fmt.Fprintf(rw, "adder_preview_subscribers{run=%q} %d\n", run, d.preview.Subscribers())

		if d.idx != nil {
			is := d.idx.Stats()
			fmt.Fprintf(rw, "# HELP adder_index_queue_depth Index writer backlog.\n")
			fmt.Fprintf(rw, "# TYPE adder_index_queue_depth gauge\n")
			fmt.Fprintf(rw, "adder_index_queue_depth{run=%q} %d\n", run, is.QueueDepth)
			fmt.Fprintf(rw, "# HELP adder_index_dropped_total Index rows dropped under backpressure.\n")
			fmt.Fprintf(rw, "# TYPE adder_index_dropped_total counter\n")
			fmt.Fprintf(rw, "adder_index_dropped_total{run=%q,table=%q} %d\n", run, "blocks", is.DropBlockTotal)
			fmt.Fprintf(rw, "adder_index_dropped_total{run=%q,table=%q} %d\n", run, "rejects", is.DropRejectTotal)
			fmt.Fprintf(rw, "adder_index_dropped_total{run=%q,table=%q} %d\n", run, "snapshots", is.DropSnapshotTotal)
		}
	})
	return mux
}

// latestSnapshot returns the snapshot with the highest event count in dir.
func latestSnapshot(dir string) string {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestEvents uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || n > bestEvents {
			bestEvents = n
			best = filepath.Join(dir, name)
		}
	}
	return best
}
