package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"adder.codec/internal/tuning"
)

// SQLiteIndex is a queryable secondary index over a run. Writes are queued
// and applied by a single goroutine; the JSONL logs remain the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropBlock    atomic.Uint64
	dropReject   atomic.Uint64
	dropSnapshot atomic.Uint64
	writeFail    atomic.Uint64
}

type Stats struct {
	QueueDepth    int
	QueueCapacity int

	DropBlockTotal    uint64
	DropRejectTotal   uint64
	DropSnapshotTotal uint64
	WriteFailTotal    uint64
}

type reqKind int

const (
	reqBlock reqKind = iota + 1
	reqReject
	reqSnapshot
)

type req struct {
	kind reqKind

	block    BlockRow
	reject   RejectRow
	snapshot SnapshotRow
}

type BlockRow struct {
	RunID      string
	CubeY      int
	CubeX      int
	Channel    int
	Generation int
	Digest     uint64
	Fill       int
	RecordedAt string
}

type RejectRow struct {
	RunID      string
	X, Y       int
	Channel    int
	Code       string
	Reason     string
	RecordedAt string
}

type SnapshotRow struct {
	RunID      string
	Events     uint64
	Path       string
	Cubes      int
	Blocks     int
	RecordedAt string
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS blocks (
			run_id TEXT NOT NULL,
			cube_y INTEGER NOT NULL,
			cube_x INTEGER NOT NULL,
			channel INTEGER NOT NULL,
			generation INTEGER NOT NULL,
			digest TEXT NOT NULL,
			fill INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (run_id, cube_y, cube_x, channel, generation)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_digest ON blocks(digest);`,
		`CREATE TABLE IF NOT EXISTS rejects (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			channel INTEGER NOT NULL,
			code TEXT NOT NULL,
			reason TEXT,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rejects_code ON rejects(code);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			run_id TEXT NOT NULL,
			events INTEGER NOT NULL,
			path TEXT NOT NULL,
			cubes INTEGER NOT NULL,
			blocks INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (run_id, events)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropBlockTotal:    s.dropBlock.Load(),
		DropRejectTotal:   s.dropReject.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
		WriteFailTotal:    s.writeFail.Load(),
	}
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// RecordBlock queues a filled-generation row. Rows are dropped, and counted,
// when the writer falls behind.
func (s *SQLiteIndex) RecordBlock(r BlockRow) {
	if s == nil || s.closed.Load() {
		return
	}
	if r.RecordedAt == "" {
		r.RecordedAt = now()
	}
	select {
	case s.ch <- req{kind: reqBlock, block: r}:
	default:
		s.dropBlock.Add(1)
	}
}

func (s *SQLiteIndex) RecordReject(r RejectRow) {
	if s == nil || s.closed.Load() {
		return
	}
	if r.RecordedAt == "" {
		r.RecordedAt = now()
	}
	select {
	case s.ch <- req{kind: reqReject, reject: r}:
	default:
		s.dropReject.Add(1)
	}
}

func (s *SQLiteIndex) RecordSnapshot(r SnapshotRow) {
	if s == nil || s.closed.Load() {
		return
	}
	if r.RecordedAt == "" {
		r.RecordedAt = now()
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
		s.dropSnapshot.Add(1)
	}
}

// UpsertMeta stores the run id and the tuning in effect, synchronously.
func (s *SQLiteIndex) UpsertMeta(runID string, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(tune)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, kv := range [][2]string{
		{"schema_version", "1"},
		{"run_id", runID},
		{"tuning", string(b)},
		{"tuning_digest", hex.EncodeToString(sum[:])},
		{"started_at", now()},
	} {
		if _, err := stmt.Exec(kv[0], kv[1]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Meta reads one meta value.
func (s *SQLiteIndex) Meta(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	return v, err
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertBlock, _ := s.db.Prepare(`INSERT OR REPLACE INTO blocks(run_id,cube_y,cube_x,channel,generation,digest,fill,recorded_at) VALUES(?,?,?,?,?,?,?,?)`)
	insertReject, _ := s.db.Prepare(`INSERT INTO rejects(run_id,x,y,channel,code,reason,recorded_at) VALUES(?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(run_id,events,path,cubes,blocks,recorded_at) VALUES(?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertBlock, insertReject, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeFail.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
		s.writeFail.Add(1)
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			s.writeFail.Add(1)
			continue
		}
		switch r.kind {
		case reqBlock:
			b := r.block
			exec(insertBlock, b.RunID, b.CubeY, b.CubeX, b.Channel, b.Generation, fmt.Sprintf("%016x", b.Digest), b.Fill, b.RecordedAt)
		case reqReject:
			rj := r.reject
			exec(insertReject, rj.RunID, rj.X, rj.Y, rj.Channel, rj.Code, rj.Reason, rj.RecordedAt)
		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, sn.RunID, int64(sn.Events), sn.Path, sn.Cubes, sn.Blocks, sn.RecordedAt)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
