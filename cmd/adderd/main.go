package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"adder.codec/internal/ingest"
	"adder.codec/internal/tuning"
)

func main() {
	var (
		configPath = flag.String("config", "./adder.yaml", "path to adder.yaml (defaults apply when missing)")
		eventsPath = flag.String("events", "", "event file or directory of *.jsonl[.zst] files")
		dataDir    = flag.String("data", "", "runtime data directory (overrides data_dir)")
		previewAdr = flag.String("preview", "", "preview listen address (overrides preview_addr; \"off\" disables)")
		workers    = flag.Int("workers", 0, "summary workers (overrides workers)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite index")

		snapPath   = flag.String("snapshot", "", "path to snapshot to resume from (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", false, "resume from the latest snapshot in the data dir (when -snapshot is empty)")
		hold       = flag.Bool("hold", false, "keep serving preview after ingest until interrupted")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[adderd] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load config: %v", err)
		}
		logger.Printf("config not found (%s); using defaults", *configPath)
		tune = tuning.Defaults()
	}
	if strings.TrimSpace(*dataDir) != "" {
		tune.DataDir = *dataDir
	}
	switch p := strings.TrimSpace(*previewAdr); p {
	case "":
	case "off":
		tune.PreviewAddr = ""
	default:
		tune.PreviewAddr = p
	}
	if *workers > 0 {
		tune.Workers = *workers
	}
	if err := tune.Validate(); err != nil {
		logger.Fatalf("config: %v", err)
	}

	if *eventsPath == "" {
		logger.Fatalf("missing -events")
	}
	files, err := eventFiles(*eventsPath)
	if err != nil {
		logger.Fatalf("list events: %v", err)
	}
	if len(files) == 0 {
		logger.Fatalf("no event files found in %s", *eventsPath)
	}

	ctx, cancel := signalContext()
	defer cancel()

	d, err := newDaemon(daemonConfig{
		RunID:     uuid.NewString(),
		Tuning:    tune,
		DisableDB: *disableDB,
	}, logger)
	if err != nil {
		logger.Fatalf("init: %v", err)
	}
	defer d.Close()

	resume := strings.TrimSpace(*snapPath)
	if resume == "" && *loadLatest {
		resume = latestSnapshot(d.snapshotDir())
	}
	if resume != "" {
		if err := d.Resume(resume); err != nil {
			logger.Fatalf("resume: %v", err)
		}
	}

	var srv *http.Server
	if tune.PreviewAddr != "" {
		srv = &http.Server{
			Addr:              tune.PreviewAddr,
			Handler:           d.Mux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Printf("preview listening on %s", tune.PreviewAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("preview: %v", err)
			}
		}()
	}

	runErr := d.Run(ctx, files)
	if runErr != nil && runErr != context.Canceled {
		logger.Printf("ingest stopped: %v", runErr)
	}
	if err := d.Finish(ctx); err != nil {
		logger.Printf("finish: %v", err)
	}

	if srv != nil {
		if *hold && runErr == nil {
			logger.Printf("ingest done; holding preview until interrupted")
			<-ctx.Done()
		}
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}
}

func eventFiles(path string) ([]string, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return []string{filepath.Clean(path)}, nil
	}
	return ingest.ListEventFiles(path)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
