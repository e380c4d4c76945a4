package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"adder.codec/internal/codec/compressed"
	"adder.codec/internal/codec/tiles"
	persistlog "adder.codec/internal/persistence/log"
	"adder.codec/internal/persistence/snapshot"
)

func main() {
	var (
		snapPath  = flag.String("snapshot", "", "path to .snap.zst")
		cubeFlag  = flag.String("cube", "", "tile to dump as ty,tx (optional)")
		channel   = flag.Int("channel", 0, "channel to dump")
		gen       = flag.Int("gen", 0, "block generation to dump")
		blocksDir = flag.String("blocks", "", "blocks dir containing blocks-*.jsonl.zst to verify digests against (optional)")
	)
	flag.Parse()

	if *snapPath == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot")
		os.Exit(2)
	}

	snap, err := snapshot.ReadSnapshot(*snapPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	store := tiles.NewCubeStore(tiles.Options{Width: snap.Width, Height: snap.Height})
	if err := store.ImportCubes(snap.Cubes); err != nil {
		fmt.Fprintln(os.Stderr, "import snapshot:", err)
		os.Exit(1)
	}

	fmt.Printf("snapshot v%d run=%s events=%d sensor=%dx%d block=%d cubes=%d\n",
		snap.Header.Version, snap.Header.RunID, snap.Header.Events, snap.Width, snap.Height, snap.BlockSize, len(snap.Cubes))
	printCubes(os.Stdout, store)

	if *cubeFlag != "" {
		var k tiles.CubeKey
		if _, err := fmt.Sscanf(*cubeFlag, "%d,%d", &k.TY, &k.TX); err != nil {
			fmt.Fprintln(os.Stderr, "bad -cube:", err)
			os.Exit(2)
		}
		if err := dumpBlock(os.Stdout, store, k, *channel, *gen); err != nil {
			fmt.Fprintln(os.Stderr, "dump:", err)
			os.Exit(1)
		}
	}

	if *blocksDir == "" {
		return
	}
	files, err := listBlockFiles(*blocksDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list blocks:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no block files found in", *blocksDir)
		os.Exit(1)
	}
	var checked, skipped uint64
	for _, path := range files {
		if err := verifyFile(store, snap.Header, path, &checked, &skipped); err != nil {
			fmt.Fprintln(os.Stderr, "verify:", err)
			os.Exit(1)
		}
	}
	fmt.Printf("verify ok: checked=%d blocks skipped=%d\n", checked, skipped)
}

func printCubes(w io.Writer, store *tiles.CubeStore) {
	for _, k := range store.LoadedCubeKeys() {
		c := store.Cube(k)
		fmt.Fprintf(w, "cube ty=%d tx=%d", k.TY, k.TX)
		for ch := 0; ch < compressed.Channels; ch++ {
			filled := 0
			for _, b := range c.Blocks(ch) {
				if b.IsFilled() {
					filled++
				}
			}
			fmt.Fprintf(w, " c%d=%d/%d", ch, filled, c.Generations(ch))
		}
		fmt.Fprintln(w)
	}
}

// dumpBlock prints one block in zig-zag order, one slot per line.
func dumpBlock(w io.Writer, store *tiles.CubeStore, k tiles.CubeKey, ch, gen int) error {
	c := store.Cube(k)
	if c == nil {
		return fmt.Errorf("no cube at %d,%d", k.TY, k.TX)
	}
	if ch < 0 || ch >= compressed.Channels {
		return fmt.Errorf("channel %d out of range", ch)
	}
	blocks := c.Blocks(ch)
	if gen < 0 || gen >= len(blocks) {
		return fmt.Errorf("generation %d out of range (have %d)", gen, len(blocks))
	}
	b := blocks[gen]
	fmt.Fprintf(w, "block ty=%d tx=%d c=%d gen=%d fill=%d digest=%016x\n", k.TY, k.TX, ch, gen, b.FillCount(), tiles.Digest(b))
	for pos, ev := range b.ZigZag() {
		slot := compressed.ZigZagOrder[pos]
		if ev == nil {
			fmt.Fprintf(w, "%3d %3d -\n", pos, slot)
		} else {
			fmt.Fprintf(w, "%3d %3d d=%d dt=%d\n", pos, slot, ev.D, ev.DeltaT)
		}
	}
	return nil
}

func listBlockFiles(dir string) ([]string, error) {
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
		if strings.HasPrefix(name, "blocks-") && strings.HasSuffix(name, ".jsonl.zst") {
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

// verifyFile checks logged digests of the snapshot's run against the
// restored blocks. Entries logged after the snapshot are skipped.
func verifyFile(store *tiles.CubeStore, h snapshot.Header, path string, checked, skipped *uint64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	for sc.Scan() {
		var entry persistlog.BlockEntry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if entry.RunID != h.RunID || entry.Events > h.Events {
			*skipped++
			continue
		}
		c := store.Cube(tiles.CubeKey{TY: entry.CubeY, TX: entry.CubeX})
		if c == nil || entry.Channel < 0 || entry.Channel >= compressed.Channels || entry.Generation >= c.Generations(entry.Channel) {
			return fmt.Errorf("block ty=%d tx=%d c=%d gen=%d missing from snapshot", entry.CubeY, entry.CubeX, entry.Channel, entry.Generation)
		}
		got := fmt.Sprintf("%016x", tiles.Digest(c.Blocks(entry.Channel)[entry.Generation]))
		if got != entry.Digest {
			return fmt.Errorf("digest mismatch ty=%d tx=%d c=%d gen=%d: got=%s want=%s", entry.CubeY, entry.CubeX, entry.Channel, entry.Generation, got, entry.Digest)
		}
		*checked++
	}
	return sc.Err()
}
