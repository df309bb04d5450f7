// Command commitdump inspects a file-backed commit store and optionally
// purges entries older than a cutoff.
//
// Usage (run from the repo root):
//
//	go run ./scripts/commitdump data/commits.json
//	go run ./scripts/commitdump -purge 24h data/commits.json
//
// Without -purge the tool is read-only: it lists every pending commitment
// with its age, aggregated scores, and justification CID, oldest first.
// With -purge it removes entries created before the cutoff and reports how
// many were dropped.
//
// Purging is idempotent, so the tool is safe to run repeatedly. The store's
// lock is in-process only; run -purge with the arbiter stopped. A running
// node already purges on its own schedule.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/verdikta/arbiter/internal/commit"
)

func main() {
	purge := flag.Duration("purge", 0, "drop entries older than this duration (0 = read-only)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: commitdump [-purge 24h] <commits.json>")
		os.Exit(2)
	}

	if err := run(flag.Arg(0), *purge); err != nil {
		log.Fatal(err)
	}
}

func run(path string, purge time.Duration) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	entries := make(map[string]commit.Entry)
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	type row struct {
		hash  string
		entry commit.Entry
	}
	rows := make([]row, 0, len(entries))
	for hash, e := range entries {
		rows = append(rows, row{hash, e})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].entry.Created.Before(rows[j].entry.Created)
	})

	now := time.Now()
	for _, r := range rows {
		age := now.Sub(r.entry.Created).Round(time.Second)
		fmt.Printf("%s  age=%-10s scores=%v  justification=%s\n",
			r.hash, age, r.entry.Payload.AggregatedScore, r.entry.Payload.JustificationCID)
	}
	fmt.Printf("%d pending commitment(s)\n", len(rows))

	if purge <= 0 {
		return nil
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	purged, err := commit.NewFile(path, logger).PurgeStale(purge)
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	fmt.Printf("purged %d entr%s older than %s\n", purged, plural(purged), purge)
	return nil
}

func plural(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
