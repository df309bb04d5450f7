package commit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// File is the durable backend: one JSON file re-read on every operation
// and replaced atomically via temp-file rename, so commits survive a
// restart and a crash mid-write leaves the previous snapshot intact.
// A missing or corrupt file reads as an empty store.
type File struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

func NewFile(path string, logger *slog.Logger) *File {
	return &File{path: path, logger: logger}
}

func (f *File) Save(hash string, e Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries := f.load()
	entries[hash] = e
	return f.write(entries)
}

func (f *File) Get(hash string) (Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.load()[hash]
	return e, ok
}

func (f *File) Delete(hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries := f.load()
	if _, ok := entries[hash]; !ok {
		return nil
	}
	delete(entries, hash)
	return f.write(entries)
}

func (f *File) PurgeStale(maxAge time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries := f.load()
	cutoff := time.Now().Add(-maxAge)
	var purged int
	for hash, e := range entries {
		if e.Created.Before(cutoff) {
			delete(entries, hash)
			purged++
		}
	}
	if purged == 0 {
		return 0, nil
	}
	return purged, f.write(entries)
}

func (f *File) load() map[string]Entry {
	entries := make(map[string]Entry)
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if !os.IsNotExist(err) {
			f.logger.Warn("commit store unreadable, starting empty", "path", f.path, "error", err)
		}
		return entries
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		f.logger.Warn("commit store corrupt, starting empty", "path", f.path, "error", err)
		return make(map[string]Entry)
	}
	return entries
}

func (f *File) write(entries map[string]Entry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("commit: encode store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".commits-*.json")
	if err != nil {
		return fmt.Errorf("commit: create temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("commit: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit: replace store: %w", err)
	}
	return nil
}
