// Package archive unpacks fetched deliberation archives into per-request
// scratch space.
package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/verdikta/arbiter/internal/model"
)

// maxEntryBytes caps a single decompressed entry. Guards against zip
// bombs hiding in otherwise small archives.
const maxEntryBytes = 200 * 1024 * 1024

// Extract unpacks the zip payload into a fresh subdirectory of scratchDir
// named after label (normally the CID) and returns that directory.
//
// Entries whose normalized path would land outside the subdirectory are
// rejected. On error the partially extracted subdirectory is left in place;
// the orchestrator owns scratch cleanup.
func Extract(payload []byte, scratchDir, label string) (string, error) {
	dest := filepath.Join(scratchDir, "archive_"+safeLabel(label))
	if err := os.MkdirAll(dest, 0o750); err != nil {
		return "", fmt.Errorf("archive: create extraction dir: %w", err)
	}

	reader, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return "", model.Wrap(model.KindInvalidManifest, err, "payload for %s is not a valid zip archive", label)
	}

	for _, entry := range reader.File {
		if err := extractEntry(entry, dest); err != nil {
			return "", err
		}
	}
	return dest, nil
}

func extractEntry(entry *zip.File, dest string) error {
	name := filepath.FromSlash(entry.Name)
	if !filepath.IsLocal(name) {
		return model.E(model.KindInvalidManifest, "archive entry %q escapes the extraction root", entry.Name)
	}
	target := filepath.Join(dest, name)
	if rel, err := filepath.Rel(dest, target); err != nil || strings.HasPrefix(rel, "..") {
		return model.E(model.KindInvalidManifest, "archive entry %q escapes the extraction root", entry.Name)
	}

	if entry.FileInfo().IsDir() {
		if err := os.MkdirAll(target, 0o750); err != nil {
			return fmt.Errorf("archive: create dir %s: %w", entry.Name, err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("archive: create parent for %s: %w", entry.Name, err)
	}

	src, err := entry.Open()
	if err != nil {
		return model.Wrap(model.KindInvalidManifest, err, "archive entry %q is unreadable", entry.Name)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("archive: create %s: %w", entry.Name, err)
	}
	defer func() { _ = dst.Close() }()

	n, err := io.Copy(dst, io.LimitReader(src, maxEntryBytes+1))
	if err != nil {
		return fmt.Errorf("archive: extract %s: %w", entry.Name, err)
	}
	if n > maxEntryBytes {
		return model.E(model.KindInvalidManifest, "archive entry %q exceeds the size limit", entry.Name)
	}
	return nil
}

// safeLabel reduces an archive identifier to filesystem-safe characters so
// it can name the extraction subdirectory.
func safeLabel(label string) string {
	var b strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('.')
		}
		if b.Len() >= 64 {
			break
		}
	}
	if b.Len() == 0 {
		return "unnamed"
	}
	return b.String()
}
