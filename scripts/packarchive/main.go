// Command packarchive builds a deliberation archive from a directory and
// checks it before anything gets pinned to IPFS.
//
// Usage (run from the repo root):
//
//	go run ./scripts/packarchive <dir> [out.zip]
//
// The directory must contain manifest.json at its top level; every file the
// manifest names by filename must exist. The archive stores entries at the
// zip root, which is the layout the arbiter's extractor expects.
//
// Parts the manifest references by hash live in the content store and are
// not checked here; the tool lists them so the operator can confirm they
// are pinned before submitting the CID on-chain.
package main

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/verdikta/arbiter/internal/model"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: packarchive <dir> [out.zip]")
		os.Exit(2)
	}
	dir := os.Args[1]
	out := filepath.Base(filepath.Clean(dir)) + ".zip"
	if len(os.Args) > 2 {
		out = os.Args[2]
	}

	if err := run(dir, out); err != nil {
		fmt.Fprintln(os.Stderr, "packarchive:", err)
		os.Exit(1)
	}
}

func run(dir, out string) error {
	m, err := readManifest(dir)
	if err != nil {
		return err
	}

	var remote []string
	if err := checkManifest(dir, m, &remote); err != nil {
		return err
	}

	if err := writeArchive(dir, out); err != nil {
		return err
	}

	fmt.Println("wrote", out)
	for _, hash := range remote {
		fmt.Println("remote part (confirm it is pinned):", hash)
	}
	return nil
}

func readManifest(dir string) (*model.Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("read manifest.json: %w", err)
	}
	var m model.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("manifest.json: %w", err)
	}
	return &m, nil
}

// checkManifest applies the structural rules the arbiter's parser enforces,
// so a broken archive fails here instead of on-chain. Hash-referenced parts
// are collected into remote instead of being checked.
func checkManifest(dir string, m *model.Manifest, remote *[]string) error {
	if m.Version == "" {
		return fmt.Errorf("manifest.json: version is required")
	}
	if !m.Primary.Valid() {
		return fmt.Errorf("manifest.json: primary must set exactly one of filename and hash")
	}

	if m.Primary.Filename != "" {
		if err := checkQueryFile(dir, m.Primary.Filename); err != nil {
			return err
		}
	} else {
		*remote = append(*remote, "primary "+m.Primary.Hash)
	}

	for _, add := range m.Additional {
		if add.Name == "" {
			return fmt.Errorf("manifest.json: additional entry without a name")
		}
		ref := add.Ref()
		if !ref.Valid() {
			return fmt.Errorf("manifest.json: additional %q must set exactly one of filename and hash", add.Name)
		}
		if ref.Filename != "" {
			if _, err := os.Stat(filepath.Join(dir, ref.Filename)); err != nil {
				return fmt.Errorf("additional %q: %w", add.Name, err)
			}
		} else {
			*remote = append(*remote, "additional "+add.Name+" "+ref.Hash)
		}
	}

	for i, sup := range m.Support {
		if !sup.Valid() {
			return fmt.Errorf("manifest.json: support[%d] must set exactly one of filename and hash", i)
		}
		if sup.Filename != "" {
			if _, err := os.Stat(filepath.Join(dir, sup.Filename)); err != nil {
				return fmt.Errorf("support[%d]: %w", i, err)
			}
		} else {
			*remote = append(*remote, "support "+sup.Hash)
		}
	}

	if jp := m.JuryParameters; jp != nil {
		if jp.NumberOfOutcomes == 1 {
			return fmt.Errorf("manifest.json: NUMBER_OF_OUTCOMES must be at least 2")
		}
		for i, node := range jp.AINodes {
			if node.Provider == "" || node.Model == "" {
				return fmt.Errorf("manifest.json: AI_NODES[%d] needs AI_PROVIDER and AI_MODEL", i)
			}
			if node.Weight <= 0 || node.Weight > 1 {
				return fmt.Errorf("manifest.json: AI_NODES[%d] WEIGHT must be in (0, 1]", i)
			}
			if node.Count < 1 {
				return fmt.Errorf("manifest.json: AI_NODES[%d] NO_COUNTS must be at least 1", i)
			}
		}
	}
	return nil
}

// checkQueryFile verifies the primary query parses and asks something.
func checkQueryFile(dir, name string) error {
	raw, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("primary %q: %w", name, err)
	}
	var q model.PrimaryQuery
	if err := json.Unmarshal(raw, &q); err != nil {
		return fmt.Errorf("primary %q: %w", name, err)
	}
	if strings.TrimSpace(q.Query) == "" {
		return fmt.Errorf("primary %q: query is empty", name)
	}
	return nil
}

// writeArchive zips the directory's files at the archive root. Hidden
// files and nested directories are skipped; the arbiter's extractor only
// reads top-level entries the manifest names.
func writeArchive(dir, out string) error {
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create %s: %w", out, err)
	}
	defer func() { _ = f.Close() }()

	w := zip.NewWriter(f)
	defer func() { _ = w.Close() }()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		src, err := os.Open(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("open %s: %w", entry.Name(), err)
		}
		dst, err := w.Create(entry.Name())
		if err != nil {
			_ = src.Close()
			return fmt.Errorf("add %s: %w", entry.Name(), err)
		}
		if _, err := io.Copy(dst, src); err != nil {
			_ = src.Close()
			return fmt.Errorf("write %s: %w", entry.Name(), err)
		}
		_ = src.Close()
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize %s: %w", out, err)
	}
	return f.Close()
}
