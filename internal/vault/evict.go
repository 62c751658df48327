package vault

import (
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// objectExts are the extensions that count against the cache limit.
// Sidecars, markers, counters and temps are bookkeeping, not cache weight.
var objectExts = map[string]bool{".webp": true, ".gif": true, ".png": true, ".jpg": true}

type vaultEntry struct {
	path  string
	mtime time.Time
}

// EnsureCacheLimit walks the vault and, when more than limit objects are
// stored, unlinks the oldest-by-mtime overflow together with their sidecars
// and failure counters. Returns the number of objects evicted. Playback
// Touch is what keeps hot items young.
func (s *Store) EnsureCacheLimit(limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	var entries []vaultEntry
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entry: skip, not fatal
		}
		if d.IsDir() || !objectExts[filepath.Ext(path)] {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		entries = append(entries, vaultEntry{path: path, mtime: info.ModTime()})
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(entries) <= limit {
		return 0, nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].mtime.Before(entries[j].mtime) })

	evicted := 0
	for _, e := range entries[:len(entries)-limit] {
		if err := os.Remove(e.path); err != nil {
			log.Printf("vault: evict %s: %v", e.path, err)
			continue
		}
		base := strings.TrimSuffix(e.path, filepath.Ext(e.path))
		os.Remove(base + ".json")
		os.Remove(base + ".fail")
		_ = s.markMissing(filepath.Base(base))
		evictionsTotal.Inc()
		evicted++
	}
	if evicted > 0 {
		log.Printf("vault: evicted %d object(s) over cache limit %d", evicted, limit)
	}
	return evicted, nil
}

// CountObjects returns the number of stored objects. Diagnostic.
func (s *Store) CountObjects() (int, error) {
	n := 0
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && objectExts[filepath.Ext(path)] {
			n++
		}
		return nil
	})
	return n, err
}
