// Package vault is the content-addressed artwork store. Objects live at
// <root>/<hh1>/<hh2>/<hh3>/<key>.<ext> with the shard levels taken from
// SHA-256 of the storage key. Writes go through a temp-file + rename
// protocol, so an object file either exists complete at its final path or
// not at all; interrupted writes leave a .tmp that is cleaned up lazily on
// the next Exists. Siblings: .json descriptor sidecar, .404 permanent-miss
// marker, .fail failure counter.
package vault

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/framecast/framecast/internal/catalog"
)

// ErrMarkerConflict is returned by WriteMarker404 when the object is already
// stored. Stores never return it: they remove a marker for the key instead.
var ErrMarkerConflict = errors.New("vault: object and .404 marker for the same key")

var (
	storesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "framecast_vault_stores_total",
		Help: "Vault store operations by outcome (stored, dedup, error).",
	}, []string{"outcome"})
	evictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framecast_vault_evictions_total",
		Help: "Objects evicted by the cache limit.",
	})
	tmpCleanupsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framecast_vault_tmp_cleanups_total",
		Help: "Stale .tmp files removed by lazy recovery.",
	})
)

// Index is the availability-index hook the vault keeps in sync. Optional;
// catalog.AvailDB implements it.
type Index interface {
	MarkAvailable(storageKey string) error
	MarkMissing(storageKey string) error
}

// Store is a handle on the vault root. No internal mutex: atomicity comes
// from the rename step, and concurrent stores of the same key are safe (the
// loser of the rename race observes the dedup path).
type Store struct {
	root string
	idx  Index
}

// New returns a Store over root, creating the root directory if needed.
// idx may be nil.
func New(root string, idx Index) (*Store, error) {
	if root == "" {
		return nil, errors.New("vault: empty root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("vault: create root: %w", err)
	}
	return &Store{root: root, idx: idx}, nil
}

// Root returns the vault root directory.
func (s *Store) Root() string { return s.root }

// Path returns the final object path for (key, tag).
func (s *Store) Path(storageKey string, tag catalog.Tag) string {
	return ObjectPath(s.root, storageKey, tag)
}

// EnsureShardDir materializes the shard directories for a key, tolerating
// existence races (MkdirAll is race-free for this).
func (s *Store) EnsureShardDir(storageKey string) error {
	return os.MkdirAll(ShardDir(s.root, storageKey), 0o755)
}

// Put writes data as the object for (key, tag): shard dirs, temp write,
// fsync, rename. If the final path already exists the call is a silent
// success (dedup). Any .404 marker for the key is removed first so the
// marker/object exclusion holds.
func (s *Store) Put(storageKey string, tag catalog.Tag, data []byte) error {
	final := s.Path(storageKey, tag)
	if err := s.EnsureShardDir(storageKey); err != nil {
		storesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("vault: shard dir: %w", err)
	}
	if fi, err := os.Stat(final); err == nil && fi.Mode().IsRegular() {
		storesTotal.WithLabelValues("dedup").Inc()
		_ = s.markAvailable(storageKey)
		return nil
	}
	os.Remove(MarkerPath(final))

	tmp := TempPath(final)
	if err := writeFileSync(tmp, data); err != nil {
		os.Remove(tmp)
		storesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("vault: write temp: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		storesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("vault: rename: %w", err)
	}
	storesTotal.WithLabelValues("stored").Inc()
	_ = s.markAvailable(storageKey)
	return nil
}

// Commit finalizes an externally written temp file for (key, tag): rename
// .tmp to final and update bookkeeping. The fetcher streams into TempPath
// itself (chunked, fsynced) and calls Commit after the size check passes.
// Dedup: if the final object appeared meanwhile, the temp is discarded.
func (s *Store) Commit(storageKey string, tag catalog.Tag) error {
	final := s.Path(storageKey, tag)
	tmp := TempPath(final)
	if fi, err := os.Stat(final); err == nil && fi.Mode().IsRegular() {
		os.Remove(tmp)
		storesTotal.WithLabelValues("dedup").Inc()
		_ = s.markAvailable(storageKey)
		return nil
	}
	os.Remove(MarkerPath(final))
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		storesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("vault: commit rename: %w", err)
	}
	storesTotal.WithLabelValues("stored").Inc()
	_ = s.markAvailable(storageKey)
	return nil
}

// Exists reports whether the final object file exists as a regular file.
// Lazy crash recovery happens here: a surviving .tmp sibling is removed, so
// a mid-write power loss needs no boot-time scan.
func (s *Store) Exists(storageKey string, tag catalog.Tag) bool {
	final := s.Path(storageKey, tag)
	if fi, err := os.Lstat(TempPath(final)); err == nil && fi.Mode().IsRegular() {
		if err := os.Remove(TempPath(final)); err == nil {
			tmpCleanupsTotal.Inc()
			log.Printf("vault: removed stale temp for %s", storageKey)
		}
	}
	fi, err := os.Stat(final)
	return err == nil && fi.Mode().IsRegular()
}

// Delete removes the object for (key, tag). Missing object is not an error.
func (s *Store) Delete(storageKey string, tag catalog.Tag) error {
	err := os.Remove(s.Path(storageKey, tag))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("vault: delete: %w", err)
	}
	_ = s.markMissing(storageKey)
	return nil
}

// Touch bumps the object's mtime. The renderer calls this on playback; it is
// what protects hot items from LRU eviction.
func (s *Store) Touch(storageKey string, tag catalog.Tag) {
	now := time.Now()
	_ = os.Chtimes(s.Path(storageKey, tag), now, now)
}

// PutSidecar writes the .json descriptor sidecar for (key, tag).
func (s *Store) PutSidecar(storageKey string, tag catalog.Tag, data []byte) error {
	if err := s.EnsureShardDir(storageKey); err != nil {
		return fmt.Errorf("vault: shard dir: %w", err)
	}
	sc := SidecarPath(s.Path(storageKey, tag))
	tmp := sc + ".tmp"
	if err := writeFileSync(tmp, data); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("vault: write sidecar: %w", err)
	}
	if err := os.Rename(tmp, sc); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("vault: rename sidecar: %w", err)
	}
	return nil
}

// ReadSidecar returns the sidecar bytes, or os.ErrNotExist.
func (s *Store) ReadSidecar(storageKey string, tag catalog.Tag) ([]byte, error) {
	return os.ReadFile(SidecarPath(s.Path(storageKey, tag)))
}

// DeleteSidecar removes the sidecar. Missing sidecar is not an error.
func (s *Store) DeleteSidecar(storageKey string, tag catalog.Tag) error {
	err := os.Remove(SidecarPath(s.Path(storageKey, tag)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// WriteMarker404 records permanent absence at origin: a .404 sibling holding
// ASCII decimal epoch seconds and a newline. Refused while the object file
// exists. Removed only by administrative action or a later successful store.
func (s *Store) WriteMarker404(storageKey string, tag catalog.Tag, at time.Time) error {
	final := s.Path(storageKey, tag)
	if fi, err := os.Stat(final); err == nil && fi.Mode().IsRegular() {
		return ErrMarkerConflict
	}
	if err := s.EnsureShardDir(storageKey); err != nil {
		return fmt.Errorf("vault: shard dir: %w", err)
	}
	data := strconv.FormatInt(at.Unix(), 10) + "\n"
	return os.WriteFile(MarkerPath(final), []byte(data), 0o644)
}

// Marker404Exists reports whether the key is marked permanently absent.
func (s *Store) Marker404Exists(storageKey string, tag catalog.Tag) bool {
	fi, err := os.Stat(MarkerPath(s.Path(storageKey, tag)))
	return err == nil && fi.Mode().IsRegular()
}

// ReadMarker404 returns the marker timestamp.
func (s *Store) ReadMarker404(storageKey string, tag catalog.Tag) (time.Time, error) {
	b, err := os.ReadFile(MarkerPath(s.Path(storageKey, tag)))
	if err != nil {
		return time.Time{}, err
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("vault: bad .404 contents: %w", err)
	}
	return time.Unix(sec, 0), nil
}

// RemoveStaleTemp removes a leftover .tmp for (key, tag) if present.
// The scheduler calls this before dispatching a fresh fetch.
func (s *Store) RemoveStaleTemp(storageKey string, tag catalog.Tag) {
	tmp := TempPath(s.Path(storageKey, tag))
	if fi, err := os.Lstat(tmp); err == nil && fi.Mode().IsRegular() {
		if os.Remove(tmp) == nil {
			tmpCleanupsTotal.Inc()
		}
	}
}

func (s *Store) markAvailable(key string) error {
	if s.idx == nil {
		return nil
	}
	if err := s.idx.MarkAvailable(key); err != nil {
		log.Printf("vault: availability index mark %s: %v", key, err)
		return err
	}
	return nil
}

func (s *Store) markMissing(key string) error {
	if s.idx == nil {
		return nil
	}
	if err := s.idx.MarkMissing(key); err != nil {
		log.Printf("vault: availability index unmark %s: %v", key, err)
		return err
	}
	return nil
}

// writeFileSync writes data to path and fsyncs before close. The fsync must
// land before the caller renames, or a power cut can expose a hole where the
// final file exists with garbage.
func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
