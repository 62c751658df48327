package catalog

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Availability answers "is this storage key already on local media?".
// Implemented by AvailDB; a nil Availability means nothing is available.
type Availability interface {
	Has(storageKey string) bool
}

// Cache is one loaded channel index: the decoded record stream of a single
// channel's catalog file. Caches are immutable once loaded; the refresh
// subsystem swaps the underlying file and the Registry reloads on the next
// Find.
type Cache struct {
	ChannelID string
	records   []Descriptor
}

// Len returns the number of records in the channel.
func (c *Cache) Len() int { return len(c.records) }

// At returns the record at index i (in cursor units).
func (c *Cache) At(i int64) (Descriptor, bool) {
	if i < 0 || i >= int64(len(c.records)) {
		return Descriptor{}, false
	}
	return c.records[i], true
}

// NextMissing scans forward from *cursor for the next record whose object is
// not in the availability index, advancing the cursor in place. The cursor
// ends one past the returned record, or at end-of-stream when nothing is
// missing. Cursor units are records.
func (c *Cache) NextMissing(cursor *int64, avail Availability) (Descriptor, bool) {
	if cursor == nil {
		return Descriptor{}, false
	}
	if *cursor < 0 {
		*cursor = 0
	}
	for *cursor < int64(len(c.records)) {
		d := c.records[*cursor]
		*cursor++
		if avail != nil && avail.Has(d.StorageKey()) {
			continue
		}
		return d, true
	}
	return Descriptor{}, false
}

// Registry maps channel IDs to loaded channel caches. Index files live at
// <dir>/<channelID>.cat; a channel with no local index file yet is simply
// absent. Loaded caches are kept until the file's size or mtime changes.
type Registry struct {
	dir string

	mu     sync.Mutex
	loaded map[string]*loadedCache
}

type loadedCache struct {
	cache *Cache
	size  int64
	mtime time.Time
}

// NewRegistry returns a Registry over dir.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir, loaded: make(map[string]*loadedCache)}
}

// IndexPath returns the mirror file path for a channel.
func (r *Registry) IndexPath(channelID string) string {
	return filepath.Join(r.dir, channelID+".cat")
}

// Find returns the loaded cache for channelID, or nil when the channel has
// no local index yet or the file is malformed (size not a record multiple).
// Malformed files are treated the same as absent ones.
func (r *Registry) Find(channelID string) *Cache {
	if !ValidChannelID(channelID) {
		return nil
	}
	path := r.IndexPath(channelID)
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return nil
	}
	if fi.Size()%RecordSize != 0 {
		return nil
	}

	r.mu.Lock()
	lc := r.loaded[channelID]
	r.mu.Unlock()
	if lc != nil && lc.size == fi.Size() && lc.mtime.Equal(fi.ModTime()) {
		return lc.cache
	}

	data, err := os.ReadFile(path)
	if err != nil || int64(len(data))%RecordSize != 0 {
		return nil
	}
	c := &Cache{
		ChannelID: channelID,
		records:   make([]Descriptor, 0, len(data)/RecordSize),
	}
	for off := 0; off < len(data); off += RecordSize {
		d, err := DecodeRecord(data[off : off+RecordSize])
		if err != nil {
			return nil
		}
		c.records = append(c.records, d)
	}

	r.mu.Lock()
	r.loaded[channelID] = &loadedCache{cache: c, size: fi.Size(), mtime: fi.ModTime()}
	r.mu.Unlock()
	return c
}

// Dir returns the mirror directory.
func (r *Registry) Dir() string { return r.dir }
