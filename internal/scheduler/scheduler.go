// Package scheduler runs the download worker: a single long-lived loop that
// walks the configured channels round-robin for artwork missing from the
// vault, defers to the shared bus, and hands candidates to the fetcher. The
// worker recovers locally from every error; it never exits except by context
// cancellation.
package scheduler

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/framecast/framecast/internal/bus"
	"github.com/framecast/framecast/internal/catalog"
	"github.com/framecast/framecast/internal/failtrack"
	"github.com/framecast/framecast/internal/fetch"
	"github.com/framecast/framecast/internal/safeurl"
	"github.com/framecast/framecast/internal/vault"
)

var downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "framecast_downloads_total",
	Help: "Download attempts by outcome (ok, dedup, not_found, bus_timeout, failed).",
}, []string{"outcome"})

const (
	busPollInterval = 1 * time.Second
	busPollCeiling  = 120 * time.Second
	iterationYield  = 100 * time.Millisecond
	errorBackoff    = 1 * time.Second
	// sdcardPrefix marks non-network channels; the net loop skips them.
	sdcardPrefix = "sdcard:"
)

// Playback is the one-way interface into the playback coordinator. The
// reverse direction (playback nudging the scheduler) goes through
// SignalWorkAvailable, keeping the two sides decoupled.
type Playback interface {
	// OnDownloadComplete is invoked once per successfully stored asset.
	OnDownloadComplete(channelID, storageKey string)
	// Animating reports whether an animation is currently on the panel.
	Animating() bool
	// StartInitial starts playback of the first asset of the boot cycle.
	StartInitial(storageKey string, tag catalog.Tag)
}

// PauseQuery is an optional capability: an external subsystem that can ask
// downloads to hold off (e.g. the storage stack during an SD maintenance
// window). Absent means "not paused".
type PauseQuery interface {
	Paused() bool
}

// ChannelState is the per-channel scan position within the current epoch.
type ChannelState struct {
	ID           string
	Cursor       int64
	ScannedToEnd bool
}

// Request is one resolved download candidate.
type Request struct {
	StorageKey string
	Tag        catalog.Tag
	Path       string
	ChannelID  string
	URL        string
}

// Config wires a Scheduler. Vault, Registry, Failures and Fetcher are
// required; the rest is optional.
type Config struct {
	Vault      *vault.Store
	Registry   *catalog.Registry
	Avail      *catalog.AvailDB
	Failures   *failtrack.Tracker
	Fetcher    *fetch.Fetcher
	Bus        *bus.Coordinator
	Playback   Playback
	Pause      PauseQuery
	CacheLimit int
	// BuildURL overrides origin URL construction (tests, staging hosts).
	BuildURL func(storageKey string, tag catalog.Tag) string
	// BusPollInterval / BusPollCeiling tune the locked-bus wait. Zero
	// selects 1s / 120s.
	BusPollInterval time.Duration
	BusPollCeiling  time.Duration
}

// Scheduler owns the channel scan state and the download worker loop.
type Scheduler struct {
	cfg Config

	// Readiness gates and wakeup edges. External collaborators set these.
	NetworkReady   *Gate
	StorageMounted *Gate
	// DownloadsNeeded wakes the worker; FileAvailable is produced for
	// whoever watches the vault fill up.
	DownloadsNeeded *Edge
	FileAvailable   *Edge

	// mu guards channels, rr and signature. Held only for pointer-sized
	// copies, never across filesystem or network calls.
	mu        sync.Mutex
	channels  []ChannelState
	rr        int
	signature uint64

	busyMu        sync.Mutex
	activeChannel string

	playbackStarted bool
}

// snapshot is a consistent copy of the scan state; all iteration I/O runs
// against it and the result is committed back only if the signature still
// matches.
type snapshot struct {
	channels []ChannelState
	rr       int
	sig      uint64
}

// New returns a Scheduler over cfg with the channel list installed.
func New(cfg Config, channelIDs []string) (*Scheduler, error) {
	if cfg.Vault == nil || cfg.Registry == nil || cfg.Failures == nil || cfg.Fetcher == nil {
		return nil, errors.New("scheduler: Vault, Registry, Failures and Fetcher are required")
	}
	if cfg.CacheLimit <= 0 {
		cfg.CacheLimit = 1000
	}
	if cfg.BusPollInterval <= 0 {
		cfg.BusPollInterval = busPollInterval
	}
	if cfg.BusPollCeiling <= 0 {
		cfg.BusPollCeiling = busPollCeiling
	}
	if cfg.BuildURL == nil {
		host := cfg.Fetcher.CatalogHost
		cfg.BuildURL = func(key string, tag catalog.Tag) string {
			return fetch.BuildURL(host, key, tag)
		}
	}
	s := &Scheduler{
		cfg:             cfg,
		NetworkReady:    NewGate(false),
		StorageMounted:  NewGate(false),
		DownloadsNeeded: NewEdge(),
		FileAvailable:   NewEdge(),
	}
	s.SetChannels(channelIDs)
	return s, nil
}

// ─── External control surface ────────────────────────────────────────────────

// SetChannels replaces the channel list. Cursors reset; a snapshot taken
// before the call can no longer commit.
func (s *Scheduler) SetChannels(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = s.channels[:0]
	for _, id := range ids {
		if !catalog.ValidChannelID(id) {
			log.Printf("scheduler: dropping invalid channel id %q", id)
			continue
		}
		if len(s.channels) == catalog.MaxChannels {
			log.Printf("scheduler: channel list capped at %d", catalog.MaxChannels)
			break
		}
		s.channels = append(s.channels, ChannelState{ID: id})
	}
	s.rr = 0
	s.signature++
}

// ResetCursors starts a new epoch: all cursors to 0, scanned-to-end flags
// lowered. In-flight snapshots are invalidated.
func (s *Scheduler) ResetCursors() {
	s.mu.Lock()
	for i := range s.channels {
		s.channels[i].Cursor = 0
		s.channels[i].ScannedToEnd = false
	}
	s.signature++
	s.mu.Unlock()
	s.DownloadsNeeded.Signal()
}

// SignalWorkAvailable lowers every scanned-to-end flag and wakes the worker.
// Called after new catalog entries arrive.
func (s *Scheduler) SignalWorkAvailable() {
	s.mu.Lock()
	for i := range s.channels {
		s.channels[i].ScannedToEnd = false
	}
	s.signature++
	s.mu.Unlock()
	s.DownloadsNeeded.Signal()
}

// Channels returns a copy of the current channel states.
func (s *Scheduler) Channels() []ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChannelState, len(s.channels))
	copy(out, s.channels)
	return out
}

// IsBusy reports whether a fetch is in flight.
func (s *Scheduler) IsBusy() bool {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	return s.activeChannel != ""
}

// ActiveChannel returns the channel of the in-flight fetch, if any.
func (s *Scheduler) ActiveChannel() (string, bool) {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	return s.activeChannel, s.activeChannel != ""
}

func (s *Scheduler) setBusy(ch string) {
	s.busyMu.Lock()
	s.activeChannel = ch
	s.busyMu.Unlock()
}

// ─── Worker loop ─────────────────────────────────────────────────────────────

// Run is the download worker. It returns only when ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Printf("scheduler: worker started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.iterate(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(iterationYield):
		}
	}
}

// iterate runs one pass of the main loop: readiness, bus, snapshot, scan,
// fetch, commit.
func (s *Scheduler) iterate(ctx context.Context) {
	if err := s.NetworkReady.Wait(ctx); err != nil {
		return
	}
	if err := s.StorageMounted.Wait(ctx); err != nil {
		return
	}
	if s.cfg.Pause != nil && s.cfg.Pause.Paused() {
		sleepCtx(ctx, errorBackoff)
		return
	}
	if s.cfg.Bus != nil && !s.waitBusFree(ctx) {
		return // stayed locked through the ceiling; retry next cycle
	}

	snap := s.takeSnapshot()
	if len(snap.channels) == 0 {
		// Zero channels: sleep on the wakeup, never spin.
		s.DownloadsNeeded.Clear()
		s.DownloadsNeeded.Wait(ctx)
		return
	}

	req, ok := s.getNextDownload(&snap)
	if !ok {
		s.commit(snap)
		s.DownloadsNeeded.Clear()
		s.DownloadsNeeded.Wait(ctx)
		return
	}

	if !safeurl.IsHTTPOrHTTPS(req.URL) || req.Path == "" {
		log.Printf("scheduler: malformed candidate %q (%s); skipping", req.StorageKey, req.URL)
		s.commit(snap)
		return
	}

	// Race with a prior cycle: already on disk means success.
	if s.cfg.Vault.Exists(req.StorageKey, req.Tag) {
		downloadsTotal.WithLabelValues("dedup").Inc()
		s.DownloadsNeeded.Signal()
		s.commit(snap)
		return
	}

	s.cfg.Vault.RemoveStaleTemp(req.StorageKey, req.Tag)
	if _, err := s.cfg.Vault.EnsureCacheLimit(s.cfg.CacheLimit); err != nil {
		log.Printf("scheduler: cache limit sweep: %v", err)
	}

	s.setBusy(req.ChannelID)
	err := s.cfg.Fetcher.Fetch(ctx, req.URL, req.StorageKey, req.Tag)
	s.setBusy("")

	switch {
	case err == nil:
		downloadsTotal.WithLabelValues("ok").Inc()
		s.onSuccess(req)
	case errors.Is(err, fetch.ErrNotFound):
		downloadsTotal.WithLabelValues("not_found").Inc()
		log.Printf("scheduler: %s is gone at origin; marking permanent", req.StorageKey)
		if merr := s.cfg.Vault.WriteMarker404(req.StorageKey, req.Tag, time.Now()); merr != nil {
			log.Printf("scheduler: write .404 for %s: %v", req.StorageKey, merr)
		}
	case errors.Is(err, bus.ErrTimeout):
		downloadsTotal.WithLabelValues("bus_timeout").Inc()
		log.Printf("scheduler: bus busy, retrying %s next cycle", req.StorageKey)
		return // no commit: the cursor stays on this candidate
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return
	default:
		downloadsTotal.WithLabelValues("failed").Inc()
		log.Printf("scheduler: download %s: %v", req.StorageKey, err)
		s.cfg.Failures.RecordFailure(req.StorageKey)
		sleepCtx(ctx, errorBackoff)
		s.DownloadsNeeded.Signal()
	}

	s.commit(snap)
}

func (s *Scheduler) onSuccess(req Request) {
	s.cfg.Failures.Clear(req.StorageKey)
	if sc, err := catalog.EncodeSidecar(catalog.Sidecar{
		StorageKey: req.StorageKey, Tag: req.Tag, Channel: req.ChannelID,
	}); err == nil {
		if err := s.cfg.Vault.PutSidecar(req.StorageKey, req.Tag, sc); err != nil {
			log.Printf("scheduler: sidecar for %s: %v", req.StorageKey, err)
		}
	}
	if s.cfg.Playback != nil {
		s.cfg.Playback.OnDownloadComplete(req.ChannelID, req.StorageKey)
		if !s.playbackStarted && !s.cfg.Playback.Animating() {
			s.playbackStarted = true
			s.cfg.Playback.StartInitial(req.StorageKey, req.Tag)
		}
	}
	s.FileAvailable.Signal()
	s.DownloadsNeeded.Signal()
}

// waitBusFree polls IsLocked with 1-second sleeps up to the ceiling.
// Returns false when the bus stayed locked (skip this iteration).
func (s *Scheduler) waitBusFree(ctx context.Context) bool {
	waited := time.Duration(0)
	for s.cfg.Bus.IsLocked() {
		holder, _ := s.cfg.Bus.Holder()
		log.Printf("scheduler: bus locked by %q; waiting", holder)
		if waited >= s.cfg.BusPollCeiling {
			return false
		}
		if err := sleepCtx(ctx, s.cfg.BusPollInterval); err != nil {
			return false
		}
		waited += s.cfg.BusPollInterval
	}
	return true
}

// ─── Snapshot / commit ───────────────────────────────────────────────────────

func (s *Scheduler) takeSnapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := snapshot{
		channels: make([]ChannelState, len(s.channels)),
		rr:       s.rr,
		sig:      s.signature,
	}
	copy(snap.channels, s.channels)
	return snap
}

// commit writes cursor advances and the rotated round-robin index back, but
// only when the channel-list signature is unchanged; otherwise the new
// configuration takes precedence and the snapshot is discarded silently.
func (s *Scheduler) commit(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signature != snap.sig {
		return
	}
	copy(s.channels, snap.channels)
	s.rr = snap.rr
}

// ─── Candidate selection ─────────────────────────────────────────────────────

// getNextDownload scans the snapshot round-robin for the next downloadable
// artwork. The round-robin index advances past the channel that served the
// request. Exhausted channels get their scanned-to-end flag raised in the
// snapshot.
func (s *Scheduler) getNextDownload(snap *snapshot) (Request, bool) {
	n := len(snap.channels)
	for off := 0; off < n; off++ {
		idx := (snap.rr + off) % n
		ch := &snap.channels[idx]
		if strings.HasPrefix(ch.ID, sdcardPrefix) {
			continue
		}
		if ch.ScannedToEnd {
			continue
		}
		cache := s.cfg.Registry.Find(ch.ID)
		if cache == nil {
			continue
		}
		for {
			d, ok := cache.NextMissing(&ch.Cursor, s.cfg.Avail)
			if !ok {
				break
			}
			if d.Kind != catalog.KindArtwork || !d.Tag.Valid() {
				continue
			}
			key := d.StorageKey()
			if s.cfg.Vault.Exists(key, d.Tag) {
				continue
			}
			if s.cfg.Vault.Marker404Exists(key, d.Tag) {
				continue
			}
			if !s.cfg.Failures.CanDownload(key) {
				continue
			}
			snap.rr = (idx + 1) % n
			return Request{
				StorageKey: key,
				Tag:        d.Tag,
				Path:       s.cfg.Vault.Path(key, d.Tag),
				ChannelID:  ch.ID,
				URL:        s.cfg.BuildURL(key, d.Tag),
			}, true
		}
		ch.ScannedToEnd = true
	}
	return Request{}, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
