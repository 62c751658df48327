// Package refresh mirrors the per-channel catalog streams from the catalog
// service to local storage. A changed mirror starts a new scheduler epoch.
// Like every remote read, a refresh runs under the shared bus lock.
package refresh

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/framecast/framecast/internal/bus"
	"github.com/framecast/framecast/internal/catalog"
	"github.com/framecast/framecast/internal/httpclient"
)

// maxCatalogBytes caps one channel mirror (1 MiB = 16384 records).
const maxCatalogBytes = 1 << 20

// Scheduler is the slice of the download scheduler the refresher drives.
type Scheduler interface {
	ResetCursors()
	SignalWorkAvailable()
}

// Refresher downloads channel catalogs into the mirror directory.
type Refresher struct {
	Bus         *bus.Coordinator
	Client      *http.Client
	CatalogHost string
	// BaseURL overrides "https://<CatalogHost>" (tests, staging).
	BaseURL string
	Dir     string // mirror directory, shared with catalog.Registry
	Sched   Scheduler

	mu    sync.Mutex
	etags map[string]string // channel -> last seen ETag
}

// Run refreshes every interval until ctx ends. One refresh pass happens
// immediately on start.
func (r *Refresher) Run(ctx context.Context, channels []string, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		r.RefreshAll(ctx, channels)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// RefreshAll refreshes each channel once. On any change the scheduler gets a
// new epoch (cursors reset) and a wakeup.
func (r *Refresher) RefreshAll(ctx context.Context, channels []string) {
	changed := false
	for _, ch := range channels {
		if !catalog.ValidChannelID(ch) {
			continue
		}
		did, err := r.refreshChannel(ctx, ch)
		if err != nil {
			log.Printf("refresh: channel %s: %v", ch, err)
			continue
		}
		changed = changed || did
	}
	if changed && r.Sched != nil {
		r.Sched.ResetCursors()
		r.Sched.SignalWorkAvailable()
	}
}

// refreshChannel fetches one channel catalog. Returns true when the mirror
// file was replaced.
func (r *Refresher) refreshChannel(ctx context.Context, channel string) (bool, error) {
	if r.Bus != nil {
		if err := r.Bus.Acquire(2*time.Minute, "refresh"); err != nil {
			return false, err
		}
		defer r.Bus.Release()
	}

	base := r.BaseURL
	if base == "" {
		base = "https://" + r.CatalogHost
	}
	url := base + "/api/catalog/" + channel
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	// Explicit Accept-Encoding disables the transport's transparent gzip;
	// both encodings are decoded by hand below.
	req.Header.Set("Accept-Encoding", "br, gzip")
	r.mu.Lock()
	if etag := r.etags[channel]; etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	r.mu.Unlock()

	client := r.Client
	if client == nil {
		client = httpclient.Default()
	}
	resp, err := httpclient.DoWithRetry(ctx, client, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return false, nil
	case http.StatusOK:
	default:
		return false, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := decodeBody(resp)
	if err != nil {
		return false, err
	}
	data, err := io.ReadAll(io.LimitReader(body, maxCatalogBytes+1))
	if err != nil {
		return false, err
	}
	if len(data) > maxCatalogBytes {
		return false, fmt.Errorf("catalog exceeds %d bytes", maxCatalogBytes)
	}
	if len(data)%catalog.RecordSize != 0 {
		return false, fmt.Errorf("catalog size %d not a multiple of %d", len(data), catalog.RecordSize)
	}

	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return false, err
	}
	final := filepath.Join(r.Dir, channel+".cat")
	if prev, err := os.ReadFile(final); err == nil && string(prev) == string(data) {
		r.setETag(channel, resp.Header.Get("ETag"))
		return false, nil
	}
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return false, err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return false, err
	}
	r.setETag(channel, resp.Header.Get("ETag"))
	log.Printf("refresh: channel %s updated (%d records)", channel, len(data)/catalog.RecordSize)
	return true, nil
}

func (r *Refresher) setETag(channel, etag string) {
	r.mu.Lock()
	if r.etags == nil {
		r.etags = make(map[string]string)
	}
	r.etags[channel] = etag
	r.mu.Unlock()
}

func decodeBody(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "br":
		return brotli.NewReader(resp.Body), nil
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "", "identity":
		return resp.Body, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}
