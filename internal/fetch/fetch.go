// Package fetch streams assets from the vault origin into the local vault.
// One fetch holds the shared bus for its whole duration (the radio and the
// storage controller cannot run concurrently), writes to the vault's .tmp
// path in fixed chunks with short yields so the renderer keeps its CPU, and
// finishes with the vault's fsync + rename commit.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/framecast/framecast/internal/bus"
	"github.com/framecast/framecast/internal/catalog"
	"github.com/framecast/framecast/internal/httpclient"
	"github.com/framecast/framecast/internal/safeurl"
	"github.com/framecast/framecast/internal/vault"
)

// Error kinds surfaced to the scheduler. NotFound becomes a permanent .404
// marker; the others feed the failure tracker and are retried.
var (
	ErrNotFound        = errors.New("fetch: origin returned 404")
	ErrInvalidResponse = errors.New("fetch: unexpected origin response")
	ErrInvalidSize     = errors.New("fetch: transfer size mismatch")
	ErrInvalidArg      = errors.New("fetch: invalid argument")
)

const (
	// DefaultChunkSize is the per-read network chunk.
	DefaultChunkSize = 32 * 1024
	// chunkYield is the pause between chunks; keeps the renderer fed.
	chunkYield = 10 * time.Millisecond
	// minObjectSize: anything this small cannot be a real container file.
	minObjectSize = 12
	// busPollInterval / DefaultBusWait: how the fetcher waits out a held bus.
	busPollInterval = 1 * time.Second
	// DefaultBusWait is the ceiling on waiting for the bus.
	DefaultBusWait = 120 * time.Second
)

// Progress is invoked after each chunk with (received, total). total is -1
// when the origin did not advertise Content-Length.
type Progress func(received, total int64)

// Fetcher downloads assets. Safe for use by the single download worker; it
// is not a pool.
type Fetcher struct {
	Bus    *bus.Coordinator
	Vault  *vault.Store
	Client *http.Client

	// CatalogHost is the origin host for BuildURL.
	CatalogHost string

	// ChunkSize overrides DefaultChunkSize when > 0.
	ChunkSize int

	// BusWait overrides DefaultBusWait when > 0.
	BusWait time.Duration

	// Progress is optional.
	Progress Progress

	pace *rate.Limiter
}

// BuildURL returns the origin URL for a storage key: the shard levels match
// the vault layout byte for byte.
func BuildURL(host, storageKey string, tag catalog.Tag) string {
	s := vault.Shards(storageKey)
	return "https://" + host + "/api/vault/" + s[0] + "/" + s[1] + "/" + s[2] + "/" + storageKey + "." + tag.Ext()
}

// Fetch downloads (key, tag) from url into the vault. The bus is acquired
// for the whole transfer; bus.ErrTimeout is returned when it stays held past
// the ceiling.
func (f *Fetcher) Fetch(ctx context.Context, url, storageKey string, tag catalog.Tag) error {
	if !safeurl.IsHTTPOrHTTPS(url) || storageKey == "" || !tag.Valid() {
		return fmt.Errorf("%w: url=%q key=%q tag=%d", ErrInvalidArg, url, storageKey, tag)
	}
	if err := f.acquireBus(ctx); err != nil {
		return err
	}
	defer f.Bus.Release()
	return f.transfer(ctx, url, storageKey, tag)
}

// acquireBus polls for the bus the way the scheduler does: short sleeps up
// to a ceiling, so a long-held lock turns into a Timeout instead of a queue.
func (f *Fetcher) acquireBus(ctx context.Context) error {
	wait := f.BusWait
	if wait <= 0 {
		wait = DefaultBusWait
	}
	deadline := time.Now().Add(wait)
	for {
		if f.Bus.TryAcquire("download") {
			return nil
		}
		if time.Now().After(deadline) {
			return bus.ErrTimeout
		}
		if holder, ok := f.Bus.Holder(); ok {
			log.Printf("fetch: bus held by %q; waiting", holder)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(busPollInterval):
		}
	}
}

func (f *Fetcher) transfer(ctx context.Context, url, storageKey string, tag catalog.Tag) error {
	if err := f.Vault.EnsureShardDir(storageKey); err != nil {
		return fmt.Errorf("fetch: shard dir: %w", err)
	}

	client := f.Client
	if client == nil {
		client = httpclient.ForTransfer()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArg, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: HTTP %d", ErrInvalidResponse, resp.StatusCode)
	}
	total := resp.ContentLength // -1 when not advertised

	final := f.Vault.Path(storageKey, tag)
	tmp := vault.TempPath(final)
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("fetch: open temp: %w", err)
	}

	received, err := f.copyChunks(ctx, out, resp.Body, total)
	if err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}

	if received <= minObjectSize || (total >= 0 && received != total) {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: received=%d content-length=%d", ErrInvalidSize, received, total)
	}

	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("fetch: sync: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("fetch: close: %w", err)
	}
	if err := f.Vault.Commit(storageKey, tag); err != nil {
		return err
	}
	log.Printf("fetch: stored %s (%d bytes)", storageKey, received)
	return nil
}

// copyChunks reads body in fixed chunks, writing each to out, yielding
// between chunks and reporting progress.
func (f *Fetcher) copyChunks(ctx context.Context, out *os.File, body io.Reader, total int64) (int64, error) {
	size := f.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	if f.pace == nil {
		f.pace = rate.NewLimiter(rate.Every(chunkYield), 1)
	}
	buf := make([]byte, size)
	var received int64
	for {
		n, rerr := io.ReadFull(body, buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return received, fmt.Errorf("fetch: write temp: %w", werr)
			}
			received += int64(n)
			if f.Progress != nil {
				f.Progress(received, total)
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			return received, nil
		}
		if rerr != nil {
			return received, fmt.Errorf("fetch: read body: %w", rerr)
		}
		if err := f.pace.Wait(ctx); err != nil {
			return received, err
		}
	}
}
