// Package diag serves the local diagnostics listener: /healthz and the
// prometheus /metrics endpoint.
package diag

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Checks are the health probes run by /healthz.
type Checks struct {
	// VaultRoot is probed for writability.
	VaultRoot string
	// CatalogURL, when set, is probed with a GET (any response counts;
	// health means reachable, not correct).
	CatalogURL string
	Client     *http.Client
}

// CheckVaultWritable verifies the vault root accepts writes.
func (c *Checks) CheckVaultWritable() error {
	if c.VaultRoot == "" {
		return fmt.Errorf("no vault root configured")
	}
	probe := filepath.Join(c.VaultRoot, ".healthz")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("vault not writable: %w", err)
	}
	os.Remove(probe)
	return nil
}

// CheckCatalogReachable probes the catalog service.
func (c *Checks) CheckCatalogReachable(ctx context.Context) error {
	if c.CatalogURL == "" {
		return nil
	}
	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.CatalogURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("catalog unreachable: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// Handler returns the diagnostics mux: /healthz and /metrics.
func Handler(c *Checks) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := c.CheckVaultWritable(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err := c.CheckCatalogReachable(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Serve runs the diagnostics listener until ctx ends. addr "" disables.
func Serve(ctx context.Context, addr string, c *Checks) {
	if addr == "" {
		return
	}
	srv := &http.Server{Addr: addr, Handler: Handler(c)}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	log.Printf("diag: listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("diag: %v", err)
	}
}
