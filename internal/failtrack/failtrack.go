// Package failtrack counts download failures per asset. The counter is a
// tiny .fail file beside the asset's vault path, so it survives reboots and
// travels with the media. At the terminal threshold the scheduler skips the
// asset until the counter is cleared by a later success.
package failtrack

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/framecast/framecast/internal/vault"
)

// DefaultTerminalThreshold is the strike count at which an asset becomes
// terminal.
const DefaultTerminalThreshold = 3

// Tracker reads and writes failure counters under a vault root.
type Tracker struct {
	root      string
	threshold int
}

// New returns a Tracker over the vault root. threshold <= 0 selects the
// default of 3.
func New(root string, threshold int) *Tracker {
	if threshold <= 0 {
		threshold = DefaultTerminalThreshold
	}
	return &Tracker{root: root, threshold: threshold}
}

// Count returns the current failure count for key (0 when absent or
// unreadable).
func (t *Tracker) Count(storageKey string) int {
	b, err := os.ReadFile(vault.FailCountPath(t.root, storageKey))
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// CanDownload reports whether the asset is below the terminal threshold.
func (t *Tracker) CanDownload(storageKey string) bool {
	return t.Count(storageKey) < t.threshold
}

// RecordFailure increments the counter. Write errors are logged and
// swallowed: a failing counter must not block the download loop.
func (t *Tracker) RecordFailure(storageKey string) {
	n := t.Count(storageKey) + 1
	path := vault.FailCountPath(t.root, storageKey)
	if err := os.MkdirAll(vault.ShardDir(t.root, storageKey), 0o755); err != nil {
		log.Printf("failtrack: mkdir for %s: %v", storageKey, err)
		return
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(n)+"\n"), 0o644); err != nil {
		log.Printf("failtrack: write %s: %v", storageKey, err)
		return
	}
	if n >= t.threshold {
		log.Printf("failtrack: %s is terminal after %d failures", storageKey, n)
	}
}

// Clear resets the counter to zero. Called on successful fetch, and on a
// successful render of a previously failing object.
func (t *Tracker) Clear(storageKey string) {
	err := os.Remove(vault.FailCountPath(t.root, storageKey))
	if err != nil && !os.IsNotExist(err) {
		log.Printf("failtrack: clear %s: %v", storageKey, err)
	}
}
