// Package config holds the appliance settings. Values come from an optional
// YAML file plus FRAMECAST_* environment overrides; env wins so a fleet can
// share one file and tweak per-device.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses YAML "30s" / "6h" strings (or bare seconds) into a
// time.Duration.
type Duration time.Duration

// UnmarshalYAML accepts a Go duration string or a number of seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		if strings.TrimSpace(s) == "" {
			*d = 0
			return nil
		}
		dd, err := time.ParseDuration(s)
		if err != nil {
			// yaml.v3 hands a bare number to a string target as its text.
			secs, ferr := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if ferr != nil {
				return err
			}
			dd = time.Duration(secs * float64(time.Second))
		}
		*d = Duration(dd)
		return nil
	}
	var secs float64
	if err := node.Decode(&secs); err != nil {
		return fmt.Errorf("config: invalid duration")
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// Config holds catalog, vault, playback and overlay settings.
type Config struct {
	// Remote catalog service.
	CatalogHost string `yaml:"catalog_host"` // e.g. vault.example.com

	// Paths.
	VaultRoot  string `yaml:"vault_root"`  // e.g. /media/sd/vault
	CatalogDir string `yaml:"catalog_dir"` // channel index mirror, e.g. /media/sd/catalog
	AvailDB    string `yaml:"avail_db"`    // availability index; "" = <vault_root>/avail.db

	// Channels, in priority order. At most 16; extras are dropped with a log.
	Channels []string `yaml:"channels"`

	// Cache and failure policy.
	CacheLimit        int      `yaml:"cache_limit"`         // max vault objects; 0 = 1000
	TerminalFailures  int      `yaml:"terminal_failures"`   // strikes until terminal; 0 = 3
	RefreshInterval   Duration `yaml:"refresh_interval"`    // catalog mirror cadence; 0 = 6h
	DownloadChunkSize int      `yaml:"download_chunk_size"` // bytes per network chunk; 0 = 32 KiB

	// Display.
	RotationDegrees int    `yaml:"rotation_degrees"` // 0/90/180/270
	BackgroundRGB   uint32 `yaml:"background_rgb"`   // border fill, 0xRRGGBB
	StripeRows      int    `yaml:"stripe_rows"`      // upscale stripe height; 0 = 80

	// Overlays.
	FPSOverlay          bool     `yaml:"fps_overlay"`
	ProcessingIndicator bool     `yaml:"processing_indicator"`
	IndicatorTimeout    Duration `yaml:"indicator_timeout"` // 0 = 5s

	// Diagnostics listener (healthz + metrics). "" disables.
	DiagAddr string `yaml:"diag_addr"`
}

// Load reads the optional YAML file at path (empty path or missing file is
// fine), applies FRAMECAST_* env overrides, then defaults. Call
// LoadEnvFile(".env") first to use a .env file.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(b, c); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	c.applyEnv()
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	c.CatalogHost = getEnv("FRAMECAST_CATALOG_HOST", c.CatalogHost)
	c.VaultRoot = getEnv("FRAMECAST_VAULT_ROOT", c.VaultRoot)
	c.CatalogDir = getEnv("FRAMECAST_CATALOG_DIR", c.CatalogDir)
	c.AvailDB = getEnv("FRAMECAST_AVAIL_DB", c.AvailDB)
	if v := os.Getenv("FRAMECAST_CHANNELS"); v != "" {
		c.Channels = splitList(v)
	}
	c.CacheLimit = getEnvInt("FRAMECAST_CACHE_LIMIT", c.CacheLimit)
	c.TerminalFailures = getEnvInt("FRAMECAST_TERMINAL_FAILURES", c.TerminalFailures)
	c.RefreshInterval = Duration(getEnvDuration("FRAMECAST_REFRESH_INTERVAL", time.Duration(c.RefreshInterval)))
	c.DownloadChunkSize = getEnvInt("FRAMECAST_DOWNLOAD_CHUNK_SIZE", c.DownloadChunkSize)
	c.RotationDegrees = getEnvInt("FRAMECAST_ROTATION", c.RotationDegrees)
	c.BackgroundRGB = getEnvRGB("FRAMECAST_BACKGROUND_RGB", c.BackgroundRGB)
	c.StripeRows = getEnvInt("FRAMECAST_STRIPE_ROWS", c.StripeRows)
	c.FPSOverlay = getEnvBool("FRAMECAST_FPS_OVERLAY", c.FPSOverlay)
	c.ProcessingIndicator = getEnvBool("FRAMECAST_PROCESSING_INDICATOR", c.ProcessingIndicator)
	c.IndicatorTimeout = Duration(getEnvDuration("FRAMECAST_INDICATOR_TIMEOUT", time.Duration(c.IndicatorTimeout)))
	c.DiagAddr = getEnv("FRAMECAST_DIAG_ADDR", c.DiagAddr)
}

func (c *Config) applyDefaults() {
	if c.VaultRoot == "" {
		c.VaultRoot = "/media/sd/vault"
	}
	if c.CatalogDir == "" {
		c.CatalogDir = "/media/sd/catalog"
	}
	if c.AvailDB == "" {
		c.AvailDB = c.VaultRoot + "/avail.db"
	}
	if c.CacheLimit <= 0 {
		c.CacheLimit = 1000
	}
	if c.TerminalFailures <= 0 {
		c.TerminalFailures = 3
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = Duration(6 * time.Hour)
	}
	if c.DownloadChunkSize <= 0 {
		c.DownloadChunkSize = 32 * 1024
	}
	if c.StripeRows <= 0 {
		c.StripeRows = 80
	}
	if c.IndicatorTimeout <= 0 {
		c.IndicatorTimeout = Duration(5 * time.Second)
	}
	if len(c.Channels) > 16 {
		log.Printf("config: %d channels configured, keeping first 16", len(c.Channels))
		c.Channels = c.Channels[:16]
	}
}

func (c *Config) validate() error {
	switch c.RotationDegrees {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("config: rotation must be 0/90/180/270, got %d", c.RotationDegrees)
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvRGB parses "RRGGBB" or "0xRRGGBB".
func getEnvRGB(key string, defaultVal uint32) uint32 {
	v := strings.TrimPrefix(strings.TrimSpace(os.Getenv(key)), "0x")
	if v == "" {
		return defaultVal
	}
	n, err := strconv.ParseUint(v, 16, 32)
	if err != nil || n > 0xFFFFFF {
		return defaultVal
	}
	return uint32(n)
}
