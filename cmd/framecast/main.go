// Command framecast is the picture-frame appliance daemon: it mirrors
// artwork catalogs, keeps a content-addressed vault filled from the catalog
// service, and plays the artwork back on the 720×720 panel.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/framecast/framecast/internal/bus"
	"github.com/framecast/framecast/internal/catalog"
	"github.com/framecast/framecast/internal/config"
	"github.com/framecast/framecast/internal/diag"
	"github.com/framecast/framecast/internal/display"
	"github.com/framecast/framecast/internal/failtrack"
	"github.com/framecast/framecast/internal/fetch"
	"github.com/framecast/framecast/internal/httpclient"
	"github.com/framecast/framecast/internal/overlay"
	"github.com/framecast/framecast/internal/player"
	"github.com/framecast/framecast/internal/refresh"
	"github.com/framecast/framecast/internal/render"
	"github.com/framecast/framecast/internal/scheduler"
	"github.com/framecast/framecast/internal/supervisor"
	"github.com/framecast/framecast/internal/vault"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config (optional; env overrides)")
	envFile := flag.String("env", ".env", "Path to .env file (optional)")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		log.Printf("env file: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := run(cfg); err != nil && err != context.Canceled {
		log.Fatalf("framecast: %v", err)
	}
	fmt.Println("shutting down")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	availDB, err := catalog.OpenAvailDB(cfg.AvailDB)
	if err != nil {
		return err
	}
	defer availDB.Close()

	store, err := vault.New(cfg.VaultRoot, availDB)
	if err != nil {
		return err
	}
	failures := failtrack.New(cfg.VaultRoot, cfg.TerminalFailures)
	registry := catalog.NewRegistry(cfg.CatalogDir)
	busCoord := bus.New()

	fetcher := &fetch.Fetcher{
		Bus:         busCoord,
		Vault:       store,
		Client:      httpclient.ForTransfer(),
		CatalogHost: cfg.CatalogHost,
		ChunkSize:   cfg.DownloadChunkSize,
	}

	rot := render.ParseRotation(cfg.RotationDegrees)
	panel := newSimPanel()
	engine, err := display.New(panel, nil, nil, 3, render.PanelW, render.PanelH, rot)
	if err != nil {
		return err
	}
	panel.engine = engine

	fps := &overlay.FPSCounter{Enabled: cfg.FPSOverlay}
	overlays := &overlay.Compositor{
		FPS:       fps,
		Indicator: &overlay.Indicator{Enabled: cfg.ProcessingIndicator, Timeout: time.Duration(cfg.IndicatorTimeout)},
	}
	play := &player.Player{
		Vault:      store,
		Engine:     engine,
		Upscaler:   render.NewUpscaler(render.PanelW, render.PanelH, rot, render.RGB(cfg.BackgroundRGB), nil),
		Failures:   failures,
		Overlays:   overlays,
		FPS:        fps,
		Loop:       true,
		StripeRows: cfg.StripeRows,
	}

	sched, err := scheduler.New(scheduler.Config{
		Vault:      store,
		Registry:   registry,
		Avail:      availDB,
		Failures:   failures,
		Fetcher:    fetcher,
		Bus:        busCoord,
		Playback:   play,
		CacheLimit: cfg.CacheLimit,
	}, cfg.Channels)
	if err != nil {
		return err
	}
	play.WorkAvailable = sched.SignalWorkAvailable

	refresher := &refresh.Refresher{
		Bus:         busCoord,
		Client:      httpclient.Default(),
		CatalogHost: cfg.CatalogHost,
		Dir:         cfg.CatalogDir,
		Sched:       sched,
	}

	// The vault root existing and writable is what "storage mounted" means
	// here; the removable-media driver raised it before we got this far.
	sched.StorageMounted.Set(true)

	go diag.Serve(ctx, cfg.DiagAddr, &diag.Checks{
		VaultRoot:  cfg.VaultRoot,
		CatalogURL: "https://" + cfg.CatalogHost + "/healthz",
	})

	tasks := []supervisor.Task{
		{Name: "netmon", Run: func(ctx context.Context) error {
			return watchNetwork(ctx, cfg.CatalogHost, sched.NetworkReady)
		}},
		{Name: "download", Run: sched.Run},
		{Name: "render", Run: play.Run},
		{Name: "refresh", StartDelay: 2 * time.Second, Run: func(ctx context.Context) error {
			return refresher.Run(ctx, cfg.Channels, time.Duration(cfg.RefreshInterval))
		}},
	}
	return supervisor.Run(ctx, tasks)
}

// watchNetwork keeps the network-ready gate in sync with reachability of the
// catalog host.
func watchNetwork(ctx context.Context, host string, gate *scheduler.Gate) error {
	probe := func() bool {
		d := net.Dialer{Timeout: 5 * time.Second}
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, "443"))
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
	for {
		up := probe()
		if up != gate.IsSet() {
			log.Printf("netmon: network %s", map[bool]string{true: "up", false: "down"}[up])
		}
		gate.Set(up)
		interval := 15 * time.Second
		if !up {
			interval = 5 * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// simPanel stands in for the scan-out driver when framecast runs off-device:
// every submission is promoted on the next simulated vsync (60 Hz).
type simPanel struct {
	engine *display.Engine
	submit chan struct{}
}

func newSimPanel() *simPanel {
	p := &simPanel{submit: make(chan struct{}, 1)}
	go func() {
		tick := time.NewTicker(time.Second / 60)
		defer tick.Stop()
		for range tick.C {
			select {
			case <-p.submit:
				if p.engine != nil {
					p.engine.VsyncComplete()
				}
			default:
			}
		}
	}()
	return p
}

func (p *simPanel) Submit(b *display.Buffer) error {
	select {
	case p.submit <- struct{}{}:
	default:
	}
	return nil
}
