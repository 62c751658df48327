// Package player is the playback coordinator: it takes storage keys, decodes
// them from the vault, and runs the decode → upscale → present loop against
// the display engine. It is the consumer side of the scheduler's one-way
// notification interface; its only call back toward the scheduler is the
// work-available nudge.
package player

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/framecast/framecast/internal/catalog"
	"github.com/framecast/framecast/internal/display"
	"github.com/framecast/framecast/internal/failtrack"
	"github.com/framecast/framecast/internal/overlay"
	"github.com/framecast/framecast/internal/render"
	"github.com/framecast/framecast/internal/vault"
)

// request is one playback command.
type request struct {
	key string
	tag catalog.Tag
}

// Player runs the render task.
type Player struct {
	Vault    *vault.Store
	Engine   *display.Engine
	Upscaler *render.Upscaler
	Failures *failtrack.Tracker
	Overlays *overlay.Compositor
	FPS      *overlay.FPSCounter
	Loop     bool

	// StripeRows / StripeBudget tune the stripe pipeline.
	StripeRows   int
	StripeBudget int

	// WorkAvailable, when set, nudges the download scheduler.
	WorkAvailable func()

	reqMu     sync.Mutex
	reqCh     chan request
	animating atomic.Bool
}

func (p *Player) requests() chan request {
	p.reqMu.Lock()
	defer p.reqMu.Unlock()
	if p.reqCh == nil {
		p.reqCh = make(chan request, 1)
	}
	return p.reqCh
}

// ─── Scheduler-facing interface ──────────────────────────────────────────────

// OnDownloadComplete is the scheduler's per-asset success callback.
func (p *Player) OnDownloadComplete(channelID, storageKey string) {
	log.Printf("player: new asset %s (channel %s)", storageKey, channelID)
}

// Animating reports whether an animation is currently on the panel.
func (p *Player) Animating() bool { return p.animating.Load() }

// StartInitial begins playback of the first asset of the boot cycle.
func (p *Player) StartInitial(storageKey string, tag catalog.Tag) {
	p.enqueue(request{key: storageKey, tag: tag})
}

// Swap requests a user-visible playback change; the processing indicator
// runs from here until the first frame of the new asset presents.
func (p *Player) Swap(storageKey string, tag catalog.Tag) {
	if p.Overlays != nil && p.Overlays.Indicator != nil {
		p.Overlays.Indicator.Start()
	}
	p.enqueue(request{key: storageKey, tag: tag})
}

// enqueue replaces any queued request: the newest swap wins.
func (p *Player) enqueue(r request) {
	ch := p.requests()
	for {
		select {
		case ch <- r:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

// ─── Render task ─────────────────────────────────────────────────────────────

// Run is the render task loop. Returns when ctx ends.
func (p *Player) Run(ctx context.Context) error {
	ch := p.requests()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-ch:
			p.play(ctx, r)
		}
	}
}

// play decodes and presents one asset until it ends (non-loop), a new
// request arrives, or ctx ends. While the engine is in UI mode, play waits
// for Animation mode and then continues the same asset; the decoder and the
// upscaler tables stay allocated during that wait.
func (p *Player) play(ctx context.Context, r request) {
	path := p.Vault.Path(r.key, r.tag)
	dec, err := render.Open(path, r.tag)
	if err != nil {
		log.Printf("player: open %s: %v", r.key, err)
		if p.Failures != nil {
			p.Failures.RecordFailure(r.key)
		}
		return
	}
	defer dec.Close()
	defer p.Upscaler.Release()

	// Playback is the mtime bump that shields the asset from eviction.
	p.Vault.Touch(r.key, r.tag)

	fbW, _ := p.Engine.BufferSize()
	pipe, err := render.NewStripePipeline(fbW, p.StripeRows, p.StripeBudget)
	if err != nil {
		log.Printf("player: %v", err)
		return
	}

	p.animating.Store(true)
	defer p.animating.Store(false)

	firstFrame := true
	var nextDue time.Time
	ch := p.requests()
	for {
		select {
		case <-ctx.Done():
			return
		case r2 := <-ch:
			// Newest request preempts the running animation.
			p.enqueue(r2)
			return
		default:
		}
		if p.Engine.PollModeSwitch() != display.ModeAnimation {
			// UI owns the panel; wait it out with the decoder still open.
			p.waitForAnimationMode(ctx)
			if ctx.Err() != nil {
				return
			}
		}

		frame, err := dec.NextFrame()
		if err == io.EOF {
			if !p.Loop {
				return
			}
			if err := dec.Reset(); err != nil {
				log.Printf("player: reset %s: %v", r.key, err)
				return
			}
			continue
		}
		if err != nil {
			log.Printf("player: decode %s: %v", r.key, err)
			if p.Failures != nil {
				p.Failures.RecordFailure(r.key)
			}
			return
		}

		// Frame pacing: never present faster than the decoder's delay.
		if !nextDue.IsZero() {
			if d := time.Until(nextDue); d > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(d):
				}
			}
		}
		nextDue = time.Now().Add(frame.Delay)

		if err := p.present(ctx, pipe, frame); err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Printf("player: present %s: %v", r.key, err)
			}
			return
		}

		if firstFrame {
			firstFrame = false
			if p.Failures != nil && p.Failures.Count(r.key) > 0 {
				p.Failures.Clear(r.key)
			}
			if p.Overlays != nil && p.Overlays.Indicator != nil {
				p.Overlays.Indicator.Success()
			}
			if p.WorkAvailable != nil {
				p.WorkAvailable()
			}
		}
	}
}

// present renders one frame into a Free buffer and submits it.
func (p *Player) present(ctx context.Context, pipe *render.StripePipeline, frame *render.Frame) error {
	buf, err := p.Engine.AcquireFree(ctx)
	if err != nil {
		return err
	}
	err = pipe.Render(p.Upscaler, frame, buf.H, func(yStart, rows int, stripe []byte) error {
		copy(buf.Pix[yStart*buf.Stride:(yStart+rows)*buf.Stride], stripe)
		return nil
	})
	if err != nil {
		p.Engine.ReleaseRendering(buf)
		return err
	}
	if p.Overlays != nil {
		p.Overlays.Apply(buf.Pix, buf.W, buf.H, buf.Stride)
	}
	if err := p.Engine.Submit(ctx, buf); err != nil {
		return err
	}
	if p.FPS != nil {
		p.FPS.Tick()
	}
	return nil
}

func (p *Player) waitForAnimationMode(ctx context.Context) {
	for ctx.Err() == nil {
		if p.Engine.PollModeSwitch() == display.ModeAnimation {
			return
		}
		select {
		case <-ctx.Done():
		case <-time.After(20 * time.Millisecond):
		}
	}
}
