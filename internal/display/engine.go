// Package display owns the framebuffers and the scan-out handshake. During
// animated playback it drives the panel directly (bypass mode); UI mode
// yields the panel back to the GUI toolkit. The buffer lifecycle is a strict
// state machine (Free, Rendering, Pending, Displaying) with at most one
// Pending and one Displaying at any instant.
package display

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/framecast/framecast/internal/render"
)

var framesPresented = promauto.NewCounter(prometheus.CounterOpts{
	Name: "framecast_frames_presented_total",
	Help: "Frames promoted to Displaying.",
})

// modeSwitchPoll bounds how long a mode-switch requester waits before the
// render task is considered hung.
const modeSwitchPoll = 500 * time.Millisecond

// State of one framebuffer.
type State uint8

const (
	Free State = iota
	Rendering
	Pending
	Displaying
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Rendering:
		return "rendering"
	case Pending:
		return "pending"
	case Displaying:
		return "displaying"
	}
	return "?"
}

// Buffer is one framebuffer: BGR888, allocated once at engine init.
type Buffer struct {
	Index  int
	Pix    []byte
	W, H   int
	Stride int

	state State // guarded by the engine mutex
}

// Panel is the scan-out collaborator. Submit starts DMA of b; the driver
// calls Engine.VsyncComplete when scan-out of the newest submitted buffer
// begins.
type Panel interface {
	Submit(b *Buffer) error
}

// CacheFlusher is the optional cache-maintenance hook for framebuffers in
// uncached SPI memory.
type CacheFlusher interface {
	Flush(buf []byte)
}

// Toolkit is the GUI toolkit's hold on the panel. EnterUI re-enables it at
// the given rotation; ExitUI waits for it to let go before bypass resumes.
type Toolkit interface {
	EnterUI(rot render.Rotation) error
	ExitUI() error
}

// Mode of the engine.
type Mode int32

const (
	ModeAnimation Mode = iota
	ModeUI
)

// Engine is the multi-buffer display state machine.
type Engine struct {
	panel   Panel
	flush   CacheFlusher
	toolkit Toolkit
	rot     render.Rotation

	mu         sync.Mutex
	bufs       []*Buffer
	pending    int // buffer index, -1 when none
	displaying int

	freeSem chan struct{} // one token per Free buffer
	vsync   chan struct{} // binary: given by VsyncComplete

	mode    atomic.Int32
	modeReq atomic.Int32
}

// New allocates nbufs (2 or 3) W×H BGR888 framebuffers. With three buffers
// the render task never waits for scan-out unless both spares are queued;
// with two it degrades to a vsync-gated ping-pong.
func New(panel Panel, toolkit Toolkit, flush CacheFlusher, nbufs, w, h int, rot render.Rotation) (*Engine, error) {
	if panel == nil {
		return nil, errors.New("display: nil panel")
	}
	if nbufs != 2 && nbufs != 3 {
		return nil, fmt.Errorf("display: %d buffers unsupported (want 2 or 3)", nbufs)
	}
	e := &Engine{
		panel:      panel,
		flush:      flush,
		toolkit:    toolkit,
		rot:        rot,
		pending:    -1,
		displaying: -1,
		freeSem:    make(chan struct{}, nbufs),
		vsync:      make(chan struct{}, 1),
	}
	for i := 0; i < nbufs; i++ {
		e.bufs = append(e.bufs, &Buffer{
			Index:  i,
			Pix:    make([]byte, w*h*render.PanelBPP),
			W:      w,
			H:      h,
			Stride: w * render.PanelBPP,
		})
		e.freeSem <- struct{}{}
	}
	return e, nil
}

// Rotation returns the panel rotation; UI-mode content rotates identically.
func (e *Engine) Rotation() render.Rotation { return e.rot }

// BufferSize returns the framebuffer dimensions.
func (e *Engine) BufferSize() (w, h int) {
	return e.bufs[0].W, e.bufs[0].H
}

// AcquireFree blocks until a Free buffer is available and returns it in
// Rendering state.
func (e *Engine) AcquireFree(ctx context.Context) (*Buffer, error) {
	select {
	case <-e.freeSem:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, b := range e.bufs {
		if b.state == Free {
			b.state = Rendering
			return b, nil
		}
	}
	// Token without a Free buffer means the state machine is corrupt.
	return nil, errors.New("display: free semaphore out of sync")
}

// Submit hands a Rendering buffer to scan-out. If another Pending is still
// in flight, Submit waits on vsync for it to promote first, preserving the
// at-most-one-Pending invariant. The cache flush happens before DMA sees
// the buffer.
func (e *Engine) Submit(ctx context.Context, b *Buffer) error {
	e.mu.Lock()
	if b.state != Rendering {
		e.mu.Unlock()
		return fmt.Errorf("display: submit of %s buffer %d", b.state, b.Index)
	}
	e.mu.Unlock()

	if e.flush != nil {
		e.flush.Flush(b.Pix)
	}

	// A vsync token can be left over from a promotion nobody waited for, so
	// the Pending slot is checked again after every wakeup.
	e.mu.Lock()
	for e.pending >= 0 {
		e.mu.Unlock()
		select {
		case <-e.vsync:
		case <-ctx.Done():
			return ctx.Err()
		}
		e.mu.Lock()
	}
	b.state = Pending
	e.pending = b.Index
	e.mu.Unlock()
	return e.panel.Submit(b)
}

// VsyncComplete is invoked by the panel driver when scan-out of the newest
// Pending buffer begins: Pending promotes to Displaying, the previous
// Displaying frees, and both the free semaphore and the vsync gate signal.
func (e *Engine) VsyncComplete() {
	e.mu.Lock()
	if e.pending < 0 {
		e.mu.Unlock()
		return
	}
	if e.displaying >= 0 {
		old := e.bufs[e.displaying]
		old.state = Free
		select {
		case e.freeSem <- struct{}{}:
		default:
			log.Printf("display: free semaphore overflow")
		}
	}
	e.bufs[e.pending].state = Displaying
	e.displaying = e.pending
	e.pending = -1
	e.mu.Unlock()

	framesPresented.Inc()
	select {
	case e.vsync <- struct{}{}:
	default:
	}
}

// ReleaseRendering returns an acquired buffer without submitting it
// (producer error, mode unwind).
func (e *Engine) ReleaseRendering(b *Buffer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b.state != Rendering {
		return
	}
	b.state = Free
	select {
	case e.freeSem <- struct{}{}:
	default:
	}
}

// States returns a snapshot of buffer states (diagnostics, tests).
func (e *Engine) States() []State {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]State, len(e.bufs))
	for i, b := range e.bufs {
		out[i] = b.state
	}
	return out
}

// Displaying returns the index of the buffer on the panel, or -1.
func (e *Engine) Displaying() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.displaying
}

// ─── Mode switching ──────────────────────────────────────────────────────────

// Mode returns the current operating mode.
func (e *Engine) Mode() Mode { return Mode(e.mode.Load()) }

// RequestMode asks the render task to switch modes and waits (bounded) for
// the acknowledgement; a timeout means the render task is hung.
func (e *Engine) RequestMode(m Mode) error {
	e.modeReq.Store(int32(m))
	deadline := time.Now().Add(modeSwitchPoll)
	for time.Now().Before(deadline) {
		if e.Mode() == m {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf("display: mode switch to %d not acknowledged", m)
}

// PollModeSwitch is called by the render task between frames. When a switch
// is requested it unwinds the current mode, hands the panel over, and
// acknowledges by updating Mode. Returns the active mode.
func (e *Engine) PollModeSwitch() Mode {
	req := Mode(e.modeReq.Load())
	cur := e.Mode()
	if req == cur {
		return cur
	}
	switch req {
	case ModeUI:
		if e.toolkit != nil {
			if err := e.toolkit.EnterUI(e.rot); err != nil {
				log.Printf("display: toolkit enter: %v", err)
			}
		}
	case ModeAnimation:
		if e.toolkit != nil {
			if err := e.toolkit.ExitUI(); err != nil {
				log.Printf("display: toolkit exit: %v", err)
			}
		}
	}
	e.mode.Store(int32(req))
	log.Printf("display: mode -> %v", req)
	return req
}
