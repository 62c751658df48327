package render

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/image/webp"

	"github.com/framecast/framecast/internal/catalog"
)

// stillHold is the dwell time for single-frame content. A still image is a
// one-frame animation as far as the pipeline is concerned.
const stillHold = 10 * time.Second

// AnimDecoder produces frames one at a time. NextFrame returns io.EOF at
// end of stream; Reset rewinds for looping.
type AnimDecoder interface {
	NextFrame() (*Frame, error)
	Reset() error
	Size() (w, h int)
	Close() error
}

// Animated webp needs a licensed hardware codec on this device; the decoder
// arrives from outside through this hook. Absent hook + animated webp file =
// the static webp path is tried instead.
var (
	animWebPMu   sync.Mutex
	animWebPOpen func(path string) (AnimDecoder, error)
)

// RegisterAnimWebP installs the animated-webp decoder factory.
func RegisterAnimWebP(open func(path string) (AnimDecoder, error)) {
	animWebPMu.Lock()
	animWebPOpen = open
	animWebPMu.Unlock()
}

// Open returns a decoder for the vault object at path with the given
// container tag.
func Open(path string, tag catalog.Tag) (AnimDecoder, error) {
	switch tag {
	case catalog.TagGIF:
		return openGIF(path)
	case catalog.TagWebP:
		animWebPMu.Lock()
		open := animWebPOpen
		animWebPMu.Unlock()
		if open != nil {
			if d, err := open(path); err == nil {
				return d, nil
			}
		}
		return openStill(path, func(r io.Reader) (image.Image, error) { return webp.Decode(r) })
	case catalog.TagPNG:
		return openStill(path, func(r io.Reader) (image.Image, error) { return png.Decode(r) })
	case catalog.TagJPEG:
		return openStill(path, func(r io.Reader) (image.Image, error) { return jpeg.Decode(r) })
	}
	return nil, fmt.Errorf("render: no decoder for tag %d", tag)
}

// ─── GIF ─────────────────────────────────────────────────────────────────────

// gifDecoder replays a decoded GIF frame by frame, compositing each frame
// onto a persistent canvas. Disposal methods are not applied: every frame is
// drawn over whatever the previous frames left on the canvas.
type gifDecoder struct {
	g      *gif.GIF
	canvas *image.RGBA
	next   int
}

func openGIF(path string) (AnimDecoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	g, err := gif.DecodeAll(f)
	if err != nil {
		return nil, fmt.Errorf("render: gif decode: %w", err)
	}
	if len(g.Image) == 0 {
		return nil, errors.New("render: gif has no frames")
	}
	w, h := g.Config.Width, g.Config.Height
	if w == 0 || h == 0 {
		b := g.Image[0].Bounds()
		w, h = b.Dx(), b.Dy()
	}
	return &gifDecoder{
		g:      g,
		canvas: image.NewRGBA(image.Rect(0, 0, w, h)),
	}, nil
}

func (d *gifDecoder) Size() (int, int) {
	b := d.canvas.Bounds()
	return b.Dx(), b.Dy()
}

func (d *gifDecoder) NextFrame() (*Frame, error) {
	if d.next >= len(d.g.Image) {
		return nil, io.EOF
	}
	src := d.g.Image[d.next]
	draw.Draw(d.canvas, src.Bounds(), src, src.Bounds().Min, draw.Over)

	delay := time.Duration(d.g.Delay[d.next]) * 10 * time.Millisecond
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	d.next++

	b := d.canvas.Bounds()
	// Copy out: the canvas mutates on the next frame.
	pix := make([]byte, len(d.canvas.Pix))
	copy(pix, d.canvas.Pix)
	return &Frame{
		Pix:    pix,
		W:      b.Dx(),
		H:      b.Dy(),
		Stride: d.canvas.Stride,
		Format: FormatRGBA,
		Delay:  delay,
	}, nil
}

func (d *gifDecoder) Reset() error {
	d.next = 0
	b := d.canvas.Bounds()
	d.canvas = image.NewRGBA(b)
	return nil
}

func (d *gifDecoder) Close() error {
	d.g = nil
	d.canvas = nil
	return nil
}

// ─── Stills ──────────────────────────────────────────────────────────────────

// stillDecoder wraps a single decoded image as a one-frame stream.
type stillDecoder struct {
	frame *Frame
	done  bool
}

func openStill(path string, decode func(io.Reader) (image.Image, error)) (AnimDecoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("render: decode %s: %w", path, err)
	}
	rgba, ok := img.(*image.RGBA)
	if !ok {
		b := img.Bounds()
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}
	b := rgba.Bounds()
	return &stillDecoder{frame: &Frame{
		Pix:    rgba.Pix,
		W:      b.Dx(),
		H:      b.Dy(),
		Stride: rgba.Stride,
		Format: FormatRGBA,
		Delay:  stillHold,
	}}, nil
}

func (d *stillDecoder) Size() (int, int) { return d.frame.W, d.frame.H }

func (d *stillDecoder) NextFrame() (*Frame, error) {
	if d.done {
		return nil, io.EOF
	}
	d.done = true
	return d.frame, nil
}

func (d *stillDecoder) Reset() error { d.done = false; return nil }
func (d *stillDecoder) Close() error { d.frame = nil; return nil }
