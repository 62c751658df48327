// Package render turns vault objects into panel-ready frames: iterative
// decode, stripe-by-stripe conversion to the panel's BGR888 order, and
// nearest-neighbor or hardware-assisted upscale to 720×720.
package render

import (
	"time"
)

// Panel geometry.
const (
	PanelW = 720
	PanelH = 720
	// PanelBPP is bytes per pixel in the framebuffer (BGR888).
	PanelBPP = 3
)

// PixFormat is the storage order of a decoded frame.
type PixFormat uint8

const (
	FormatRGBA PixFormat = iota // 4 bytes/px, output of the built-in gif and still decoders
	FormatRGB                   // 3 bytes/px
)

// BytesPerPixel returns the pixel stride for the format.
func (f PixFormat) BytesPerPixel() int {
	if f == FormatRGBA {
		return 4
	}
	return 3
}

// Frame is one decoded native-size frame plus its display delay.
type Frame struct {
	Pix    []byte
	W, H   int
	Stride int // bytes per row
	Format PixFormat
	// Delay is how long the frame should stay up. The pipeline never
	// presents faster than this.
	Delay time.Duration
}

// At returns the r,g,b at (x, y). Alpha is ignored; the panel has none.
func (f *Frame) At(x, y int) (r, g, b uint8) {
	off := y*f.Stride + x*f.Format.BytesPerPixel()
	return f.Pix[off], f.Pix[off+1], f.Pix[off+2]
}

// RGB is a packed 0xRRGGBB color (border fill, overlay backgrounds).
type RGB uint32

// Split returns the components.
func (c RGB) Split() (r, g, b uint8) {
	return uint8(c >> 16), uint8(c >> 8), uint8(c)
}

// Rotation of the panel output, applied in the upscaler.
type Rotation int

const (
	Rot0   Rotation = 0
	Rot90  Rotation = 90
	Rot180 Rotation = 180
	Rot270 Rotation = 270
)

// ParseRotation maps configured degrees to a Rotation, defaulting to 0.
func ParseRotation(deg int) Rotation {
	switch deg {
	case 90, 180, 270:
		return Rotation(deg)
	}
	return Rot0
}
