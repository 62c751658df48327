package render

import (
	"fmt"
	"log"
)

// ScalePlan is a uniform, floor-quantized 1/16-precision fit of a source
// frame into the panel: src × (Num16/16) ≤ dst on both axes, centered with
// integer offsets. The same plan drives both the hardware engine and the
// software fallback, so a mid-animation fallback does not shift the image.
type ScalePlan struct {
	Num16      int // scale factor in sixteenths
	SrcW, SrcH int
	OutW, OutH int // scaled image region
	OffX, OffY int // region origin in the destination
	DstW, DstH int
}

// ComputeScalePlan fits (srcW, srcH) into (dstW, dstH).
func ComputeScalePlan(srcW, srcH, dstW, dstH int) ScalePlan {
	n := dstW * 16 / srcW
	if m := dstH * 16 / srcH; m < n {
		n = m
	}
	if n < 1 {
		n = 1
	}
	outW := srcW * n / 16
	outH := srcH * n / 16
	if outW > dstW {
		outW = dstW
	}
	if outH > dstH {
		outH = dstH
	}
	return ScalePlan{
		Num16: n,
		SrcW:  srcW, SrcH: srcH,
		OutW: outW, OutH: outH,
		OffX: (dstW - outW) / 2, OffY: (dstH - outH) / 2,
		DstW: dstW, DstH: dstH,
	}
}

// HWScaler is the optional scale/rotate engine. Scale converts src into
// BGR888 dst rows [yStart, yStart+rows) of the rotated panel, including the
// R↔B swap and border fill. An error falls the frame back to software.
type HWScaler interface {
	Scale(plan ScalePlan, rot Rotation, bg RGB, src *Frame, yStart, rows int, out []byte) error
}

// Upscaler maps decoded frames onto panel stripes. Index tables (one entry
// per destination pixel per axis) are built once per animation load and
// rebuilt lazily if the decoder ever reports different dimensions.
type Upscaler struct {
	dstW, dstH int
	rot        Rotation
	bg         RGB
	hw         HWScaler

	plan       ScalePlan
	xIdx, yIdx []int // region-relative dst -> src index
}

// NewUpscaler returns an Upscaler targeting a dstW×dstH BGR888 panel.
func NewUpscaler(dstW, dstH int, rot Rotation, bg RGB, hw HWScaler) *Upscaler {
	return &Upscaler{dstW: dstW, dstH: dstH, rot: rot, bg: bg, hw: hw}
}

// Rotation returns the configured output rotation.
func (u *Upscaler) Rotation() Rotation { return u.rot }

// Release drops the index tables (animation unload).
func (u *Upscaler) Release() {
	u.xIdx, u.yIdx = nil, nil
	u.plan = ScalePlan{}
}

// ensure (re)builds plan and tables for the source dimensions.
func (u *Upscaler) ensure(srcW, srcH int) error {
	if srcW <= 0 || srcH <= 0 {
		return fmt.Errorf("render: bad source size %dx%d", srcW, srcH)
	}
	if u.xIdx != nil && u.plan.SrcW == srcW && u.plan.SrcH == srcH {
		return nil
	}
	u.plan = ComputeScalePlan(srcW, srcH, u.dstW, u.dstH)
	u.xIdx = make([]int, u.plan.OutW)
	for x := range u.xIdx {
		u.xIdx[x] = x * 16 / u.plan.Num16
	}
	u.yIdx = make([]int, u.plan.OutH)
	for y := range u.yIdx {
		u.yIdx[y] = y * 16 / u.plan.Num16
	}
	return nil
}

// ScaleStripe renders panel rows [yStart, yStart+rows) of frame f into out
// (BGR888, stride dstW*3). The hardware engine is tried first; on failure
// the software nearest-neighbor path renders the same stripe.
func (u *Upscaler) ScaleStripe(f *Frame, yStart, rows int, out []byte) error {
	if err := u.ensure(f.W, f.H); err != nil {
		return err
	}
	if u.hw != nil {
		if err := u.hw.Scale(u.plan, u.rot, u.bg, f, yStart, rows, out); err == nil {
			return nil
		} else {
			log.Printf("render: hw scale failed (%v); software fallback", err)
		}
	}
	u.scaleStripeSW(f, yStart, rows, out)
	return nil
}

func (u *Upscaler) scaleStripeSW(f *Frame, yStart, rows int, out []byte) {
	bgR, bgG, bgB := u.bg.Split()
	stride := u.dstW * PanelBPP
	for py := yStart; py < yStart+rows && py < u.dstH; py++ {
		row := out[(py-yStart)*stride : (py-yStart+1)*stride]
		for px := 0; px < u.dstW; px++ {
			ux, uy := u.unrotate(px, py)
			o := px * PanelBPP
			rx := ux - u.plan.OffX
			ry := uy - u.plan.OffY
			if rx < 0 || rx >= u.plan.OutW || ry < 0 || ry >= u.plan.OutH {
				row[o], row[o+1], row[o+2] = bgB, bgG, bgR
				continue
			}
			r, g, b := f.At(u.xIdx[rx], u.yIdx[ry])
			// Panel storage order is BGR.
			row[o], row[o+1], row[o+2] = b, g, r
		}
	}
}

// unrotate maps a physical panel pixel back to logical (unrotated) panel
// coordinates. One addressing scheme per rotation.
func (u *Upscaler) unrotate(px, py int) (int, int) {
	switch u.rot {
	case Rot90:
		return py, u.dstH - 1 - px
	case Rot180:
		return u.dstW - 1 - px, u.dstH - 1 - py
	case Rot270:
		return u.dstW - 1 - py, px
	default:
		return px, py
	}
}
