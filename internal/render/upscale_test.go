package render

import (
	"errors"
	"testing"
	"time"
)

func TestComputeScalePlanQuantized(t *testing.T) {
	// 360x360 into 720x720: exactly 2x = 32/16.
	p := ComputeScalePlan(360, 360, 720, 720)
	if p.Num16 != 32 {
		t.Errorf("Num16 = %d, want 32", p.Num16)
	}
	if p.OutW != 720 || p.OutH != 720 || p.OffX != 0 || p.OffY != 0 {
		t.Errorf("plan = %+v", p)
	}
}

func TestComputeScalePlanFloorsAndCenters(t *testing.T) {
	// 500x300 into 720x720: limiting axis x: 720*16/500 = 23 (23.04 floored).
	p := ComputeScalePlan(500, 300, 720, 720)
	if p.Num16 != 23 {
		t.Errorf("Num16 = %d, want 23", p.Num16)
	}
	if p.OutW > 720 || p.OutH > 720 {
		t.Errorf("scaled region exceeds panel: %+v", p)
	}
	if p.OffX != (720-p.OutW)/2 || p.OffY != (720-p.OutH)/2 {
		t.Errorf("region not centered: %+v", p)
	}
	// Fit constraint: src * s <= dst on both axes.
	if 500*p.Num16/16 > 720 || 300*p.Num16/16 > 720 {
		t.Error("fit constraint violated")
	}
}

func TestComputeScalePlanNeverZero(t *testing.T) {
	p := ComputeScalePlan(20000, 20000, 720, 720)
	if p.Num16 < 1 {
		t.Errorf("Num16 = %d", p.Num16)
	}
}

// solid returns a frame filled with a single RGB color.
func solid(w, h int, r, g, b uint8) *Frame {
	f := &Frame{W: w, H: h, Stride: w * 4, Format: FormatRGBA, Pix: make([]byte, w*h*4), Delay: time.Millisecond}
	for i := 0; i < w*h; i++ {
		f.Pix[i*4], f.Pix[i*4+1], f.Pix[i*4+2], f.Pix[i*4+3] = r, g, b, 0xff
	}
	return f
}

func TestScaleStripeSwapsToBGR(t *testing.T) {
	u := NewUpscaler(8, 8, Rot0, 0, nil)
	f := solid(8, 8, 0x11, 0x22, 0x33)
	out := make([]byte, 8*8*PanelBPP)
	if err := u.ScaleStripe(f, 0, 8, out); err != nil {
		t.Fatal(err)
	}
	if out[0] != 0x33 || out[1] != 0x22 || out[2] != 0x11 {
		t.Errorf("first pixel = %x %x %x, want BGR order", out[0], out[1], out[2])
	}
}

func TestScaleStripeBorderFill(t *testing.T) {
	// 4x8 source into 8x8 panel:
	// Num16 = min(8*16/4, 8*16/8) = 16 -> 1x, region 4x8 centered at x=2.
	u := NewUpscaler(8, 8, Rot0, RGB(0x010203), nil)
	f := solid(4, 8, 0xff, 0xff, 0xff)
	out := make([]byte, 8*8*PanelBPP)
	if err := u.ScaleStripe(f, 0, 8, out); err != nil {
		t.Fatal(err)
	}
	// Leftmost column is border: bg 0x010203 stored as BGR.
	if out[0] != 0x03 || out[1] != 0x02 || out[2] != 0x01 {
		t.Errorf("border pixel = %v", out[:3])
	}
	// Center is image.
	mid := (0*8 + 4) * PanelBPP
	if out[mid] != 0xff {
		t.Errorf("image pixel = %v", out[mid:mid+3])
	}
}

func TestRotationAddressing(t *testing.T) {
	// 2x2 distinct-color frame scaled 1:1 onto a 2x2 "panel".
	f := &Frame{W: 2, H: 2, Stride: 8, Format: FormatRGBA, Pix: make([]byte, 16)}
	set := func(x, y int, v uint8) { f.Pix[(y*2+x)*4] = v } // red channel only
	set(0, 0, 10)
	set(1, 0, 20)
	set(0, 1, 30)
	set(1, 1, 40)

	red := func(out []byte, x, y int) uint8 { return out[(y*2+x)*PanelBPP+2] }

	cases := []struct {
		rot  Rotation
		want [2][2]uint8 // want[y][x] = red value
	}{
		{Rot0, [2][2]uint8{{10, 20}, {30, 40}}},
		{Rot90, [2][2]uint8{{30, 10}, {40, 20}}},
		{Rot180, [2][2]uint8{{40, 30}, {20, 10}}},
		{Rot270, [2][2]uint8{{20, 40}, {10, 30}}},
	}
	for _, tc := range cases {
		u := NewUpscaler(2, 2, tc.rot, 0, nil)
		out := make([]byte, 2*2*PanelBPP)
		if err := u.ScaleStripe(f, 0, 2, out); err != nil {
			t.Fatal(err)
		}
		for y := 0; y < 2; y++ {
			for x := 0; x < 2; x++ {
				if got := red(out, x, y); got != tc.want[y][x] {
					t.Errorf("rot %d: pixel (%d,%d) = %d, want %d", tc.rot, x, y, got, tc.want[y][x])
				}
			}
		}
	}
}

func TestIndexTablesRebuildOnDimensionChange(t *testing.T) {
	u := NewUpscaler(8, 8, Rot0, 0, nil)
	out := make([]byte, 8*8*PanelBPP)
	if err := u.ScaleStripe(solid(4, 4, 1, 1, 1), 0, 8, out); err != nil {
		t.Fatal(err)
	}
	firstPlan := u.plan
	// Decoder suddenly reports different dimensions: tables must rebuild.
	if err := u.ScaleStripe(solid(8, 8, 2, 2, 2), 0, 8, out); err != nil {
		t.Fatal(err)
	}
	if u.plan == firstPlan {
		t.Error("plan should rebuild for new source dimensions")
	}
	u.Release()
	if u.xIdx != nil || u.yIdx != nil {
		t.Error("Release should drop index tables")
	}
}

// failingHW always errors, forcing the software fallback.
type failingHW struct{ calls int }

func (h *failingHW) Scale(ScalePlan, Rotation, RGB, *Frame, int, int, []byte) error {
	h.calls++
	return errors.New("engine busy")
}

func TestHWFailureFallsBackSameFrame(t *testing.T) {
	hw := &failingHW{}
	u := NewUpscaler(8, 8, Rot0, 0, hw)
	out := make([]byte, 8*8*PanelBPP)
	if err := u.ScaleStripe(solid(8, 8, 9, 9, 9), 0, 8, out); err != nil {
		t.Fatal(err)
	}
	if hw.calls == 0 {
		t.Error("hardware path should be tried first")
	}
	if out[0] != 9 {
		t.Error("software fallback should have rendered the frame")
	}
}

func TestStripePipelineDegradesUnderBudget(t *testing.T) {
	// Budget fits only 20 rows at width 720: 80 -> 40 -> 20.
	budget := 20 * 720 * PanelBPP
	p, err := NewStripePipeline(720, 0, budget)
	if err != nil {
		t.Fatal(err)
	}
	if p.Rows() != 20 {
		t.Errorf("rows = %d, want 20", p.Rows())
	}
	// Budget below the floor: hard failure.
	if _, err := NewStripePipeline(720, 0, MinStripeRows*720*PanelBPP-1); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("err = %v, want ErrOutOfMemory", err)
	}
}

func TestStripePipelineCoversFrame(t *testing.T) {
	p, err := NewStripePipeline(8, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	u := NewUpscaler(8, 8, Rot0, 0, nil)
	covered := make([]bool, 8)
	var lastY = -1
	err = p.Render(u, solid(8, 8, 5, 5, 5), 8, func(yStart, rows int, buf []byte) error {
		if yStart <= lastY {
			t.Fatalf("stripes out of order: %d after %d", yStart, lastY)
		}
		lastY = yStart
		if len(buf) != rows*8*PanelBPP {
			t.Fatalf("stripe buf len %d for %d rows", len(buf), rows)
		}
		for y := yStart; y < yStart+rows; y++ {
			covered[y] = true
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for y, ok := range covered {
		if !ok {
			t.Errorf("row %d never delivered", y)
		}
	}
}
