package render

import (
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/framecast/framecast/internal/catalog"
)

// writeTestGIF writes a 2-frame 4x4 GIF with 30ms/50ms delays.
func writeTestGIF(t *testing.T, dir string) string {
	t.Helper()
	g := &gif.GIF{}
	for i := 0; i < 2; i++ {
		img := image.NewPaletted(image.Rect(0, 0, 4, 4), palette.Plan9)
		c := color.RGBA{R: uint8(50 * (i + 1)), A: 0xff}
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				img.Set(x, y, c)
			}
		}
		g.Image = append(g.Image, img)
		g.Delay = append(g.Delay, 3+2*i) // 100ths of a second
	}
	path := filepath.Join(dir, "anim.gif")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := gif.EncodeAll(f, g); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestGIFDecodeIterates(t *testing.T) {
	path := writeTestGIF(t, t.TempDir())
	dec, err := Open(path, catalog.TagGIF)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()

	if w, h := dec.Size(); w != 4 || h != 4 {
		t.Errorf("size = %dx%d", w, h)
	}
	f1, err := dec.NextFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f1.Delay != 30*time.Millisecond {
		t.Errorf("frame 1 delay = %s", f1.Delay)
	}
	f2, err := dec.NextFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f2.Delay != 50*time.Millisecond {
		t.Errorf("frame 2 delay = %s", f2.Delay)
	}
	if f2.Pix[0] == f1.Pix[0] {
		t.Error("frames should differ")
	}
	if _, err := dec.NextFrame(); err != io.EOF {
		t.Fatalf("end of stream should be io.EOF, got %v", err)
	}
	// Reset rewinds for looping.
	if err := dec.Reset(); err != nil {
		t.Fatal(err)
	}
	f, err := dec.NextFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f.Pix[0] != f1.Pix[0] {
		t.Error("reset should replay from the first frame")
	}
}

func TestStillDecodeSingleFrame(t *testing.T) {
	dir := t.TempDir()
	img := image.NewRGBA(image.Rect(0, 0, 3, 3))
	img.Set(1, 1, color.RGBA{R: 0x88, G: 0x44, B: 0x22, A: 0xff})
	path := filepath.Join(dir, "still.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	f.Close()

	dec, err := Open(path, catalog.TagPNG)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	frame, err := dec.NextFrame()
	if err != nil {
		t.Fatal(err)
	}
	if frame.W != 3 || frame.H != 3 {
		t.Errorf("frame %dx%d", frame.W, frame.H)
	}
	if r, g, b := frame.At(1, 1); r != 0x88 || g != 0x44 || b != 0x22 {
		t.Errorf("pixel = %x %x %x", r, g, b)
	}
	if frame.Delay <= 0 {
		t.Error("still frame needs a hold delay")
	}
	if _, err := dec.NextFrame(); err != io.EOF {
		t.Errorf("second frame should be io.EOF, got %v", err)
	}
}

func TestOpenUnknownTag(t *testing.T) {
	if _, err := Open("x", catalog.Tag(9)); err == nil {
		t.Error("unknown tag must fail")
	}
}

type stubAnim struct{}

func (stubAnim) NextFrame() (*Frame, error) { return nil, io.EOF }
func (stubAnim) Reset() error               { return nil }
func (stubAnim) Size() (int, int)           { return 1, 1 }
func (stubAnim) Close() error               { return nil }

func TestAnimWebPHookPreferred(t *testing.T) {
	called := false
	RegisterAnimWebP(func(path string) (AnimDecoder, error) {
		called = true
		return stubAnim{}, nil
	})
	defer RegisterAnimWebP(nil)
	dec, err := Open("whatever.webp", catalog.TagWebP)
	if err != nil {
		t.Fatal(err)
	}
	dec.Close()
	if !called {
		t.Error("registered animated-webp decoder should be used")
	}
}
