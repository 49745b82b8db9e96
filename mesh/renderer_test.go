package mesh

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/kwv/kabschmesh/kabsch"
)

func smallPreview() PreviewOptions {
	return PreviewOptions{Width: 64, Height: 48, Supersample: 1, Background: "#FFF8E3"}
}

func near(a, b uint8, tol int) bool {
	d := int(a) - int(b)
	return d >= -tol && d <= tol
}

func TestRenderCube_Size(t *testing.T) {
	img, err := RenderCube(alignedSnapshot(t), smallPreview())
	if err != nil {
		t.Fatalf("RenderCube() error: %v", err)
	}
	if img.Bounds() != image.Rect(0, 0, 64, 48) {
		t.Errorf("bounds = %v, want 64x48", img.Bounds())
	}
}

func TestRenderCube_DrawsCubeOnBackground(t *testing.T) {
	img, err := RenderCube(alignedSnapshot(t), smallPreview())
	if err != nil {
		t.Fatalf("RenderCube() error: %v", err)
	}
	bg := color.RGBA{0xFF, 0xF8, 0xE3, 0xFF}

	corner := color.RGBAModel.Convert(img.At(0, 0)).(color.RGBA)
	if !near(corner.R, bg.R, 3) || !near(corner.G, bg.G, 3) || !near(corner.B, bg.B, 3) {
		t.Errorf("corner pixel = %v, want background %v", corner, bg)
	}

	center := color.RGBAModel.Convert(img.At(32, 24)).(color.RGBA)
	if near(center.R, bg.R, 3) && near(center.G, bg.G, 3) && near(center.B, bg.B, 3) {
		t.Errorf("center pixel %v is background; cube was not drawn", center)
	}
}

func TestRenderCube_Supersample(t *testing.T) {
	opts := smallPreview()
	opts.Supersample = 3
	opts.Label = true
	img, err := RenderCube(alignedSnapshot(t), opts)
	if err != nil {
		t.Fatalf("RenderCube() error: %v", err)
	}
	if img.Bounds().Dx() != 64 || img.Bounds().Dy() != 48 {
		t.Errorf("supersampled output should be downsized, got %v", img.Bounds())
	}
}

func TestRenderCube_Errors(t *testing.T) {
	_, err := RenderCube(RigSnapshot{RigID: "empty"}, smallPreview())
	if !errors.Is(err, ErrNothingToRender) {
		t.Errorf("error = %v, want ErrNothingToRender", err)
	}

	opts := smallPreview()
	opts.Width = 0
	if _, err := RenderCube(alignedSnapshot(t), opts); err == nil {
		t.Error("expected error for zero width")
	}
}

func TestRenderCube_FallbackLabel(t *testing.T) {
	snap := RigSnapshot{
		RigID:     "broken",
		Reference: []kabsch.Point{{X: 1}, {Y: 1}},
		Result:    kabsch.IdentityResult(),
	}
	snap.Result.Reason = "no targets"

	opts := smallPreview()
	opts.Label = true
	opts.Background = ""
	if _, err := RenderCube(snap, opts); err != nil {
		t.Fatalf("RenderCube() error: %v", err)
	}
}

func TestWriteCubePNG(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCubePNG(&buf, alignedSnapshot(t), smallPreview()); err != nil {
		t.Fatalf("WriteCubePNG() error: %v", err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("output is not a PNG: %v", err)
	}
	if img.Bounds().Dx() != 64 {
		t.Errorf("width = %d, want 64", img.Bounds().Dx())
	}

	buf.Reset()
	if err := WriteCubePNG(&buf, RigSnapshot{}, smallPreview()); err == nil {
		t.Error("expected error for empty rig")
	}
}

func TestParseHexColor(t *testing.T) {
	royal := color.RGBA{65, 105, 225, 255}
	tests := []struct {
		in   string
		want color.RGBA
	}{
		{"#FF0000", color.RGBA{255, 0, 0, 255}},
		{"00ff80", color.RGBA{0, 255, 128, 255}},
		{"#abc", royal},
		{"", royal},
		{"#GGGGGG", royal},
	}
	for _, tt := range tests {
		if got := parseHexColor(tt.in); got != tt.want {
			t.Errorf("parseHexColor(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestHexString(t *testing.T) {
	c := color.RGBA{0x12, 0xAB, 0x0F, 255}
	if got := hexString(c); got != "#12AB0F" {
		t.Errorf("hexString() = %q", got)
	}
	if parseHexColor(hexString(c)) != c {
		t.Error("hexString does not round-trip through parseHexColor")
	}
}
