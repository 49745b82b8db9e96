package mesh

import (
	"bytes"
	"compress/zlib"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kwv/kabschmesh/kabsch"
)

var decoderPoints = []kabsch.Point{{X: 1, Y: 2, Z: 3}, {X: -4, Y: 5.5, Z: 0}}

func compress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("zlib write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zlib close: %v", err)
	}
	return buf.Bytes()
}

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{255, 0, 0, 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func TestDecodePoints_Formats(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"triples", []byte(`[[1,2,3],[-4,5.5,0]]`)},
		{"objects", []byte(`[{"x":1,"y":2,"z":3},{"x":-4,"y":5.5,"z":0}]`)},
		{"mixed", []byte(`[[1,2,3],{"z":0,"x":-4,"y":5.5}]`)},
		{"envelope", []byte(`{"points":[[1,2,3],[-4,5.5,0]]}`)},
		{"whitespace", []byte("  \n[[1,2,3],[-4,5.5,0]]\n")},
		{"zlib", compress(t, []byte(`[[1,2,3],[-4,5.5,0]]`))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodePoints(tt.data)
			if err != nil {
				t.Fatalf("DecodePoints() error: %v", err)
			}
			if len(got) != len(decoderPoints) {
				t.Fatalf("got %d points, want %d", len(got), len(decoderPoints))
			}
			for i := range got {
				if got[i] != decoderPoints[i] {
					t.Errorf("point %d = %+v, want %+v", i, got[i], decoderPoints[i])
				}
			}
		})
	}
}

func TestDecodePoints_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr string
	}{
		{"empty", nil, "empty payload"},
		{"blank", []byte("   "), "empty payload"},
		{"garbage", []byte("hello"), "unknown format"},
		{"short triple", []byte(`[[1,2]]`), "want 3 coordinates"},
		{"scalar entry", []byte(`[1]`), "want [x, y, z]"},
		{"envelope without points", []byte(`{"other":1}`), "no \"points\" field"},
		{"empty object", []byte(`[{}]`), "missing coordinate x, y, z"},
		{"partial object", []byte(`[{"x":5}]`), "missing coordinate y, z"},
		{"unknown key", []byte(`[{"foo":1}]`), "unknown field \"foo\""},
		{"typo key", []byte(`[{"x":1,"y":2,"zz":3}]`), "unknown field \"zz\""},
		{"nested envelope", []byte(`[{"points":[[1,2,3]]}]`), "unknown field \"points\""},
		{"null coordinate", []byte(`[{"x":1,"y":2,"z":null}]`), "missing coordinate z"},
		{"broken json", []byte(`[[1,2,3]`), "parsing point array"},
		{"png without chunk", tinyPNG(t), "no zTXt chunk"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePoints(tt.data)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestDecodePoints_EmptySentinel(t *testing.T) {
	_, err := DecodePoints([]byte("\n"))
	if !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("error = %v, want ErrEmptyPayload", err)
	}
}

func TestEmbedPointsPNG_RoundTrip(t *testing.T) {
	original := tinyPNG(t)
	embedded, err := EmbedPointsPNG(original, decoderPoints)
	if err != nil {
		t.Fatalf("EmbedPointsPNG() error: %v", err)
	}

	// the image must still decode
	if _, err := png.Decode(bytes.NewReader(embedded)); err != nil {
		t.Fatalf("embedded PNG no longer decodes: %v", err)
	}

	got, err := DecodePoints(embedded)
	if err != nil {
		t.Fatalf("DecodePoints() error: %v", err)
	}
	if len(got) != 2 || got[0] != decoderPoints[0] || got[1] != decoderPoints[1] {
		t.Errorf("got %+v, want %+v", got, decoderPoints)
	}
}

func TestEmbedPointsPNG_NotPNG(t *testing.T) {
	if _, err := EmbedPointsPNG([]byte("not a png"), decoderPoints); err == nil {
		t.Error("expected error for non-PNG input")
	}
}

func TestDecodePointFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "points.json")
	if err := os.WriteFile(path, []byte(`[[1,2,3],[-4,5.5,0]]`), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := DecodePointFile(path)
	if err != nil {
		t.Fatalf("DecodePointFile() error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d points, want 2", len(got))
	}

	if _, err := DecodePointFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestIsPNG(t *testing.T) {
	if !IsPNG(tinyPNG(t)) {
		t.Error("IsPNG(png) = false")
	}
	if IsPNG([]byte("[1,2,3]")) {
		t.Error("IsPNG(json) = true")
	}
	if IsPNG([]byte{0x89, 'P'}) {
		t.Error("IsPNG(short) = true")
	}
}
