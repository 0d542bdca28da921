package facematch

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestDecode(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, solid(8, 4, color.White)); err != nil {
		t.Fatal(err)
	}

	img, format, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if format != "png" {
		t.Errorf("format = %q, want png", format)
	}
	if img.Bounds().Dx() != 8 || img.Bounds().Dy() != 4 {
		t.Errorf("bounds = %v, want 8x4", img.Bounds())
	}

	if _, _, err := Decode([]byte("not an image")); err == nil {
		t.Error("Decode() of garbage should fail")
	}
}

func TestDownscale(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		maxSize       int
		wantW, wantH  int
	}{
		{"landscape", 400, 200, 100, 100, 50},
		{"portrait", 200, 400, 100, 50, 100},
		{"already small", 80, 60, 100, 80, 60},
		{"disabled", 400, 200, 0, 400, 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Downscale(solid(tt.width, tt.height, color.Black), tt.maxSize)
			if got.Bounds().Dx() != tt.wantW || got.Bounds().Dy() != tt.wantH {
				t.Errorf("Downscale() = %dx%d, want %dx%d", got.Bounds().Dx(), got.Bounds().Dy(), tt.wantW, tt.wantH)
			}
		})
	}
}

func TestCropFace(t *testing.T) {
	src := solid(100, 100, color.Black)
	red := color.RGBA{R: 255, A: 255}
	src.Set(30, 40, red)

	crop, err := CropFace(src, []float64{30, 40, 60, 80}, 10)
	if err != nil {
		t.Fatalf("CropFace() error = %v", err)
	}
	if crop.Bounds() != image.Rect(0, 0, 50, 60) {
		t.Errorf("crop bounds = %v, want 50x60 at origin", crop.Bounds())
	}
	// (30,40) in the source lands at (10,10) after the 10px pad.
	if got := color.RGBAModel.Convert(crop.At(10, 10)); got != red {
		t.Errorf("crop pixel = %v, want %v", got, red)
	}

	if _, err := CropFace(src, []float64{200, 200, 300, 300}, 0); !errors.Is(err, ErrEmptyCrop) {
		t.Errorf("CropFace() outside image error = %v, want ErrEmptyCrop", err)
	}
}

func TestEncodeJPEG(t *testing.T) {
	data, err := EncodeJPEG(solid(16, 16, color.White))
	if err != nil {
		t.Fatalf("EncodeJPEG() error = %v", err)
	}
	if len(data) < 3 || data[0] != 0xFF || data[1] != 0xD8 || data[2] != 0xFF {
		t.Error("EncodeJPEG() did not produce a JPEG")
	}
}
