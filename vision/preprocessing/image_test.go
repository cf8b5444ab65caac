package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// encodeTestImage produces an in-memory image of the given size and color.
func encodeTestImage(t *testing.T, width, height int, c color.RGBA, format string) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}

	var buf bytes.Buffer
	var err error
	switch format {
	case "png":
		err = png.Encode(&buf, img)
	default:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	}
	if err != nil {
		t.Fatalf("Failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeAndPreprocess(t *testing.T) {
	t.Run("OutputShapeAndRange", func(t *testing.T) {
		data := encodeTestImage(t, 300, 200, color.RGBA{R: 200, G: 100, B: 50, A: 255}, "jpeg")

		processor := NewImageProcessor(64)
		img, err := processor.DecodeAndPreprocess(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		if img.Width != 64 || img.Height != 64 || img.Channels != 3 {
			t.Errorf("Unexpected output shape: %dx%dx%d", img.Width, img.Height, img.Channels)
		}
		if len(img.Data) != 3*64*64 {
			t.Errorf("Expected %d values, got %d", 3*64*64, len(img.Data))
		}
		for i, v := range img.Data {
			if v < 0 || v > 1 {
				t.Fatalf("Pixel %d out of [0,1]: %v", i, v)
			}
		}
	})

	t.Run("PNGInput", func(t *testing.T) {
		data := encodeTestImage(t, 32, 32, color.RGBA{R: 255, G: 255, B: 255, A: 255}, "png")

		processor := NewImageProcessor(16)
		img, err := processor.DecodeAndPreprocess(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		// A solid white image stays white after resize and normalization.
		for i, v := range img.Data {
			if v < 0.99 {
				t.Fatalf("Expected white pixel at %d, got %v", i, v)
			}
		}
	})

	t.Run("UndecodableInput", func(t *testing.T) {
		processor := NewImageProcessor(16)
		if _, err := processor.DecodeAndPreprocess(bytes.NewReader([]byte("not an image"))); err == nil {
			t.Error("Expected decode error")
		}
	})
}

func TestPreprocessBatch(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 6; i++ {
		data := encodeTestImage(t, 50, 50, color.RGBA{R: uint8(40 * i), A: 255}, "jpeg")
		path := filepath.Join(dir, "img"+string(rune('a'+i))+".jpg")
		if err := os.WriteFile(path, data, 0644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, path)
	}

	results, err := PreprocessBatch(paths, 32, 3)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(results) != len(paths) {
		t.Fatalf("Expected %d results, got %d", len(paths), len(results))
	}
	for i, img := range results {
		if img == nil {
			t.Fatalf("Result %d is nil", i)
		}
		if len(img.Data) != 3*32*32 {
			t.Errorf("Result %d has %d values", i, len(img.Data))
		}
	}
}

func TestPreprocessBatchFails(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.jpg")
	if err := os.WriteFile(bad, []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := PreprocessBatch([]string{bad}, 32, 2); err == nil {
		t.Error("Expected error for undecodable file")
	}
}
