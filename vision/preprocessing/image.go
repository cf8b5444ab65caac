package preprocessing

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"runtime"

	"github.com/nfnt/resize"
	"golang.org/x/sync/errgroup"
)

// ImageProcessor decodes and preprocesses images for network input.
type ImageProcessor struct {
	targetSize int
}

// NewImageProcessor creates a new image processor with the specified target size.
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{targetSize: targetSize}
}

// ProcessedImage represents a preprocessed image ready for neural network input.
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// DecodeAndPreprocess decodes an image (any registered format), resizes it to
// the target square resolution and converts it to CHW float32 data
// normalized to [0, 1].
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	size := uint(p.targetSize)
	resized := resize.Resize(size, size, img, resize.Bilinear)

	plane := p.targetSize * p.targetSize
	data := make([]float32, 3*plane)

	bounds := resized.Bounds()
	for y := 0; y < p.targetSize; y++ {
		for x := 0; x < p.targetSize; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			idx := y*p.targetSize + x
			rVal := float32(r) / 65535.0
			gVal := float32(g) / 65535.0
			bVal := float32(b) / 65535.0

			// Guard against NaN or out-of-range values from odd color models.
			if rVal != rVal || rVal < 0 || rVal > 1 {
				rVal = 0.0
			}
			if gVal != gVal || gVal < 0 || gVal > 1 {
				gVal = 0.0
			}
			if bVal != bVal || bVal < 0 || bVal > 1 {
				bVal = 0.0
			}

			data[0*plane+idx] = rVal
			data[1*plane+idx] = gVal
			data[2*plane+idx] = bVal
		}
	}

	return &ProcessedImage{
		Data:     data,
		Width:    p.targetSize,
		Height:   p.targetSize,
		Channels: 3,
	}, nil
}

// ProcessFile decodes and preprocesses a single image file.
func (p *ImageProcessor) ProcessFile(path string) (*ProcessedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()
	return p.DecodeAndPreprocess(file)
}

// PreprocessBatch preprocesses multiple images concurrently. The first
// decode failure aborts the batch; callers that want skip-on-failure
// semantics process files individually.
func PreprocessBatch(imagePaths []string, targetSize int, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = runtime.NumCPU()
	}

	results := make([]*ProcessedImage, len(imagePaths))

	var g errgroup.Group
	g.SetLimit(maxWorkers)

	for i, path := range imagePaths {
		i, path := i, path
		g.Go(func() error {
			processor := NewImageProcessor(targetSize)
			img, err := processor.ProcessFile(path)
			if err != nil {
				return fmt.Errorf("failed to process image %d: %w", i, err)
			}
			results[i] = img
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
