package preprocessing

import (
	"math"
	"math/rand"
)

// AugmentConfig bounds the random perturbations applied to training images.
type AugmentConfig struct {
	MaxRotationDegrees float64 // rotation sampled from [-max, +max]
	MaxShiftFraction   float64 // width/height shift as a fraction of the image size
	MaxZoomFraction    float64 // zoom factor sampled from [1-max, 1+max]
	HorizontalFlip     bool    // flip with probability 0.5
}

// DefaultAugmentConfig matches the standard retina training recipe.
func DefaultAugmentConfig() AugmentConfig {
	return AugmentConfig{
		MaxRotationDegrees: 15,
		MaxShiftFraction:   0.1,
		MaxZoomFraction:    0.1,
		HorizontalFlip:     true,
	}
}

// Augmenter applies randomized geometric transforms to preprocessed CHW
// image tensors. Each call to Apply draws fresh transform parameters, so a
// single source image yields a different view every epoch.
type Augmenter struct {
	config AugmentConfig
	rng    *rand.Rand
}

// NewAugmenter creates an augmenter with its own seeded RNG.
func NewAugmenter(config AugmentConfig, seed int64) *Augmenter {
	return &Augmenter{
		config: config,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Apply returns an augmented copy of a square CHW image tensor. The
// rotation, zoom and shift are combined into one inverse affine map sampled
// with nearest-neighbour lookup; samples that fall outside the source image
// are filled with zero. Pixel values stay within [0, 1] because the
// transform only moves values, it never scales them.
func (a *Augmenter) Apply(data []float32, size int) []float32 {
	theta := (a.rng.Float64()*2 - 1) * a.config.MaxRotationDegrees * math.Pi / 180
	zoom := 1 + (a.rng.Float64()*2-1)*a.config.MaxZoomFraction
	shiftX := (a.rng.Float64()*2 - 1) * a.config.MaxShiftFraction * float64(size)
	shiftY := (a.rng.Float64()*2 - 1) * a.config.MaxShiftFraction * float64(size)
	flip := a.config.HorizontalFlip && a.rng.Float64() < 0.5

	return transform(data, size, theta, zoom, shiftX, shiftY, flip)
}

// transform maps each destination pixel back into the source image through
// the inverse of rotate(theta) * scale(zoom) * translate(shift).
func transform(data []float32, size int, theta, zoom, shiftX, shiftY float64, flip bool) []float32 {
	plane := size * size
	out := make([]float32, 3*plane)

	sin, cos := math.Sincos(theta)
	center := float64(size-1) / 2

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			// Destination coordinates relative to the image center,
			// with the shift removed before inverting rotation+zoom.
			dx := float64(x) - center - shiftX
			dy := float64(y) - center - shiftY

			sx := (cos*dx + sin*dy) / zoom
			sy := (-sin*dx + cos*dy) / zoom

			srcX := int(math.Round(sx + center))
			srcY := int(math.Round(sy + center))

			if flip {
				srcX = size - 1 - srcX
			}

			if srcX < 0 || srcX >= size || srcY < 0 || srcY >= size {
				continue // fill stays zero
			}

			dst := y*size + x
			src := srcY*size + srcX
			out[0*plane+dst] = data[0*plane+src]
			out[1*plane+dst] = data[1*plane+src]
			out[2*plane+dst] = data[2*plane+src]
		}
	}

	return out
}
