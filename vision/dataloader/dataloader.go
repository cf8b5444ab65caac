package dataloader

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"

	"github.com/tsawler/go-retina/vision/preprocessing"
)

// Dataset interface defines the contract for datasets.
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, label int, err error)
}

// DataLoader handles batch loading of preprocessed images with caching.
// With Infinite set it behaves as a non-restartable generator: every call
// yields a full batch, reshuffling and wrapping around whenever the
// underlying dataset is exhausted. Finite loaders emit a short final batch
// and then report zero until Reset.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	infinite  bool
	indices   []int
	position  int
	rng       *rand.Rand
	mu        sync.Mutex

	// Buffer reuse between batches.
	imageDataBuffer []float32
	labelDataBuffer []int32

	// Cache manager, optionally shared between loaders.
	cacheManager *CacheManager
	ownedCache   bool

	processor *preprocessing.ImageProcessor
	augmenter *preprocessing.Augmenter
	imageSize int

	// Undecodable files are skipped, counted, and warned about once each.
	skippedDecodes int
	warned         map[string]bool
}

// Config holds configuration for DataLoader.
type Config struct {
	BatchSize    int
	ImageSize    int
	Shuffle      bool
	Infinite     bool  // wrap around and reshuffle instead of ending the pass
	Seed         int64 // drives the shuffle order
	MaxCacheSize int   // maximum number of decoded images to cache
	Augmenter    *preprocessing.Augmenter
	CacheManager *CacheManager // optional shared cache
}

// NewDataLoader creates a new data loader.
func NewDataLoader(dataset Dataset, config Config) *DataLoader {
	if config.MaxCacheSize == 0 {
		config.MaxCacheSize = 1000
	}

	rng := rand.New(rand.NewSource(config.Seed))

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	if config.Shuffle {
		rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}

	cacheManager := config.CacheManager
	ownedCache := false
	if cacheManager == nil {
		cacheManager = NewCacheManager(config.MaxCacheSize)
		ownedCache = true
	}

	return &DataLoader{
		dataset:      dataset,
		batchSize:    config.BatchSize,
		shuffle:      config.Shuffle,
		infinite:     config.Infinite,
		indices:      indices,
		rng:          rng,
		cacheManager: cacheManager,
		ownedCache:   ownedCache,
		processor:    preprocessing.NewImageProcessor(config.ImageSize),
		augmenter:    config.Augmenter,
		imageSize:    config.ImageSize,
		warned:       make(map[string]bool),
	}
}

// Reset restarts the loader at the beginning of the dataset.
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.restart()
}

// restart must be called with the mutex held.
func (dl *DataLoader) restart() {
	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// NextBatch loads the next batch of images in CHW layout together with the
// parallel int32 label slice. Files that fail to decode are skipped and
// counted; they never abort the batch.
func (dl *DataLoader) NextBatch() (imageData []float32, labelData []int32, actualBatchSize int, err error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if len(dl.indices) == 0 {
		return nil, nil, 0, fmt.Errorf("data loader has no samples")
	}
	if !dl.infinite && dl.position >= len(dl.indices) {
		return nil, nil, 0, nil // pass complete
	}

	channels := 3
	pixelsPerImage := channels * dl.imageSize * dl.imageSize
	requiredImageSize := dl.batchSize * pixelsPerImage
	if len(dl.imageDataBuffer) < requiredImageSize {
		dl.imageDataBuffer = make([]float32, requiredImageSize)
	}
	if len(dl.labelDataBuffer) < dl.batchSize {
		dl.labelDataBuffer = make([]int32, dl.batchSize)
	}
	imageData = dl.imageDataBuffer[:requiredImageSize]
	labelData = dl.labelDataBuffer[:dl.batchSize]

	consecutiveFailures := 0
	for actualBatchSize < dl.batchSize {
		if dl.position >= len(dl.indices) {
			if !dl.infinite {
				break
			}
			dl.restart()
		}
		if consecutiveFailures > len(dl.indices) {
			return nil, nil, 0, fmt.Errorf("no loadable images: %d consecutive failures", consecutiveFailures)
		}

		idx := dl.indices[dl.position]
		dl.position++

		imagePath, label, err := dl.dataset.GetItem(idx)
		if err != nil {
			consecutiveFailures++
			continue
		}

		imgData, err := dl.loadImageWithCache(imagePath)
		if err != nil {
			dl.skippedDecodes++
			consecutiveFailures++
			if !dl.warned[imagePath] {
				dl.warned[imagePath] = true
				log.Printf("Warning: skipping undecodable image %s: %v", imagePath, err)
			}
			continue
		}
		consecutiveFailures = 0

		if dl.augmenter != nil {
			imgData = dl.augmenter.Apply(imgData, dl.imageSize)
		}

		copy(imageData[actualBatchSize*pixelsPerImage:(actualBatchSize+1)*pixelsPerImage], imgData)
		labelData[actualBatchSize] = int32(label)
		actualBatchSize++
	}

	return imageData[:actualBatchSize*pixelsPerImage], labelData[:actualBatchSize], actualBatchSize, nil
}

// loadImageWithCache loads an image through the decoded-tensor cache. The
// cache always holds the un-augmented tensor so that augmentation stays
// random per draw.
func (dl *DataLoader) loadImageWithCache(imagePath string) ([]float32, error) {
	if cachedData, exists := dl.cacheManager.Get(imagePath); exists {
		return cachedData, nil
	}

	file, err := os.Open(imagePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	processedImg, err := dl.processor.DecodeAndPreprocess(file)
	if err != nil {
		return nil, err
	}

	dl.cacheManager.Put(imagePath, processedImg.Data)
	return processedImg.Data, nil
}

// SkippedDecodes returns how many draws were dropped due to decode failures.
func (dl *DataLoader) SkippedDecodes() int {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.skippedDecodes
}

// Stats returns cache and skip statistics.
func (dl *DataLoader) Stats() string {
	dl.mu.Lock()
	skipped := dl.skippedDecodes
	dl.mu.Unlock()
	return fmt.Sprintf("%s, %d skipped decodes", dl.cacheManager.Stats().String(), skipped)
}

// Progress returns the current position within the dataset pass.
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.indices)
}

// ClearCache clears the image cache if this loader owns it.
func (dl *DataLoader) ClearCache() {
	if dl.ownedCache {
		dl.cacheManager.Clear()
	}
}

// GetCacheManager returns the cache manager for sharing between loaders.
func (dl *DataLoader) GetCacheManager() *CacheManager {
	return dl.cacheManager
}
