package training

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/tsawler/go-retina/engine"
	"github.com/tsawler/go-retina/layers"
	"github.com/tsawler/go-retina/optimizer"
	"github.com/tsawler/go-retina/vision/dataloader"
	"github.com/tsawler/go-retina/vision/dataset"
	"github.com/tsawler/go-retina/vision/preprocessing"
)

// writeClassFolders builds a five-grade dataset of solid-color images, one
// distinctive color per grade.
func writeClassFolders(t *testing.T, root string, perClass int) {
	t.Helper()

	colors := []color.RGBA{
		{R: 230, A: 255},
		{G: 230, A: 255},
		{B: 230, A: 255},
		{R: 230, G: 230, A: 255},
		{R: 230, G: 120, B: 230, A: 255},
	}

	for class, c := range colors {
		dir := filepath.Join(root, strconv.Itoa(class))
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < perClass; i++ {
			img := image.NewRGBA(image.Rect(0, 0, 32, 32))
			for y := 0; y < 32; y++ {
				for x := 0; x < 32; x++ {
					img.Set(x, y, c)
				}
			}
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, img, nil); err != nil {
				t.Fatal(err)
			}
			name := filepath.Join(dir, fmt.Sprintf("img%d.jpg", i))
			if err := os.WriteFile(name, buf.Bytes(), 0644); err != nil {
				t.Fatal(err)
			}
		}
	}
}

// TestEndToEndSolidColorTraining drives the whole pipeline below the ONNX
// backbone: folder dataset, stratified split, cached loaders with
// augmentation, head training, and evaluation.
func TestEndToEndSolidColorTraining(t *testing.T) {
	const (
		numClasses = 5
		imageSize  = 16
		batchSize  = 8
		perClass   = 15
	)

	root := t.TempDir()
	writeClassFolders(t, root, perClass)

	retina, err := dataset.NewRetinaDataset(root, numClasses, nil)
	if err != nil {
		t.Fatalf("failed to load dataset: %v", err)
	}
	if retina.Len() != numClasses*perClass {
		t.Fatalf("dataset has %d samples, want %d", retina.Len(), numClasses*perClass)
	}

	trainDataset, valDataset, err := retina.StratifiedSplit(0.8, 42)
	if err != nil {
		t.Fatalf("failed to split dataset: %v", err)
	}

	augmenter := preprocessing.NewAugmenter(preprocessing.DefaultAugmentConfig(), 42)
	trainLoader, valLoader := dataloader.CreateSharedDataLoaders(trainDataset, valDataset, dataloader.Config{
		BatchSize: batchSize,
		ImageSize: imageSize,
		Seed:      42,
		Augmenter: augmenter,
	})

	// The passthrough extractor treats the image itself as the feature
	// map, so pooling reduces each sample to its mean RGB.
	extractor := &passthroughExtractor{features: 3 * imageSize * imageSize}
	spec, err := layers.BuildTransferHead([]int{1, 3, imageSize, imageSize}, layers.TransferHeadConfig{
		HiddenUnits: 32,
		DropoutRate: 0.2,
		NumClasses:  numClasses,
	})
	if err != nil {
		t.Fatalf("failed to build head spec: %v", err)
	}
	head, err := engine.NewHeadEngine(spec, 42)
	if err != nil {
		t.Fatalf("failed to build head engine: %v", err)
	}
	adam, err := optimizer.NewAdamOptimizer(optimizer.AdamConfig{
		LearningRate: 0.05,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	})
	if err != nil {
		t.Fatalf("failed to build optimizer: %v", err)
	}

	stepsPerEpoch := trainDataset.Len() / batchSize
	trainer, err := NewTrainer(TrainerConfig{
		Epochs:        10,
		StepsPerEpoch: stepsPerEpoch,
		NumClasses:    numClasses,
	}, extractor, head, adam, nil)
	if err != nil {
		t.Fatalf("failed to build trainer: %v", err)
	}

	history, err := trainer.Fit(trainLoader, valLoader)
	if err != nil {
		t.Fatalf("training failed: %v", err)
	}
	if len(history.Epochs) != 10 {
		t.Fatalf("history has %d epochs, want 10", len(history.Epochs))
	}

	_, accuracy, matrix, err := trainer.Evaluate(valLoader)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}

	// Row sums of the confusion matrix equal per-class validation counts.
	if matrix.TotalSamples != valDataset.Len() {
		t.Errorf("matrix counted %d samples, want %d", matrix.TotalSamples, valDataset.Len())
	}
	valCounts := valDataset.ClassDistribution()
	for class, row := range matrix.Matrix {
		sum := 0
		for _, v := range row {
			sum += v
		}
		if sum != valCounts[class] {
			t.Errorf("class %d row sums to %d, want %d", class, sum, valCounts[class])
		}
	}

	// Solid colors are trivially separable from their mean RGB.
	if accuracy < 0.8 {
		t.Errorf("validation accuracy = %f, want >= 0.8 on solid colors", accuracy)
	}
}

// TestEndToEndMissingClassFolder checks the warn-and-continue path: a grade
// with no folder contributes nothing but the run still trains a model and
// evaluates against the full five-grade head.
func TestEndToEndMissingClassFolder(t *testing.T) {
	const imageSize = 16

	root := t.TempDir()
	writeClassFolders(t, root, 6)
	if err := os.RemoveAll(filepath.Join(root, "3")); err != nil {
		t.Fatal(err)
	}

	retina, err := dataset.NewRetinaDataset(root, 5, nil)
	if err != nil {
		t.Fatalf("failed to load dataset: %v", err)
	}
	if retina.Len() != 24 {
		t.Fatalf("dataset has %d samples, want 24", retina.Len())
	}
	if retina.ClassDistribution()[3] != 0 {
		t.Error("missing grade should have zero samples")
	}

	trainDataset, valDataset, err := retina.StratifiedSplit(0.8, 1)
	if err != nil {
		t.Fatalf("failed to split dataset: %v", err)
	}
	if trainDataset.Len()+valDataset.Len() != 24 {
		t.Errorf("split covers %d samples, want 24", trainDataset.Len()+valDataset.Len())
	}

	trainLoader, valLoader := dataloader.CreateSharedDataLoaders(trainDataset, valDataset, dataloader.Config{
		BatchSize: 4,
		ImageSize: imageSize,
		Seed:      1,
	})

	extractor := &passthroughExtractor{features: 3 * imageSize * imageSize}
	spec, err := layers.BuildTransferHead([]int{1, 3, imageSize, imageSize}, layers.TransferHeadConfig{
		HiddenUnits: 16,
		NumClasses:  5,
	})
	if err != nil {
		t.Fatalf("failed to build head spec: %v", err)
	}
	head, err := engine.NewHeadEngine(spec, 1)
	if err != nil {
		t.Fatalf("failed to build head engine: %v", err)
	}
	adam, err := optimizer.NewAdamOptimizer(optimizer.DefaultAdamConfig())
	if err != nil {
		t.Fatalf("failed to build optimizer: %v", err)
	}

	trainer, err := NewTrainer(TrainerConfig{
		Epochs:        2,
		StepsPerEpoch: trainDataset.Len() / 4,
		NumClasses:    5,
	}, extractor, head, adam, nil)
	if err != nil {
		t.Fatalf("failed to build trainer: %v", err)
	}
	if _, err := trainer.Fit(trainLoader, valLoader); err != nil {
		t.Fatalf("training with a missing grade failed: %v", err)
	}

	_, _, matrix, err := trainer.Evaluate(valLoader)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if matrix.TotalSamples != valDataset.Len() {
		t.Errorf("matrix counted %d samples, want %d", matrix.TotalSamples, valDataset.Len())
	}
	// The absent grade's confusion-matrix row stays empty.
	for _, v := range matrix.Matrix[3] {
		if v != 0 {
			t.Errorf("missing grade has nonzero confusion row: %v", matrix.Matrix[3])
			break
		}
	}
}
