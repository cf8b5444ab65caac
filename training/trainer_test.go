package training

import (
	"math/rand"
	"testing"

	"github.com/tsawler/go-retina/engine"
	"github.com/tsawler/go-retina/layers"
	"github.com/tsawler/go-retina/optimizer"
)

// passthroughExtractor stands in for a frozen backbone: it hands the input
// batch straight through as [batch, features, 1, 1] feature maps.
type passthroughExtractor struct {
	features int
}

func (p *passthroughExtractor) Extract(batch []float32, batchSize int) ([]float32, error) {
	out := make([]float32, len(batch))
	copy(out, batch)
	return out, nil
}

func (p *passthroughExtractor) OutputShape() []int {
	return []int{p.features, 1, 1}
}

func (p *passthroughExtractor) Close() {}

// syntheticSource produces a linearly separable toy problem: each class has
// a distinct base feature vector plus a little noise.
type syntheticSource struct {
	samples   [][]float32
	labels    []int32
	batchSize int
	infinite  bool
	pos       int
}

func newSyntheticSource(numClasses, features, perClass, batchSize int, infinite bool, seed int64) *syntheticSource {
	rng := rand.New(rand.NewSource(seed))
	s := &syntheticSource{batchSize: batchSize, infinite: infinite}

	for c := 0; c < numClasses; c++ {
		for i := 0; i < perClass; i++ {
			sample := make([]float32, features)
			for f := range sample {
				sample[f] = rng.Float32() * 0.1
			}
			sample[c%features] += 1.0
			s.samples = append(s.samples, sample)
			s.labels = append(s.labels, int32(c))
		}
	}

	// One fixed shuffle so batches mix classes.
	rng.Shuffle(len(s.samples), func(i, j int) {
		s.samples[i], s.samples[j] = s.samples[j], s.samples[i]
		s.labels[i], s.labels[j] = s.labels[j], s.labels[i]
	})
	return s
}

func (s *syntheticSource) NextBatch() ([]float32, []int32, int, error) {
	if s.pos >= len(s.samples) {
		if !s.infinite {
			return nil, nil, 0, nil
		}
		s.pos = 0
	}

	end := s.pos + s.batchSize
	if end > len(s.samples) {
		end = len(s.samples)
	}
	count := end - s.pos

	features := len(s.samples[0])
	images := make([]float32, count*features)
	labels := make([]int32, count)
	for i := 0; i < count; i++ {
		copy(images[i*features:], s.samples[s.pos+i])
		labels[i] = s.labels[s.pos+i]
	}
	s.pos = end
	return images, labels, count, nil
}

func (s *syntheticSource) Reset() {
	s.pos = 0
}

func newTestTrainer(t *testing.T, numClasses, features, epochs, stepsPerEpoch int) (*Trainer, *engine.HeadEngine) {
	t.Helper()

	spec, err := layers.BuildTransferHead([]int{1, features, 1, 1}, layers.TransferHeadConfig{
		HiddenUnits: 16,
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
		LearningRate: 0.01,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	})
	if err != nil {
		t.Fatalf("failed to build optimizer: %v", err)
	}

	trainer, err := NewTrainer(TrainerConfig{
		Epochs:        epochs,
		StepsPerEpoch: stepsPerEpoch,
		NumClasses:    numClasses,
	}, &passthroughExtractor{features: features}, head, adam, nil)
	if err != nil {
		t.Fatalf("failed to build trainer: %v", err)
	}
	return trainer, head
}

func TestNewTrainerValidation(t *testing.T) {
	spec, err := layers.BuildTransferHead([]int{1, 4, 1, 1}, layers.TransferHeadConfig{
		HiddenUnits: 8, DropoutRate: 0, NumClasses: 3,
	})
	if err != nil {
		t.Fatalf("failed to build head spec: %v", err)
	}
	head, err := engine.NewHeadEngine(spec, 1)
	if err != nil {
		t.Fatalf("failed to build head engine: %v", err)
	}
	adam, _ := optimizer.NewAdamOptimizer(optimizer.DefaultAdamConfig())
	extractor := &passthroughExtractor{features: 4}

	if _, err := NewTrainer(TrainerConfig{Epochs: 0, StepsPerEpoch: 1, NumClasses: 3}, extractor, head, adam, nil); err == nil {
		t.Error("expected error for zero epochs")
	}
	if _, err := NewTrainer(TrainerConfig{Epochs: 1, StepsPerEpoch: 0, NumClasses: 3}, extractor, head, adam, nil); err == nil {
		t.Error("expected error for zero steps per epoch")
	}
	if _, err := NewTrainer(TrainerConfig{Epochs: 1, StepsPerEpoch: 1, NumClasses: 5}, extractor, head, adam, nil); err == nil {
		t.Error("expected error for class count mismatch with head")
	}
}

func TestTrainerLearnsSeparableClasses(t *testing.T) {
	const (
		numClasses = 5
		features   = 8
	)

	trainer, _ := newTestTrainer(t, numClasses, features, 10, 10)
	trainSource := newSyntheticSource(numClasses, features, 40, 16, true, 1)
	valSource := newSyntheticSource(numClasses, features, 10, 16, false, 2)

	history, err := trainer.Fit(trainSource, valSource)
	if err != nil {
		t.Fatalf("training failed: %v", err)
	}
	if len(history.Epochs) != 10 {
		t.Fatalf("history has %d epochs, want 10", len(history.Epochs))
	}

	first := history.Epochs[0]
	last := history.Epochs[len(history.Epochs)-1]
	if last.TrainLoss >= first.TrainLoss {
		t.Errorf("training loss did not decrease: %f -> %f", first.TrainLoss, last.TrainLoss)
	}
	if last.ValAccuracy < 0.9 {
		t.Errorf("validation accuracy = %f, want >= 0.9 on separable data", last.ValAccuracy)
	}

	best, ok := history.Best()
	if !ok {
		t.Fatal("history should report a best epoch")
	}
	if best.ValLoss > last.ValLoss {
		t.Errorf("best val loss %f should not exceed final %f", best.ValLoss, last.ValLoss)
	}
}

func TestTrainerEvaluateFillsConfusionMatrix(t *testing.T) {
	const (
		numClasses = 3
		features   = 8
		perClass   = 7
	)

	trainer, _ := newTestTrainer(t, numClasses, features, 1, 1)
	valSource := newSyntheticSource(numClasses, features, perClass, 4, false, 3)

	_, _, matrix, err := trainer.Evaluate(valSource)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if matrix.TotalSamples != numClasses*perClass {
		t.Errorf("matrix counted %d samples, want %d", matrix.TotalSamples, numClasses*perClass)
	}

	// A second evaluation reuses the source after Reset.
	_, _, matrix, err = trainer.Evaluate(valSource)
	if err != nil {
		t.Fatalf("second evaluation failed: %v", err)
	}
	if matrix.TotalSamples != numClasses*perClass {
		t.Errorf("second pass counted %d samples, want %d", matrix.TotalSamples, numClasses*perClass)
	}
}

func TestTrainerEvaluateEmptySource(t *testing.T) {
	trainer, _ := newTestTrainer(t, 3, 8, 1, 1)
	empty := &syntheticSource{batchSize: 4}
	if _, _, _, err := trainer.Evaluate(empty); err == nil {
		t.Error("expected error for empty evaluation source")
	}
}

func TestTrainerRecordsVisualizationData(t *testing.T) {
	const (
		numClasses = 3
		features   = 8
	)

	spec, err := layers.BuildTransferHead([]int{1, features, 1, 1}, layers.TransferHeadConfig{
		HiddenUnits: 16, DropoutRate: 0.2, NumClasses: numClasses,
	})
	if err != nil {
		t.Fatalf("failed to build head spec: %v", err)
	}
	head, err := engine.NewHeadEngine(spec, 42)
	if err != nil {
		t.Fatalf("failed to build head engine: %v", err)
	}
	adam, _ := optimizer.NewAdamOptimizer(optimizer.DefaultAdamConfig())

	collector := NewVisualizationCollector("test-model")
	collector.Enable()

	trainer, err := NewTrainer(TrainerConfig{
		Epochs:        2,
		StepsPerEpoch: 3,
		NumClasses:    numClasses,
	}, &passthroughExtractor{features: features}, head, adam, collector)
	if err != nil {
		t.Fatalf("failed to build trainer: %v", err)
	}

	trainSource := newSyntheticSource(numClasses, features, 20, 8, true, 1)
	valSource := newSyntheticSource(numClasses, features, 5, 8, false, 2)
	if _, err := trainer.Fit(trainSource, valSource); err != nil {
		t.Fatalf("training failed: %v", err)
	}

	plot := collector.GenerateTrainingCurvesPlot()
	if len(plot.Series) != 4 {
		t.Fatalf("training curves have %d series, want 4", len(plot.Series))
	}
	for _, series := range plot.Series {
		if len(series.Data) != 2 {
			t.Errorf("series %q has %d points, want 2", series.Name, len(series.Data))
		}
	}
}
