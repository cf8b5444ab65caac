package training

import (
	"fmt"

	"github.com/tsawler/go-retina/engine"
	"github.com/tsawler/go-retina/optimizer"
)

// BatchSource yields image batches for training or evaluation. The training
// source is infinite; the validation source returns a zero batch size when
// its pass ends and must be Reset before the next pass.
type BatchSource interface {
	NextBatch() (imageData []float32, labelData []int32, actualBatchSize int, err error)
	Reset()
}

// TrainerConfig controls the fixed-epoch training loop.
type TrainerConfig struct {
	Epochs        int
	StepsPerEpoch int
	NumClasses    int

	// ShowProgress renders a per-epoch progress bar on stdout.
	ShowProgress bool
}

// EpochMetrics records averaged metrics for a single epoch.
type EpochMetrics struct {
	Epoch         int     `json:"epoch"`
	TrainLoss     float64 `json:"train_loss"`
	TrainAccuracy float64 `json:"train_accuracy"`
	ValLoss       float64 `json:"val_loss"`
	ValAccuracy   float64 `json:"val_accuracy"`
}

// History collects metrics across the whole run.
type History struct {
	Epochs []EpochMetrics `json:"epochs"`
}

// Best returns the epoch with the lowest validation loss.
func (h *History) Best() (EpochMetrics, bool) {
	if len(h.Epochs) == 0 {
		return EpochMetrics{}, false
	}
	best := h.Epochs[0]
	for _, e := range h.Epochs[1:] {
		if e.ValLoss < best.ValLoss {
			best = e
		}
	}
	return best, true
}

// Trainer drives the transfer-learning loop: frozen backbone features feed
// the trainable head, whose gradients go to the optimizer.
type Trainer struct {
	config    TrainerConfig
	backbone  engine.FeatureExtractor
	head      *engine.HeadEngine
	optimizer optimizer.Optimizer
	collector *VisualizationCollector
}

// NewTrainer wires a trainer from its parts. The collector is optional.
func NewTrainer(config TrainerConfig, backbone engine.FeatureExtractor, head *engine.HeadEngine,
	opt optimizer.Optimizer, collector *VisualizationCollector) (*Trainer, error) {
	if config.Epochs <= 0 {
		return nil, fmt.Errorf("epoch count must be positive, got %d", config.Epochs)
	}
	if config.StepsPerEpoch <= 0 {
		return nil, fmt.Errorf("steps per epoch must be positive, got %d", config.StepsPerEpoch)
	}
	if config.NumClasses != head.NumClasses() {
		return nil, fmt.Errorf("trainer configured for %d classes but head outputs %d",
			config.NumClasses, head.NumClasses())
	}
	return &Trainer{
		config:    config,
		backbone:  backbone,
		head:      head,
		optimizer: opt,
		collector: collector,
	}, nil
}

// Fit runs the full training loop and returns the per-epoch history.
func (t *Trainer) Fit(trainSource, valSource BatchSource) (*History, error) {
	history := &History{}

	for epoch := 1; epoch <= t.config.Epochs; epoch++ {
		trainLoss, trainAcc, err := t.trainEpoch(epoch, trainSource)
		if err != nil {
			return history, fmt.Errorf("epoch %d training failed: %w", epoch, err)
		}

		valLoss, valAcc, _, err := t.Evaluate(valSource)
		if err != nil {
			return history, fmt.Errorf("epoch %d validation failed: %w", epoch, err)
		}

		metrics := EpochMetrics{
			Epoch:         epoch,
			TrainLoss:     trainLoss,
			TrainAccuracy: trainAcc,
			ValLoss:       valLoss,
			ValAccuracy:   valAcc,
		}
		history.Epochs = append(history.Epochs, metrics)

		if t.collector != nil {
			t.collector.RecordEpoch(epoch, trainLoss, trainAcc, valLoss, valAcc)
		}

		fmt.Printf("Epoch %d/%d - loss: %.4f - accuracy: %.4f - val_loss: %.4f - val_accuracy: %.4f\n",
			epoch, t.config.Epochs, trainLoss, trainAcc, valLoss, valAcc)
	}

	return history, nil
}

func (t *Trainer) trainEpoch(epoch int, source BatchSource) (loss, accuracy float64, err error) {
	var progress *ProgressBar
	if t.config.ShowProgress {
		progress = NewProgressBar(fmt.Sprintf("Epoch %d/%d", epoch, t.config.Epochs), t.config.StepsPerEpoch)
	}

	totalLoss := 0.0
	totalCorrect := 0
	totalSamples := 0

	for step := 1; step <= t.config.StepsPerEpoch; step++ {
		images, labels, batchSize, err := source.NextBatch()
		if err != nil {
			return 0, 0, fmt.Errorf("step %d: %w", step, err)
		}
		if batchSize == 0 {
			return 0, 0, fmt.Errorf("step %d: training source exhausted", step)
		}

		batchLoss, correct, err := t.trainStep(images, labels, batchSize)
		if err != nil {
			return 0, 0, fmt.Errorf("step %d: %w", step, err)
		}

		totalLoss += float64(batchLoss) * float64(batchSize)
		totalCorrect += correct
		totalSamples += batchSize

		if progress != nil {
			progress.Update(step, map[string]float64{
				"loss": totalLoss / float64(totalSamples),
				"acc":  float64(totalCorrect) / float64(totalSamples),
			})
		}
	}

	if progress != nil {
		progress.Finish()
	}
	return totalLoss / float64(totalSamples), float64(totalCorrect) / float64(totalSamples), nil
}

func (t *Trainer) trainStep(images []float32, labels []int32, batchSize int) (float32, int, error) {
	features, err := t.backbone.Extract(images, batchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("feature extraction failed: %w", err)
	}

	probs, err := t.head.Forward(features, batchSize, true)
	if err != nil {
		return 0, 0, fmt.Errorf("head forward failed: %w", err)
	}

	oneHot, err := OneHot(labels, t.config.NumClasses)
	if err != nil {
		return 0, 0, err
	}

	loss, err := CategoricalCrossEntropy(probs, oneHot, batchSize, t.config.NumClasses)
	if err != nil {
		return 0, 0, err
	}
	correct, err := CountCorrect(probs, labels, batchSize, t.config.NumClasses)
	if err != nil {
		return 0, 0, err
	}

	grads, err := t.head.Backward(oneHot)
	if err != nil {
		return 0, 0, fmt.Errorf("head backward failed: %w", err)
	}
	if err := t.optimizer.Step(t.head.Parameters(), grads); err != nil {
		return 0, 0, fmt.Errorf("optimizer step failed: %w", err)
	}

	return loss, correct, nil
}

// Evaluate runs one full pass over the source without weight updates and
// returns the averaged loss, accuracy, and the filled confusion matrix.
func (t *Trainer) Evaluate(source BatchSource) (loss, accuracy float64, matrix *ConfusionMatrix, err error) {
	source.Reset()
	matrix = NewConfusionMatrix(t.config.NumClasses)

	totalLoss := 0.0
	totalCorrect := 0
	totalSamples := 0

	for {
		images, labels, batchSize, err := source.NextBatch()
		if err != nil {
			return 0, 0, nil, err
		}
		if batchSize == 0 {
			break
		}

		features, err := t.backbone.Extract(images, batchSize)
		if err != nil {
			return 0, 0, nil, fmt.Errorf("feature extraction failed: %w", err)
		}
		probs, err := t.head.Forward(features, batchSize, false)
		if err != nil {
			return 0, 0, nil, fmt.Errorf("head forward failed: %w", err)
		}

		oneHot, err := OneHot(labels, t.config.NumClasses)
		if err != nil {
			return 0, 0, nil, err
		}
		batchLoss, err := CategoricalCrossEntropy(probs, oneHot, batchSize, t.config.NumClasses)
		if err != nil {
			return 0, 0, nil, err
		}
		correct, err := CountCorrect(probs, labels, batchSize, t.config.NumClasses)
		if err != nil {
			return 0, 0, nil, err
		}
		if err := matrix.UpdateFromPredictions(probs, labels, batchSize, t.config.NumClasses); err != nil {
			return 0, 0, nil, err
		}

		totalLoss += float64(batchLoss) * float64(batchSize)
		totalCorrect += correct
		totalSamples += batchSize
	}

	if totalSamples == 0 {
		return 0, 0, nil, fmt.Errorf("evaluation source produced no samples")
	}
	return totalLoss / float64(totalSamples), float64(totalCorrect) / float64(totalSamples), matrix, nil
}
