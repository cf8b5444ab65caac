package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/tsawler/go-retina/checkpoints"
	"github.com/tsawler/go-retina/config"
	"github.com/tsawler/go-retina/engine"
	"github.com/tsawler/go-retina/layers"
	"github.com/tsawler/go-retina/optimizer"
	"github.com/tsawler/go-retina/training"
	"github.com/tsawler/go-retina/vision/dataloader"
	"github.com/tsawler/go-retina/vision/dataset"
	"github.com/tsawler/go-retina/vision/preprocessing"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (defaults apply when empty)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("Training failed: %v", err)
	}
}

func run(cfg config.Config) error {
	fmt.Println("=== Retinopathy Grading - Transfer Learning ===")
	fmt.Println()

	// Load the labeled fundus images from per-grade folders.
	fmt.Printf("Loading dataset from %s...\n", cfg.DataRoot)
	retina, err := dataset.NewRetinaDataset(cfg.DataRoot, cfg.NumClasses, nil)
	if err != nil {
		return fmt.Errorf("failed to load dataset: %w", err)
	}
	fmt.Println(retina.Summary())

	trainDataset, valDataset, err := retina.StratifiedSplit(cfg.SplitRatio, cfg.Seed)
	if err != nil {
		return fmt.Errorf("failed to split dataset: %w", err)
	}
	fmt.Printf("Train: %d images, Validation: %d images\n\n", trainDataset.Len(), valDataset.Len())

	augmenter := preprocessing.NewAugmenter(preprocessing.AugmentConfig{
		MaxRotationDegrees: cfg.MaxRotationDegrees,
		MaxShiftFraction:   cfg.MaxShiftFraction,
		MaxZoomFraction:    cfg.MaxZoomFraction,
		HorizontalFlip:     cfg.HorizontalFlip,
	}, cfg.Seed)

	trainLoader, valLoader := dataloader.CreateSharedDataLoaders(trainDataset, valDataset, dataloader.Config{
		BatchSize: cfg.BatchSize,
		ImageSize: cfg.ImageSize,
		Seed:      cfg.Seed,
		Augmenter: augmenter,
	})

	// Frozen pretrained backbone.
	fmt.Printf("Loading backbone %s...\n", cfg.BackbonePath)
	backbone, err := engine.NewBackbone(cfg.BackbonePath, cfg.BackboneMetadata)
	if err != nil {
		return fmt.Errorf("failed to load backbone: %w", err)
	}
	defer backbone.Close()

	featureShape := append([]int{1}, backbone.OutputShape()...)
	fmt.Printf("Backbone features: %v\n\n", backbone.OutputShape())

	// Trainable classification head.
	headSpec, err := layers.BuildTransferHead(featureShape, layers.TransferHeadConfig{
		HiddenUnits: cfg.HiddenUnits,
		DropoutRate: cfg.DropoutRate,
		NumClasses:  cfg.NumClasses,
	})
	if err != nil {
		return fmt.Errorf("failed to build head: %w", err)
	}
	head, err := engine.NewHeadEngine(headSpec, cfg.Seed)
	if err != nil {
		return fmt.Errorf("failed to build head engine: %w", err)
	}
	fmt.Printf("Head parameters: %d\n\n", headSpec.TotalParameters)

	adam, err := optimizer.NewAdamOptimizer(optimizer.AdamConfig{
		LearningRate: cfg.LearningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	})
	if err != nil {
		return fmt.Errorf("failed to create optimizer: %w", err)
	}

	collector := training.NewVisualizationCollector("retina-head")
	collector.Enable()

	stepsPerEpoch := trainDataset.Len() / cfg.BatchSize
	if stepsPerEpoch == 0 {
		stepsPerEpoch = 1
	}
	trainer, err := training.NewTrainer(training.TrainerConfig{
		Epochs:        cfg.Epochs,
		StepsPerEpoch: stepsPerEpoch,
		NumClasses:    cfg.NumClasses,
		ShowProgress:  true,
	}, backbone, head, adam, collector)
	if err != nil {
		return fmt.Errorf("failed to create trainer: %w", err)
	}

	history, err := trainer.Fit(trainLoader, valLoader)
	if err != nil {
		return fmt.Errorf("training failed: %w", err)
	}
	fmt.Println()
	fmt.Println(trainLoader.Stats())

	// Final evaluation on the validation split.
	valLoss, valAcc, matrix, err := trainer.Evaluate(valLoader)
	if err != nil {
		return fmt.Errorf("evaluation failed: %w", err)
	}

	fmt.Println()
	fmt.Printf("Final validation - loss: %.4f, accuracy: %.4f\n\n", valLoss, valAcc)
	fmt.Println("Confusion matrix:")
	fmt.Println(matrix.String())
	fmt.Println("Classification report:")
	fmt.Println(matrix.Report())
	collector.RecordConfusionMatrix(matrix.Matrix, matrix.ClassNames)

	if err := savePlots(cfg, collector); err != nil {
		log.Printf("Warning: plot generation failed: %v", err)
	}

	return saveModel(cfg, head, adam, history, valLoss, valAcc)
}

// savePlots writes the plot JSON files and, if the sidecar plotting service
// is reachable, renders them there too.
func savePlots(cfg config.Config, collector *training.VisualizationCollector) error {
	curves := collector.GenerateTrainingCurvesPlot()
	confusion := collector.GenerateConfusionMatrixPlot()

	for _, plot := range []training.PlotData{curves, confusion} {
		if plot.PlotType == "" {
			continue
		}
		path, err := training.SavePlotData(plot, cfg.PlotDir)
		if err != nil {
			return err
		}
		fmt.Printf("Saved %s\n", path)
	}

	service := training.NewPlottingService(training.PlottingServiceConfig{
		BaseURL: cfg.PlottingURL,
		Timeout: training.DefaultPlottingServiceConfig().Timeout,
	})
	if err := service.CheckHealth(); err != nil {
		log.Printf("Plotting service not available, skipping rendering: %v", err)
		return nil
	}
	service.Enable()

	for _, plot := range []training.PlotData{curves, confusion} {
		if plot.PlotType == "" {
			continue
		}
		resp, err := service.SendPlotData(plot)
		if err != nil {
			return err
		}
		if resp.ViewURL != "" {
			fmt.Printf("Rendered %s: %s\n", plot.PlotType, resp.ViewURL)
		}
	}
	return nil
}

func saveModel(cfg config.Config, head *engine.HeadEngine, adam *optimizer.AdamOptimizer,
	history *training.History, valLoss, valAcc float64) error {
	optimizerState, err := adam.GetState()
	if err != nil {
		return fmt.Errorf("failed to extract optimizer state: %w", err)
	}

	for _, path := range []string{cfg.CheckpointPath, cfg.ONNXPath} {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
		}
	}

	best, _ := history.Best()
	checkpoint := &checkpoints.Checkpoint{
		ModelSpec: head.Spec(),
		Weights:   head.Weights(),
		TrainingState: checkpoints.TrainingState{
			Epoch:        len(history.Epochs),
			Step:         int(adam.GetStepCount()),
			LearningRate: cfg.LearningRate,
			BestLoss:     float32(best.ValLoss),
			BestAccuracy: float32(best.ValAccuracy),
			TotalSteps:   int(adam.GetStepCount()),
		},
		OptimizerState: optimizerState,
		Metadata: checkpoints.CheckpointMetadata{
			Description: fmt.Sprintf("retinopathy head, val_loss %.4f, val_accuracy %.4f", valLoss, valAcc),
		},
	}

	jsonSaver := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON)
	if err := jsonSaver.SaveCheckpoint(checkpoint, cfg.CheckpointPath); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	fmt.Printf("Saved checkpoint %s\n", cfg.CheckpointPath)

	onnxSaver := checkpoints.NewCheckpointSaver(checkpoints.FormatONNX)
	if err := onnxSaver.SaveCheckpoint(checkpoint, cfg.ONNXPath); err != nil {
		return fmt.Errorf("failed to export ONNX model: %w", err)
	}
	fmt.Printf("Saved ONNX head %s\n", cfg.ONNXPath)
	return nil
}
