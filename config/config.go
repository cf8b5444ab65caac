package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config holds the complete run configuration for a training job.
// Every stage of the pipeline receives the values it needs from here;
// nothing reads package-level state.
type Config struct {
	// Dataset
	DataRoot   string  `toml:"data_root"`
	NumClasses int     `toml:"num_classes"`
	ImageSize  int     `toml:"image_size"`
	SplitRatio float64 `toml:"split_ratio"`
	Seed       int64   `toml:"seed"`

	// Training
	BatchSize    int     `toml:"batch_size"`
	Epochs       int     `toml:"epochs"`
	LearningRate float32 `toml:"learning_rate"`
	HiddenUnits  int     `toml:"hidden_units"`
	DropoutRate  float32 `toml:"dropout_rate"`

	// Augmentation
	MaxRotationDegrees float64 `toml:"max_rotation_degrees"`
	MaxShiftFraction   float64 `toml:"max_shift_fraction"`
	MaxZoomFraction    float64 `toml:"max_zoom_fraction"`
	HorizontalFlip     bool    `toml:"horizontal_flip"`

	// Pretrained backbone
	BackbonePath     string `toml:"backbone_path"`
	BackboneMetadata string `toml:"backbone_metadata"`

	// Outputs
	CheckpointPath string `toml:"checkpoint_path"`
	ONNXPath       string `toml:"onnx_path"`
	PlotDir        string `toml:"plot_dir"`
	PlottingURL    string `toml:"plotting_url"`
}

// Default returns the standard training recipe for retinopathy grading.
func Default() Config {
	return Config{
		DataRoot:   "data",
		NumClasses: 5,
		ImageSize:  224,
		SplitRatio: 0.8,
		Seed:       42,

		BatchSize:    32,
		Epochs:       10,
		LearningRate: 0.001,
		HiddenUnits:  256,
		DropoutRate:  0.5,

		MaxRotationDegrees: 15,
		MaxShiftFraction:   0.1,
		MaxZoomFraction:    0.1,
		HorizontalFlip:     true,

		BackbonePath:     "models/backbone.onnx",
		BackboneMetadata: "models/backbone.json",

		CheckpointPath: "output/retina_model.json",
		ONNXPath:       "output/retina_model.onnx",
		PlotDir:        "output/plots",
		PlottingURL:    "http://localhost:8080",
	}
}

// Load reads a TOML file on top of the defaults. A missing key keeps its
// default value.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration at startup so that failures surface
// before any data is loaded.
func (c Config) Validate() error {
	info, err := os.Stat(c.DataRoot)
	if err != nil {
		return fmt.Errorf("data root %s: %w", c.DataRoot, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data root %s is not a directory", c.DataRoot)
	}
	if c.NumClasses <= 0 {
		return fmt.Errorf("num_classes must be positive, got %d", c.NumClasses)
	}
	if c.ImageSize <= 0 {
		return fmt.Errorf("image_size must be positive, got %d", c.ImageSize)
	}
	if c.SplitRatio <= 0 || c.SplitRatio >= 1 {
		return fmt.Errorf("split_ratio must be in (0, 1), got %v", c.SplitRatio)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive, got %v", c.LearningRate)
	}
	if c.DropoutRate < 0 || c.DropoutRate >= 1 {
		return fmt.Errorf("dropout_rate must be in [0, 1), got %v", c.DropoutRate)
	}
	return nil
}
