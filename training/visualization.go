package training

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PlotType represents different types of plots that can be generated.
type PlotType string

const (
	TrainingCurves      PlotType = "training_curves"
	ConfusionMatrixPlot PlotType = "confusion_matrix"
)

// PlotData is the universal JSON format consumed by the sidecar plotting
// service.
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`

	Config PlotConfig `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot.
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line", "heatmap"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint represents a single data point.
type DataPoint struct {
	X     interface{} `json:"x"`
	Y     interface{} `json:"y"`
	Z     interface{} `json:"z,omitempty"`
	Label string      `json:"label,omitempty"`
}

// PlotConfig contains plot-specific configuration.
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	XAxisScale string `json:"x_axis_scale"`
	YAxisScale string `json:"y_axis_scale"`
	ShowLegend bool   `json:"show_legend"`
	ShowGrid   bool   `json:"show_grid"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// VisualizationCollector gathers per-epoch metrics and evaluation results
// for plotting.
type VisualizationCollector struct {
	modelName string
	enabled   bool

	epochs             []int
	trainingLoss       []float64
	trainingAccuracy   []float64
	validationLoss     []float64
	validationAccuracy []float64

	confusionMatrix [][]int
	classNames      []string
}

// NewVisualizationCollector creates a new visualization collector.
func NewVisualizationCollector(modelName string) *VisualizationCollector {
	return &VisualizationCollector{
		modelName: modelName,
	}
}

// Enable enables visualization data collection.
func (vc *VisualizationCollector) Enable() {
	vc.enabled = true
}

// Disable disables visualization data collection.
func (vc *VisualizationCollector) Disable() {
	vc.enabled = false
}

// IsEnabled returns whether visualization is enabled.
func (vc *VisualizationCollector) IsEnabled() bool {
	return vc.enabled
}

// RecordEpoch records epoch-level training and validation metrics.
func (vc *VisualizationCollector) RecordEpoch(epoch int, trainLoss, trainAcc, valLoss, valAcc float64) {
	if !vc.enabled {
		return
	}
	vc.epochs = append(vc.epochs, epoch)
	vc.trainingLoss = append(vc.trainingLoss, trainLoss)
	vc.trainingAccuracy = append(vc.trainingAccuracy, trainAcc)
	vc.validationLoss = append(vc.validationLoss, valLoss)
	vc.validationAccuracy = append(vc.validationAccuracy, valAcc)
}

// RecordConfusionMatrix records final evaluation results.
func (vc *VisualizationCollector) RecordConfusionMatrix(matrix [][]int, classNames []string) {
	if !vc.enabled {
		return
	}
	vc.confusionMatrix = matrix
	vc.classNames = classNames
}

// GenerateTrainingCurvesPlot builds loss and accuracy curves over epochs.
func (vc *VisualizationCollector) GenerateTrainingCurvesPlot() PlotData {
	series := []SeriesData{
		{Name: "Training Loss", Type: "line", Data: make([]DataPoint, len(vc.epochs)),
			Style: map[string]interface{}{"color": "#FF6B6B", "line_width": 2}},
		{Name: "Training Accuracy", Type: "line", Data: make([]DataPoint, len(vc.epochs)),
			Style: map[string]interface{}{"color": "#4ECDC4", "line_width": 2}},
		{Name: "Validation Loss", Type: "line", Data: make([]DataPoint, len(vc.epochs)),
			Style: map[string]interface{}{"color": "#FF9F43", "line_width": 2, "line_style": "dashed"}},
		{Name: "Validation Accuracy", Type: "line", Data: make([]DataPoint, len(vc.epochs)),
			Style: map[string]interface{}{"color": "#5F27CD", "line_width": 2, "line_style": "dashed"}},
	}

	for i, epoch := range vc.epochs {
		series[0].Data[i] = DataPoint{X: epoch, Y: vc.trainingLoss[i]}
		series[1].Data[i] = DataPoint{X: epoch, Y: vc.trainingAccuracy[i]}
		series[2].Data[i] = DataPoint{X: epoch, Y: vc.validationLoss[i]}
		series[3].Data[i] = DataPoint{X: epoch, Y: vc.validationAccuracy[i]}
	}

	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Training Curves - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    series,
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: "Loss / Accuracy",
			XAxisScale: "linear",
			YAxisScale: "linear",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      800,
			Height:     600,
		},
	}
}

// GenerateConfusionMatrixPlot builds a heatmap of the recorded confusion
// matrix. Returns empty plot data if no matrix was recorded.
func (vc *VisualizationCollector) GenerateConfusionMatrixPlot() PlotData {
	if len(vc.confusionMatrix) == 0 {
		return PlotData{}
	}

	var data []DataPoint
	for i, row := range vc.confusionMatrix {
		for j, value := range row {
			data = append(data, DataPoint{
				X:     j,
				Y:     i,
				Z:     value,
				Label: fmt.Sprintf("True: %s, Pred: %s", vc.classNames[i], vc.classNames[j]),
			})
		}
	}

	return PlotData{
		PlotType:  ConfusionMatrixPlot,
		Title:     fmt.Sprintf("Confusion Matrix - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series: []SeriesData{
			{Name: "Confusion Matrix", Type: "heatmap", Data: data,
				Style: map[string]interface{}{"colorscale": "Blues"}},
		},
		Config: PlotConfig{
			XAxisLabel: "Predicted Class",
			YAxisLabel: "True Class",
			XAxisScale: "linear",
			YAxisScale: "linear",
			ShowLegend: false,
			ShowGrid:   false,
			Width:      600,
			Height:     600,
		},
	}
}

// SavePlotData writes plot data as JSON into dir, named after the plot type.
func SavePlotData(plotData PlotData, dir string) (string, error) {
	if plotData.PlotType == "" {
		return "", fmt.Errorf("plot data is empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create plot directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s.json", plotData.PlotType))
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create plot file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(plotData); err != nil {
		return "", fmt.Errorf("failed to encode plot data: %w", err)
	}
	return path, nil
}
