package layers

import (
	"fmt"
)

// LayerType represents the type of neural network layer.
type LayerType int

const (
	Dense LayerType = iota
	ReLU
	Softmax
	Dropout
	GlobalAvgPool2D
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case ReLU:
		return "ReLU"
	case Softmax:
		return "Softmax"
	case Dropout:
		return "Dropout"
	case GlobalAvgPool2D:
		return "GlobalAvgPool2D"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration. This is pure configuration - no
// execution logic; the engine package interprets a compiled spec.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// IntParameter returns the named layer parameter as an int. JSON decoding
// turns numbers into float64, so both representations are accepted.
func (ls *LayerSpec) IntParameter(name string) (int, bool) {
	switch v := ls.Parameters[name].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// FloatParameter returns the named layer parameter as a float32, accepting
// the float64 produced by JSON decoding.
func (ls *LayerSpec) FloatParameter(name string) (float32, bool) {
	switch v := ls.Parameters[name].(type) {
	case float32:
		return v, true
	case float64:
		return float32(v), true
	}
	return 0, false
}

// ModelSpec defines a complete network as layer configuration.
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct network models.
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
}

// NewModelBuilder creates a new model builder. The input shape uses the
// batch dimension first: [batch, channels, height, width] for feature maps,
// [batch, features] once pooled.
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
	}
}

// AddLayer adds a layer to the model.
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddGlobalAvgPool2D collapses a [batch, C, H, W] feature map into
// per-channel means [batch, C].
func (mb *ModelBuilder) AddGlobalAvgPool2D(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       GlobalAvgPool2D,
		Name:       name,
		Parameters: map[string]interface{}{},
	})
}

// AddDense adds a dense layer; the input size is computed during compilation.
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

// AddReLU adds a ReLU activation.
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       ReLU,
		Name:       name,
		Parameters: map[string]interface{}{},
	})
}

// AddSoftmax adds a Softmax activation over the class axis.
func (mb *ModelBuilder) AddSoftmax(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Softmax,
		Name: name,
		Parameters: map[string]interface{}{
			"axis": -1,
		},
	})
}

// AddDropout adds a Dropout layer. rate is the drop probability; the layer
// is active during training only.
func (mb *ModelBuilder) AddDropout(rate float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	})
}

// Compile computes shapes and parameter counts for the model.
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) < 2 {
		return nil, fmt.Errorf("input shape must include a batch dimension, got %v", mb.inputShape)
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: mb.inputShape,
	}
	copy(model.Layers, mb.layers)

	currentShape := mb.inputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]

		layer.InputShape = make([]int, len(currentShape))
		copy(layer.InputShape, currentShape)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount
		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true

	return model, nil
}

func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		if len(inputShape) != 2 {
			return nil, nil, 0, fmt.Errorf("dense layer needs a [batch, features] input, got %v", inputShape)
		}
		outputSize, ok := layer.IntParameter("output_size")
		if !ok || outputSize <= 0 {
			return nil, nil, 0, fmt.Errorf("dense layer needs a positive output_size")
		}
		useBias, _ := layer.Parameters["use_bias"].(bool)
		inputSize := inputShape[1]
		layer.Parameters["input_size"] = inputSize

		// Weights stored [output, input], row-major.
		paramShapes := [][]int{{outputSize, inputSize}}
		paramCount := int64(outputSize) * int64(inputSize)
		if useBias {
			paramShapes = append(paramShapes, []int{outputSize})
			paramCount += int64(outputSize)
		}
		return []int{inputShape[0], outputSize}, paramShapes, paramCount, nil

	case GlobalAvgPool2D:
		if len(inputShape) != 4 {
			return nil, nil, 0, fmt.Errorf("global average pooling needs a [batch, C, H, W] input, got %v", inputShape)
		}
		return []int{inputShape[0], inputShape[1]}, nil, 0, nil

	case ReLU, Softmax, Dropout:
		out := make([]int, len(inputShape))
		copy(out, inputShape)
		return out, nil, 0, nil

	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// TransferHeadConfig describes the trainable classification head placed on
// top of a frozen feature extractor.
type TransferHeadConfig struct {
	HiddenUnits int
	DropoutRate float32
	NumClasses  int
}

// BuildTransferHead compiles the standard transfer-learning head: global
// average pooling over the backbone feature map, one hidden dense layer with
// ReLU and dropout, and a softmax classification layer.
func BuildTransferHead(featureShape []int, cfg TransferHeadConfig) (*ModelSpec, error) {
	if cfg.NumClasses <= 0 {
		return nil, fmt.Errorf("head needs a positive class count, got %d", cfg.NumClasses)
	}
	if cfg.HiddenUnits <= 0 {
		return nil, fmt.Errorf("head needs a positive hidden size, got %d", cfg.HiddenUnits)
	}

	return NewModelBuilder(featureShape).
		AddGlobalAvgPool2D("pool").
		AddDense(cfg.HiddenUnits, true, "fc1").
		AddReLU("relu1").
		AddDropout(cfg.DropoutRate, "drop1").
		AddDense(cfg.NumClasses, true, "fc2").
		AddSoftmax("softmax").
		Compile()
}
