package engine

import (
	"encoding/json"
	"fmt"
	"os"

	ort "github.com/yalue/onnxruntime_go"
)

// FeatureExtractor turns a preprocessed image batch into backbone feature
// maps. Implementations are frozen: they never receive gradient updates.
type FeatureExtractor interface {
	// Extract runs the batch through the backbone. The input is CHW
	// float32 data for batchSize images; the output is batchSize feature
	// maps laid out contiguously.
	Extract(batch []float32, batchSize int) ([]float32, error)

	// OutputShape returns the per-sample feature map shape [C, H, W].
	OutputShape() []int

	Close()
}

// BackboneMetadata describes the frozen ONNX backbone: its per-sample input
// and output shapes (batch dimension first, set to 1) and the image size it
// was exported for.
type BackboneMetadata struct {
	InputShape  []int64 `json:"input_shape"`
	OutputShape []int64 `json:"output_shape"`
	ImageSize   int     `json:"image_size"`
}

// Backbone wraps a pretrained ONNX model used as a frozen feature extractor.
// Sessions are built lazily for the batch size actually seen, and rebuilt if
// the batch size changes (the last validation batch is usually smaller).
type Backbone struct {
	modelPath string
	metadata  BackboneMetadata

	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	batchSize    int
}

// NewBackbone loads backbone metadata and initializes the ONNX runtime. The
// inference session itself is created on the first Extract call.
func NewBackbone(modelPath, metadataPath string) (*Backbone, error) {
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	metaFile, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read backbone metadata: %w", err)
	}

	var metadata BackboneMetadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse backbone metadata: %w", err)
	}
	if len(metadata.InputShape) != 4 || len(metadata.OutputShape) != 4 {
		return nil, fmt.Errorf("backbone metadata must have 4D input and output shapes, got %v -> %v",
			metadata.InputShape, metadata.OutputShape)
	}

	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("backbone model not found: %w", err)
	}

	return &Backbone{
		modelPath: modelPath,
		metadata:  metadata,
	}, nil
}

// Metadata returns the loaded backbone metadata.
func (b *Backbone) Metadata() BackboneMetadata {
	return b.metadata
}

// OutputShape returns the per-sample feature map shape [C, H, W].
func (b *Backbone) OutputShape() []int {
	return []int{
		int(b.metadata.OutputShape[1]),
		int(b.metadata.OutputShape[2]),
		int(b.metadata.OutputShape[3]),
	}
}

// FeatureSize returns the flattened per-sample feature count.
func (b *Backbone) FeatureSize() int {
	size := 1
	for _, d := range b.OutputShape() {
		size *= d
	}
	return size
}

// InputSize returns the flattened per-sample input element count.
func (b *Backbone) InputSize() int {
	size := int64(1)
	for _, d := range b.metadata.InputShape[1:] {
		size *= d
	}
	return int(size)
}

func (b *Backbone) ensureSession(batchSize int) error {
	if b.session != nil && b.batchSize == batchSize {
		return nil
	}
	b.destroySession()

	inputShape := append([]int64{int64(batchSize)}, b.metadata.InputShape[1:]...)
	outputShape := append([]int64{int64(batchSize)}, b.metadata.OutputShape[1:]...)

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(inputShape...))
	if err != nil {
		return fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(outputShape...))
	if err != nil {
		inputTensor.Destroy()
		return fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(b.modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return fmt.Errorf("failed to create ONNX session: %w", err)
	}

	b.session = session
	b.inputTensor = inputTensor
	b.outputTensor = outputTensor
	b.batchSize = batchSize
	return nil
}

// Extract runs the image batch through the frozen backbone and returns a
// copy of the resulting feature maps.
func (b *Backbone) Extract(batch []float32, batchSize int) ([]float32, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	expected := batchSize * b.InputSize()
	if len(batch) != expected {
		return nil, fmt.Errorf("batch has %d elements, expected %d for batch size %d",
			len(batch), expected, batchSize)
	}

	if err := b.ensureSession(batchSize); err != nil {
		return nil, err
	}

	copy(b.inputTensor.GetData(), batch)

	if err := b.session.Run(); err != nil {
		return nil, fmt.Errorf("backbone inference failed: %w", err)
	}

	// The output tensor buffer is reused on the next Run, so hand back a copy.
	out := b.outputTensor.GetData()
	features := make([]float32, len(out))
	copy(features, out)
	return features, nil
}

func (b *Backbone) destroySession() {
	if b.inputTensor != nil {
		b.inputTensor.Destroy()
		b.inputTensor = nil
	}
	if b.outputTensor != nil {
		b.outputTensor.Destroy()
		b.outputTensor = nil
	}
	if b.session != nil {
		b.session.Destroy()
		b.session = nil
	}
}

// Close releases the ONNX session and environment.
func (b *Backbone) Close() {
	b.destroySession()
	ort.DestroyEnvironment()
}
