package checkpoints

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-retina/layers"
)

func buildTestCheckpoint(t *testing.T) *Checkpoint {
	t.Helper()

	spec, err := layers.BuildTransferHead([]int{1, 8, 2, 2}, layers.TransferHeadConfig{
		HiddenUnits: 4,
		DropoutRate: 0.5,
		NumClasses:  5,
	})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	makeTensor := func(name, layer, kind string, shape []int) WeightTensor {
		n := 1
		for _, d := range shape {
			n *= d
		}
		data := make([]float32, n)
		for i := range data {
			data[i] = rng.Float32() - 0.5
		}
		return WeightTensor{Name: name, Shape: shape, Data: data, Layer: layer, Type: kind}
	}

	return &Checkpoint{
		ModelSpec: spec,
		Weights: []WeightTensor{
			makeTensor("fc1.weight", "fc1", "weight", []int{4, 8}),
			makeTensor("fc1.bias", "fc1", "bias", []int{4}),
			makeTensor("fc2.weight", "fc2", "weight", []int{5, 4}),
			makeTensor("fc2.bias", "fc2", "bias", []int{5}),
		},
		TrainingState: TrainingState{
			Epoch:        3,
			Step:         120,
			LearningRate: 0.001,
			BestLoss:     0.42,
			BestAccuracy: 0.87,
			TotalSteps:   360,
		},
		OptimizerState: &OptimizerState{
			Type:       "Adam",
			Parameters: map[string]interface{}{"beta1": 0.9, "beta2": 0.999},
			StateData: []OptimizerTensor{
				{Name: "fc1.weight_m", Shape: []int{4, 8}, Data: make([]float32, 32), StateType: "momentum"},
			},
		},
	}
}

func TestJSONCheckpointRoundTrip(t *testing.T) {
	checkpoint := buildTestCheckpoint(t)
	path := filepath.Join(t.TempDir(), "checkpoint.json")

	saver := NewCheckpointSaver(FormatJSON)
	require.NoError(t, saver.SaveCheckpoint(checkpoint, path))

	loaded, err := saver.LoadCheckpoint(path)
	require.NoError(t, err)

	assert.Equal(t, checkpoint.TrainingState, loaded.TrainingState)
	assert.Equal(t, "go-retina", loaded.Metadata.Framework)
	require.NotNil(t, loaded.ModelSpec)
	assert.True(t, loaded.ModelSpec.Compiled)
	assert.Len(t, loaded.ModelSpec.Layers, 6)

	require.Len(t, loaded.Weights, 4)
	for i, w := range loaded.Weights {
		assert.Equal(t, checkpoint.Weights[i].Name, w.Name)
		assert.Equal(t, checkpoint.Weights[i].Shape, w.Shape)
		assert.Equal(t, checkpoint.Weights[i].Data, w.Data)
	}

	require.NotNil(t, loaded.OptimizerState)
	assert.Equal(t, "Adam", loaded.OptimizerState.Type)
	require.Len(t, loaded.OptimizerState.StateData, 1)
	assert.Equal(t, "momentum", loaded.OptimizerState.StateData[0].StateType)
}

func TestSaveCheckpointOverwrites(t *testing.T) {
	checkpoint := buildTestCheckpoint(t)
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	saver := NewCheckpointSaver(FormatJSON)

	require.NoError(t, saver.SaveCheckpoint(checkpoint, path))

	checkpoint.TrainingState.Epoch = 9
	require.NoError(t, saver.SaveCheckpoint(checkpoint, path))

	loaded, err := saver.LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, 9, loaded.TrainingState.Epoch)
}

func TestLoadCheckpointMissingFile(t *testing.T) {
	saver := NewCheckpointSaver(FormatJSON)
	_, err := saver.LoadCheckpoint(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestONNXExportRequiresCompiledSpec(t *testing.T) {
	saver := NewCheckpointSaver(FormatONNX)
	err := saver.SaveCheckpoint(&Checkpoint{}, filepath.Join(t.TempDir(), "head.onnx"))
	assert.Error(t, err)
}

// readModelFields walks the top level of a serialized ModelProto and returns
// the field numbers it saw plus the embedded graph message.
func readModelFields(t *testing.T, data []byte) (map[protowire.Number]bool, []byte) {
	t.Helper()

	seen := make(map[protowire.Number]bool)
	var graph []byte
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		require.GreaterOrEqual(t, n, 0)
		data = data[n:]
		seen[num] = true

		switch typ {
		case protowire.VarintType:
			_, n = protowire.ConsumeVarint(data)
		case protowire.Fixed32Type:
			_, n = protowire.ConsumeFixed32(data)
		case protowire.BytesType:
			var b []byte
			b, n = protowire.ConsumeBytes(data)
			if num == modelGraph {
				graph = b
			}
		default:
			t.Fatalf("unexpected wire type %v", typ)
		}
		require.GreaterOrEqual(t, n, 0)
		data = data[n:]
	}
	return seen, graph
}

func TestONNXExportWireFormat(t *testing.T) {
	checkpoint := buildTestCheckpoint(t)
	path := filepath.Join(t.TempDir(), "head.onnx")

	saver := NewCheckpointSaver(FormatONNX)
	require.NoError(t, saver.SaveCheckpoint(checkpoint, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	seen, graph := readModelFields(t, data)
	assert.True(t, seen[modelIRVersion])
	assert.True(t, seen[modelOpsetImport])
	require.NotNil(t, graph)

	// Count graph-level fields: 6 spec layers become 6 nodes (flatten added,
	// dropout dropped), with 4 initializers and one input and output each.
	counts := make(map[protowire.Number]int)
	for len(graph) > 0 {
		num, typ, n := protowire.ConsumeTag(graph)
		require.GreaterOrEqual(t, n, 0)
		graph = graph[n:]
		counts[num]++

		switch typ {
		case protowire.VarintType:
			_, n = protowire.ConsumeVarint(graph)
		case protowire.BytesType:
			_, n = protowire.ConsumeBytes(graph)
		default:
			t.Fatalf("unexpected wire type %v in graph", typ)
		}
		require.GreaterOrEqual(t, n, 0)
		graph = graph[n:]
	}
	assert.Equal(t, 6, counts[graphNode])
	assert.Equal(t, 4, counts[graphInitializer])
	assert.Equal(t, 1, counts[graphInput])
	assert.Equal(t, 1, counts[graphOutput])
}
