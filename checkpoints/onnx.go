package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-retina/layers"
)

// ONNXExporter converts a trained checkpoint into an ONNX model file. The
// exporter emits the small ModelProto subset the classification head needs
// (GlobalAveragePool, Flatten, Gemm, Relu, Softmax) directly in protobuf
// wire format; dropout layers are inference no-ops and are omitted.
type ONNXExporter struct{}

// NewONNXExporter creates a new ONNX exporter.
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// ONNX field and enum constants, from onnx.proto3 (IR version 7, opset 13).
const (
	onnxIRVersion    = 7
	onnxOpsetVersion = 13

	// ModelProto fields
	modelIRVersion       = 1
	modelProducerName    = 2
	modelProducerVersion = 3
	modelVersion         = 5
	modelGraph           = 7
	modelOpsetImport     = 8

	// OperatorSetIdProto fields
	opsetDomain  = 1
	opsetVersion = 2

	// GraphProto fields
	graphNode        = 1
	graphName        = 2
	graphInitializer = 5
	graphInput       = 11
	graphOutput      = 12

	// NodeProto fields
	nodeInput     = 1
	nodeOutput    = 2
	nodeName      = 3
	nodeOpType    = 4
	nodeAttribute = 5

	// AttributeProto fields
	attrName  = 1
	attrFloat = 2
	attrInt   = 3
	attrType  = 20

	attrTypeFloat = 1
	attrTypeInt   = 2

	// TensorProto fields
	tensorDims     = 1
	tensorDataType = 2
	tensorName     = 8
	tensorRawData  = 9

	tensorDataTypeFloat = 1

	// ValueInfoProto / TypeProto fields
	valueInfoName = 1
	valueInfoType = 2
	typeTensor    = 1
	tensorElem    = 1
	tensorShape   = 2
	shapeDim      = 1
	dimValue      = 1
	dimParam      = 3
)

// ExportToONNX writes the checkpoint's head as an ONNX file, overwriting
// any existing file at the path.
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	if checkpoint.ModelSpec == nil || !checkpoint.ModelSpec.Compiled {
		return fmt.Errorf("checkpoint has no compiled model spec")
	}

	graph, err := oe.buildGraph(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to build ONNX graph: %w", err)
	}

	var model []byte
	model = protowire.AppendTag(model, modelIRVersion, protowire.VarintType)
	model = protowire.AppendVarint(model, onnxIRVersion)
	model = protowire.AppendTag(model, modelProducerName, protowire.BytesType)
	model = protowire.AppendString(model, "go-retina")
	model = protowire.AppendTag(model, modelProducerVersion, protowire.BytesType)
	model = protowire.AppendString(model, "1.0.0")
	model = protowire.AppendTag(model, modelVersion, protowire.VarintType)
	model = protowire.AppendVarint(model, 1)
	model = protowire.AppendTag(model, modelGraph, protowire.BytesType)
	model = protowire.AppendBytes(model, graph)

	var opset []byte
	opset = protowire.AppendTag(opset, opsetDomain, protowire.BytesType)
	opset = protowire.AppendString(opset, "")
	opset = protowire.AppendTag(opset, opsetVersion, protowire.VarintType)
	opset = protowire.AppendVarint(opset, onnxOpsetVersion)
	model = protowire.AppendTag(model, modelOpsetImport, protowire.BytesType)
	model = protowire.AppendBytes(model, opset)

	if err := os.WriteFile(path, model, 0644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %w", err)
	}
	return nil
}

func (oe *ONNXExporter) buildGraph(checkpoint *Checkpoint) ([]byte, error) {
	spec := checkpoint.ModelSpec

	weightMap := make(map[string]WeightTensor)
	for _, w := range checkpoint.Weights {
		weightMap[w.Name] = w
	}

	var graph []byte
	var initializers [][]byte

	current := "input"
	for _, layer := range spec.Layers {
		switch layer.Type {
		case layers.GlobalAvgPool2D:
			pooled := layer.Name + "_out"
			graph = appendNode(graph, nodeBytes(layer.Name, "GlobalAveragePool", []string{current}, []string{pooled}, nil))

			// GlobalAveragePool keeps the spatial axes as size 1;
			// flatten to [batch, C] for the dense layers.
			flat := layer.Name + "_flat"
			flatten := nodeBytes(layer.Name+"_flatten", "Flatten", []string{pooled}, []string{flat},
				[][]byte{intAttribute("axis", 1)})
			graph = appendNode(graph, flatten)
			current = flat

		case layers.Dense:
			weight, ok := weightMap[layer.Name+".weight"]
			if !ok {
				return nil, fmt.Errorf("missing weight tensor for layer %s", layer.Name)
			}
			inputs := []string{current, weight.Name}
			initializers = append(initializers, tensorBytes(weight))

			if bias, ok := weightMap[layer.Name+".bias"]; ok {
				inputs = append(inputs, bias.Name)
				initializers = append(initializers, tensorBytes(bias))
			}

			out := layer.Name + "_out"
			// Weights are stored [output, input], so Gemm runs with transB=1.
			gemm := nodeBytes(layer.Name, "Gemm", inputs, []string{out}, [][]byte{
				floatAttribute("alpha", 1),
				floatAttribute("beta", 1),
				intAttribute("transB", 1),
			})
			graph = appendNode(graph, gemm)
			current = out

		case layers.ReLU:
			out := layer.Name + "_out"
			graph = appendNode(graph, nodeBytes(layer.Name, "Relu", []string{current}, []string{out}, nil))
			current = out

		case layers.Softmax:
			graph = appendNode(graph, nodeBytes(layer.Name, "Softmax", []string{current}, []string{"output"},
				[][]byte{intAttribute("axis", 1)}))
			current = "output"

		case layers.Dropout:
			// Identity at inference time.

		default:
			return nil, fmt.Errorf("unsupported layer type for ONNX export: %s", layer.Type.String())
		}
	}

	graph = protowire.AppendTag(graph, graphName, protowire.BytesType)
	graph = protowire.AppendString(graph, "go-retina-head")

	for _, init := range initializers {
		graph = protowire.AppendTag(graph, graphInitializer, protowire.BytesType)
		graph = protowire.AppendBytes(graph, init)
	}

	graph = protowire.AppendTag(graph, graphInput, protowire.BytesType)
	graph = protowire.AppendBytes(graph, valueInfoBytes("input", spec.InputShape))
	graph = protowire.AppendTag(graph, graphOutput, protowire.BytesType)
	graph = protowire.AppendBytes(graph, valueInfoBytes("output", spec.OutputShape))

	return graph, nil
}

func appendNode(graph, node []byte) []byte {
	graph = protowire.AppendTag(graph, graphNode, protowire.BytesType)
	return protowire.AppendBytes(graph, node)
}

func nodeBytes(name, opType string, inputs, outputs []string, attributes [][]byte) []byte {
	var node []byte
	for _, in := range inputs {
		node = protowire.AppendTag(node, nodeInput, protowire.BytesType)
		node = protowire.AppendString(node, in)
	}
	for _, out := range outputs {
		node = protowire.AppendTag(node, nodeOutput, protowire.BytesType)
		node = protowire.AppendString(node, out)
	}
	node = protowire.AppendTag(node, nodeName, protowire.BytesType)
	node = protowire.AppendString(node, name)
	node = protowire.AppendTag(node, nodeOpType, protowire.BytesType)
	node = protowire.AppendString(node, opType)
	for _, attr := range attributes {
		node = protowire.AppendTag(node, nodeAttribute, protowire.BytesType)
		node = protowire.AppendBytes(node, attr)
	}
	return node
}

func intAttribute(name string, value int64) []byte {
	var attr []byte
	attr = protowire.AppendTag(attr, attrName, protowire.BytesType)
	attr = protowire.AppendString(attr, name)
	attr = protowire.AppendTag(attr, attrInt, protowire.VarintType)
	attr = protowire.AppendVarint(attr, uint64(value))
	attr = protowire.AppendTag(attr, attrType, protowire.VarintType)
	attr = protowire.AppendVarint(attr, attrTypeInt)
	return attr
}

func floatAttribute(name string, value float32) []byte {
	var attr []byte
	attr = protowire.AppendTag(attr, attrName, protowire.BytesType)
	attr = protowire.AppendString(attr, name)
	attr = protowire.AppendTag(attr, attrFloat, protowire.Fixed32Type)
	attr = protowire.AppendFixed32(attr, math.Float32bits(value))
	attr = protowire.AppendTag(attr, attrType, protowire.VarintType)
	attr = protowire.AppendVarint(attr, attrTypeFloat)
	return attr
}

// tensorBytes encodes a TensorProto initializer with raw little-endian data.
func tensorBytes(w WeightTensor) []byte {
	var tensor []byte
	for _, dim := range w.Shape {
		tensor = protowire.AppendTag(tensor, tensorDims, protowire.VarintType)
		tensor = protowire.AppendVarint(tensor, uint64(dim))
	}
	tensor = protowire.AppendTag(tensor, tensorDataType, protowire.VarintType)
	tensor = protowire.AppendVarint(tensor, tensorDataTypeFloat)
	tensor = protowire.AppendTag(tensor, tensorName, protowire.BytesType)
	tensor = protowire.AppendString(tensor, w.Name)

	raw := make([]byte, 4*len(w.Data))
	for i, v := range w.Data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	tensor = protowire.AppendTag(tensor, tensorRawData, protowire.BytesType)
	tensor = protowire.AppendBytes(tensor, raw)
	return tensor
}

// valueInfoBytes encodes a ValueInfoProto. The batch dimension is exported
// as the symbolic "batch" so the model accepts any batch size.
func valueInfoBytes(name string, shape []int) []byte {
	var dims []byte
	for i, d := range shape {
		var dim []byte
		if i == 0 {
			dim = protowire.AppendTag(dim, dimParam, protowire.BytesType)
			dim = protowire.AppendString(dim, "batch")
		} else {
			dim = protowire.AppendTag(dim, dimValue, protowire.VarintType)
			dim = protowire.AppendVarint(dim, uint64(d))
		}
		dims = protowire.AppendTag(dims, shapeDim, protowire.BytesType)
		dims = protowire.AppendBytes(dims, dim)
	}

	var tensorType []byte
	tensorType = protowire.AppendTag(tensorType, tensorElem, protowire.VarintType)
	tensorType = protowire.AppendVarint(tensorType, tensorDataTypeFloat)
	tensorType = protowire.AppendTag(tensorType, tensorShape, protowire.BytesType)
	tensorType = protowire.AppendBytes(tensorType, dims)

	var typeProto []byte
	typeProto = protowire.AppendTag(typeProto, typeTensor, protowire.BytesType)
	typeProto = protowire.AppendBytes(typeProto, tensorType)

	var info []byte
	info = protowire.AppendTag(info, valueInfoName, protowire.BytesType)
	info = protowire.AppendString(info, name)
	info = protowire.AppendTag(info, valueInfoType, protowire.BytesType)
	info = protowire.AppendBytes(info, typeProto)
	return info
}
