package engine

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-retina/checkpoints"
	"github.com/tsawler/go-retina/layers"
)

// HeadEngine executes the trainable classification head on the CPU. The
// backbone below it is frozen, so backpropagation stops at the pooled
// features: only the dense layer parameters receive gradients.
type HeadEngine struct {
	spec *layers.ModelSpec

	channels int
	spatial  int
	hidden   int
	classes  int
	rate     float32

	fc1Name string
	fc2Name string

	w1 []float32 // [hidden, channels] row-major
	b1 []float32
	w2 []float32 // [classes, hidden] row-major
	b2 []float32

	rng *rand.Rand

	// forward caches consumed by Backward
	batchSize int
	pooled    []float32
	act1      []float32 // post-relu, pre-dropout
	dropped   []float32 // post-dropout, input to fc2
	dropMask  []float32
	probs     []float32
	training  bool
}

// NewHeadEngine builds an executable head from a compiled transfer-head
// model spec and initializes its weights (He init for the hidden layer,
// Xavier for the output layer) from the given seed.
func NewHeadEngine(spec *layers.ModelSpec, seed int64) (*HeadEngine, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("head engine needs a compiled model spec")
	}

	he := &HeadEngine{
		spec: spec,
		rng:  rand.New(rand.NewSource(seed)),
	}

	denseSeen := 0
	for i := range spec.Layers {
		layer := &spec.Layers[i]
		switch layer.Type {
		case layers.GlobalAvgPool2D:
			if len(layer.InputShape) != 4 {
				return nil, fmt.Errorf("pooling layer %s has input shape %v, want 4D", layer.Name, layer.InputShape)
			}
			he.channels = layer.InputShape[1]
			he.spatial = layer.InputShape[2] * layer.InputShape[3]

		case layers.Dense:
			outputSize, ok := layer.IntParameter("output_size")
			if !ok || outputSize <= 0 {
				return nil, fmt.Errorf("dense layer %s has no positive output_size", layer.Name)
			}
			switch denseSeen {
			case 0:
				he.fc1Name = layer.Name
				he.hidden = outputSize
			case 1:
				he.fc2Name = layer.Name
				he.classes = outputSize
			default:
				return nil, fmt.Errorf("head supports exactly two dense layers, found a third: %s", layer.Name)
			}
			denseSeen++

		case layers.Dropout:
			if rate, ok := layer.FloatParameter("rate"); ok {
				he.rate = rate
			}

		case layers.ReLU, layers.Softmax:
			// shape-preserving, nothing to record
		}
	}

	if he.channels == 0 {
		return nil, fmt.Errorf("head spec has no global average pooling layer")
	}
	if denseSeen != 2 {
		return nil, fmt.Errorf("head spec needs two dense layers, found %d", denseSeen)
	}
	if he.rate < 0 || he.rate >= 1 {
		return nil, fmt.Errorf("dropout rate must be in [0, 1), got %f", he.rate)
	}

	he.w1 = make([]float32, he.hidden*he.channels)
	he.b1 = make([]float32, he.hidden)
	he.w2 = make([]float32, he.classes*he.hidden)
	he.b2 = make([]float32, he.classes)
	he.initWeights()

	return he, nil
}

func (he *HeadEngine) initWeights() {
	// He init suits the ReLU hidden layer, Xavier the softmax output.
	heStd := float32(math.Sqrt(2.0 / float64(he.channels)))
	for i := range he.w1 {
		he.w1[i] = float32(he.rng.NormFloat64()) * heStd
	}
	xavierStd := float32(math.Sqrt(2.0 / float64(he.hidden+he.classes)))
	for i := range he.w2 {
		he.w2[i] = float32(he.rng.NormFloat64()) * xavierStd
	}
}

// Spec returns the compiled model spec this engine executes.
func (he *HeadEngine) Spec() *layers.ModelSpec {
	return he.spec
}

// NumClasses returns the output class count.
func (he *HeadEngine) NumClasses() int {
	return he.classes
}

// Forward runs the head over backbone features shaped [batchSize, C, H, W]
// and returns softmax probabilities shaped [batchSize, classes]. With
// training set, dropout is applied (inverted, so inference needs no
// rescaling) and activations are cached for Backward.
func (he *HeadEngine) Forward(features []float32, batchSize int, training bool) ([]float32, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	featureSize := he.channels * he.spatial
	if len(features) != batchSize*featureSize {
		return nil, fmt.Errorf("features have %d elements, expected %d for batch size %d",
			len(features), batchSize*featureSize, batchSize)
	}

	he.batchSize = batchSize
	he.training = training
	he.pooled = resizeBuffer(he.pooled, batchSize*he.channels)
	he.act1 = resizeBuffer(he.act1, batchSize*he.hidden)
	he.dropped = resizeBuffer(he.dropped, batchSize*he.hidden)
	he.dropMask = resizeBuffer(he.dropMask, batchSize*he.hidden)
	he.probs = resizeBuffer(he.probs, batchSize*he.classes)

	// Global average pooling: mean over the spatial axes per channel.
	invSpatial := float32(1.0 / float64(he.spatial))
	for n := 0; n < batchSize; n++ {
		for c := 0; c < he.channels; c++ {
			base := n*featureSize + c*he.spatial
			sum := float32(0)
			for s := 0; s < he.spatial; s++ {
				sum += features[base+s]
			}
			he.pooled[n*he.channels+c] = sum * invSpatial
		}
	}

	// Hidden dense layer with ReLU.
	for n := 0; n < batchSize; n++ {
		in := he.pooled[n*he.channels : (n+1)*he.channels]
		for j := 0; j < he.hidden; j++ {
			row := he.w1[j*he.channels : (j+1)*he.channels]
			sum := he.b1[j]
			for k, v := range in {
				sum += row[k] * v
			}
			if sum < 0 {
				sum = 0
			}
			he.act1[n*he.hidden+j] = sum
		}
	}

	// Inverted dropout.
	if training && he.rate > 0 {
		keep := 1 - he.rate
		scale := 1 / keep
		for i, v := range he.act1 {
			if he.rng.Float32() < keep {
				he.dropMask[i] = scale
				he.dropped[i] = v * scale
			} else {
				he.dropMask[i] = 0
				he.dropped[i] = 0
			}
		}
	} else {
		for i, v := range he.act1 {
			he.dropMask[i] = 1
			he.dropped[i] = v
		}
	}

	// Output dense layer with a numerically stable softmax.
	for n := 0; n < batchSize; n++ {
		in := he.dropped[n*he.hidden : (n+1)*he.hidden]
		out := he.probs[n*he.classes : (n+1)*he.classes]
		maxLogit := float32(math.Inf(-1))
		for j := 0; j < he.classes; j++ {
			row := he.w2[j*he.hidden : (j+1)*he.hidden]
			sum := he.b2[j]
			for k, v := range in {
				sum += row[k] * v
			}
			out[j] = sum
			if sum > maxLogit {
				maxLogit = sum
			}
		}
		total := float32(0)
		for j, logit := range out {
			e := float32(math.Exp(float64(logit - maxLogit)))
			out[j] = e
			total += e
		}
		for j := range out {
			out[j] /= total
		}
	}

	result := make([]float32, batchSize*he.classes)
	copy(result, he.probs)
	return result, nil
}

// Backward computes gradients for the head parameters from the cached
// forward pass and the one-hot labels. It returns gradients aligned with
// Parameters(): fc1 weight, fc1 bias, fc2 weight, fc2 bias. The loss is
// categorical cross-entropy averaged over the batch.
func (he *HeadEngine) Backward(oneHot []float32) ([][]float32, error) {
	if he.batchSize == 0 || !he.training {
		return nil, fmt.Errorf("backward requires a preceding training-mode forward pass")
	}
	if len(oneHot) != he.batchSize*he.classes {
		return nil, fmt.Errorf("labels have %d elements, expected %d", len(oneHot), he.batchSize*he.classes)
	}

	gw1 := make([]float32, len(he.w1))
	gb1 := make([]float32, len(he.b1))
	gw2 := make([]float32, len(he.w2))
	gb2 := make([]float32, len(he.b2))

	invBatch := float32(1.0 / float64(he.batchSize))
	dHidden := make([]float32, he.hidden)

	for n := 0; n < he.batchSize; n++ {
		probs := he.probs[n*he.classes : (n+1)*he.classes]
		labels := oneHot[n*he.classes : (n+1)*he.classes]
		dropped := he.dropped[n*he.hidden : (n+1)*he.hidden]
		mask := he.dropMask[n*he.hidden : (n+1)*he.hidden]
		act := he.act1[n*he.hidden : (n+1)*he.hidden]
		pooled := he.pooled[n*he.channels : (n+1)*he.channels]

		for k := range dHidden {
			dHidden[k] = 0
		}

		// Softmax with cross-entropy collapses to probs - labels.
		for j := 0; j < he.classes; j++ {
			dLogit := (probs[j] - labels[j]) * invBatch
			gb2[j] += dLogit
			row := gw2[j*he.hidden : (j+1)*he.hidden]
			wRow := he.w2[j*he.hidden : (j+1)*he.hidden]
			for k := 0; k < he.hidden; k++ {
				row[k] += dLogit * dropped[k]
				dHidden[k] += dLogit * wRow[k]
			}
		}

		// Back through dropout and ReLU. The backbone is frozen, so the
		// gradient chain ends at the pooled features.
		for k := 0; k < he.hidden; k++ {
			d := dHidden[k] * mask[k]
			if act[k] <= 0 {
				continue
			}
			gb1[k] += d
			row := gw1[k*he.channels : (k+1)*he.channels]
			for c := 0; c < he.channels; c++ {
				row[c] += d * pooled[c]
			}
		}
	}

	return [][]float32{gw1, gb1, gw2, gb2}, nil
}

// Parameters returns the trainable parameter slices in a stable order:
// fc1 weight, fc1 bias, fc2 weight, fc2 bias. Optimizers update them in
// place.
func (he *HeadEngine) Parameters() [][]float32 {
	return [][]float32{he.w1, he.b1, he.w2, he.b2}
}

// Weights exports the parameters as named checkpoint tensors.
func (he *HeadEngine) Weights() []checkpoints.WeightTensor {
	return []checkpoints.WeightTensor{
		{Name: he.fc1Name + ".weight", Shape: []int{he.hidden, he.channels}, Data: cloneSlice(he.w1), Layer: he.fc1Name, Type: "weight"},
		{Name: he.fc1Name + ".bias", Shape: []int{he.hidden}, Data: cloneSlice(he.b1), Layer: he.fc1Name, Type: "bias"},
		{Name: he.fc2Name + ".weight", Shape: []int{he.classes, he.hidden}, Data: cloneSlice(he.w2), Layer: he.fc2Name, Type: "weight"},
		{Name: he.fc2Name + ".bias", Shape: []int{he.classes}, Data: cloneSlice(he.b2), Layer: he.fc2Name, Type: "bias"},
	}
}

// SetWeights restores parameters from checkpoint tensors, matching by name.
func (he *HeadEngine) SetWeights(weights []checkpoints.WeightTensor) error {
	targets := map[string][]float32{
		he.fc1Name + ".weight": he.w1,
		he.fc1Name + ".bias":   he.b1,
		he.fc2Name + ".weight": he.w2,
		he.fc2Name + ".bias":   he.b2,
	}

	restored := 0
	for _, w := range weights {
		target, ok := targets[w.Name]
		if !ok {
			return fmt.Errorf("unexpected weight tensor %q", w.Name)
		}
		if len(w.Data) != len(target) {
			return fmt.Errorf("weight tensor %q has %d elements, expected %d", w.Name, len(w.Data), len(target))
		}
		copy(target, w.Data)
		restored++
	}
	if restored != len(targets) {
		return fmt.Errorf("restored %d of %d weight tensors", restored, len(targets))
	}
	return nil
}

func resizeBuffer(buf []float32, n int) []float32 {
	if cap(buf) < n {
		return make([]float32, n)
	}
	return buf[:n]
}

func cloneSlice(s []float32) []float32 {
	out := make([]float32, len(s))
	copy(out, s)
	return out
}
