package training

import (
	"fmt"
	"math"
)

// CategoricalCrossEntropy computes the batch-averaged cross-entropy loss
// from softmax probabilities and one-hot labels, both shaped
// [batchSize, numClasses]. Probabilities are clamped to avoid log(0).
func CategoricalCrossEntropy(probs, oneHot []float32, batchSize, numClasses int) (float32, error) {
	expected := batchSize * numClasses
	if len(probs) != expected {
		return 0, fmt.Errorf("probabilities have %d elements, expected %d", len(probs), expected)
	}
	if len(oneHot) != expected {
		return 0, fmt.Errorf("labels have %d elements, expected %d", len(oneHot), expected)
	}
	if batchSize <= 0 {
		return 0, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	const epsilon = 1e-12
	loss := 0.0
	for i := 0; i < expected; i++ {
		if oneHot[i] > 0 {
			p := float64(probs[i])
			if p < epsilon {
				p = epsilon
			}
			loss -= float64(oneHot[i]) * math.Log(p)
		}
	}
	return float32(loss / float64(batchSize)), nil
}
