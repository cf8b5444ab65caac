package training

import "fmt"

// OneHot expands int32 class labels into a flat one-hot matrix shaped
// [len(labels), numClasses].
func OneHot(labels []int32, numClasses int) ([]float32, error) {
	if numClasses <= 0 {
		return nil, fmt.Errorf("class count must be positive, got %d", numClasses)
	}

	out := make([]float32, len(labels)*numClasses)
	for i, label := range labels {
		if label < 0 || int(label) >= numClasses {
			return nil, fmt.Errorf("label %d at index %d outside [0, %d)", label, i, numClasses)
		}
		out[i*numClasses+int(label)] = 1
	}
	return out, nil
}

// Argmax returns the predicted class per sample from flat probabilities
// shaped [batchSize, numClasses].
func Argmax(probs []float32, batchSize, numClasses int) ([]int32, error) {
	if len(probs) != batchSize*numClasses {
		return nil, fmt.Errorf("probabilities have %d elements, expected %d", len(probs), batchSize*numClasses)
	}

	out := make([]int32, batchSize)
	for i := 0; i < batchSize; i++ {
		best := 0
		bestVal := probs[i*numClasses]
		for j := 1; j < numClasses; j++ {
			if v := probs[i*numClasses+j]; v > bestVal {
				bestVal = v
				best = j
			}
		}
		out[i] = int32(best)
	}
	return out, nil
}

// CountCorrect compares argmax predictions against true labels.
func CountCorrect(probs []float32, labels []int32, batchSize, numClasses int) (int, error) {
	if len(labels) != batchSize {
		return 0, fmt.Errorf("labels have %d elements, expected %d", len(labels), batchSize)
	}
	preds, err := Argmax(probs, batchSize, numClasses)
	if err != nil {
		return 0, err
	}

	correct := 0
	for i, p := range preds {
		if p == labels[i] {
			correct++
		}
	}
	return correct, nil
}
