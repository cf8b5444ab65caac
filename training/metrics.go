package training

import (
	"fmt"
	"strings"
)

// ConfusionMatrix accumulates classification results for evaluation.
// Rows are true classes, columns predicted classes.
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int
	TotalSamples int
	ClassNames   []string
}

// ClassMetrics holds per-class evaluation results.
type ClassMetrics struct {
	Precision float64
	Recall    float64
	F1        float64
	Support   int
}

// NewConfusionMatrix creates an empty confusion matrix. Class names default
// to the numeric labels "0".."N-1".
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	names := make([]string, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
		names[i] = fmt.Sprintf("%d", i)
	}
	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
		ClassNames: names,
	}
}

// Reset clears all accumulated counts.
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// UpdateFromPredictions adds a batch of softmax outputs to the matrix. The
// predicted class per sample is the argmax over numClasses probabilities.
func (cm *ConfusionMatrix) UpdateFromPredictions(predictions []float32, trueLabels []int32, batchSize, numClasses int) error {
	if numClasses != cm.NumClasses {
		return fmt.Errorf("class count mismatch: expected %d, got %d", cm.NumClasses, numClasses)
	}
	if len(trueLabels) != batchSize {
		return fmt.Errorf("labels length mismatch: expected %d, got %d", batchSize, len(trueLabels))
	}

	preds, err := Argmax(predictions, batchSize, numClasses)
	if err != nil {
		return err
	}

	for i := 0; i < batchSize; i++ {
		trueClass := int(trueLabels[i])
		if trueClass < 0 || trueClass >= cm.NumClasses {
			return fmt.Errorf("label %d at index %d outside [0, %d)", trueClass, i, cm.NumClasses)
		}
		cm.Matrix[trueClass][int(preds[i])]++
		cm.TotalSamples++
	}
	return nil
}

// Accuracy returns the overall fraction of correct predictions.
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// PerClassMetrics computes precision, recall, F1 and support for each class.
// Classes with no predicted samples get zero precision; classes with no true
// samples get zero recall.
func (cm *ConfusionMatrix) PerClassMetrics() []ClassMetrics {
	metrics := make([]ClassMetrics, cm.NumClasses)
	for c := 0; c < cm.NumClasses; c++ {
		tp := cm.Matrix[c][c]
		predicted, actual := 0, 0
		for i := 0; i < cm.NumClasses; i++ {
			predicted += cm.Matrix[i][c]
			actual += cm.Matrix[c][i]
		}

		m := ClassMetrics{Support: actual}
		if predicted > 0 {
			m.Precision = float64(tp) / float64(predicted)
		}
		if actual > 0 {
			m.Recall = float64(tp) / float64(actual)
		}
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		metrics[c] = m
	}
	return metrics
}

// MacroMetrics returns the unweighted mean of per-class precision, recall
// and F1.
func (cm *ConfusionMatrix) MacroMetrics() (precision, recall, f1 float64) {
	if cm.NumClasses == 0 {
		return 0, 0, 0
	}
	for _, m := range cm.PerClassMetrics() {
		precision += m.Precision
		recall += m.Recall
		f1 += m.F1
	}
	n := float64(cm.NumClasses)
	return precision / n, recall / n, f1 / n
}

// Report formats a classification report with per-class rows and macro
// averages.
func (cm *ConfusionMatrix) Report() string {
	var sb strings.Builder

	nameWidth := 5
	for _, name := range cm.ClassNames {
		if len(name) > nameWidth {
			nameWidth = len(name)
		}
	}

	sb.WriteString(fmt.Sprintf("%*s  %9s  %9s  %9s  %9s\n", nameWidth, "", "precision", "recall", "f1-score", "support"))
	sb.WriteString("\n")
	for c, m := range cm.PerClassMetrics() {
		sb.WriteString(fmt.Sprintf("%*s  %9.4f  %9.4f  %9.4f  %9d\n",
			nameWidth, cm.ClassNames[c], m.Precision, m.Recall, m.F1, m.Support))
	}

	precision, recall, f1 := cm.MacroMetrics()
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("%*s  %9s  %9s  %9.4f  %9d\n",
		nameWidth, "accuracy", "", "", cm.Accuracy(), cm.TotalSamples))
	sb.WriteString(fmt.Sprintf("%*s  %9.4f  %9.4f  %9.4f  %9d\n",
		nameWidth, "macro avg", precision, recall, f1, cm.TotalSamples))
	return sb.String()
}

// String renders the raw matrix as a grid with true classes as rows.
func (cm *ConfusionMatrix) String() string {
	var sb strings.Builder
	sb.WriteString("true\\pred")
	for _, name := range cm.ClassNames {
		sb.WriteString(fmt.Sprintf("%8s", name))
	}
	sb.WriteString("\n")
	for i, row := range cm.Matrix {
		sb.WriteString(fmt.Sprintf("%9s", cm.ClassNames[i]))
		for _, v := range row {
			sb.WriteString(fmt.Sprintf("%8d", v))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
