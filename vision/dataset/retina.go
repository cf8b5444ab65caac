package dataset

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// RetinaDataset represents a retinopathy grading dataset loaded from a
// directory structure where each severity grade has its own numeric
// subdirectory ("0" through numClasses-1).
type RetinaDataset struct {
	imagePaths []string
	labels     []int
	numClasses int
	skipped    int
}

var defaultExtensions = []string{".jpg", ".jpeg", ".png", ".bmp"}

// NewRetinaDataset creates a dataset from a class-per-subdirectory layout.
// A missing class folder is reported with a warning and contributes zero
// samples; it is not a hard failure. Files with unrecognized extensions are
// skipped and counted.
func NewRetinaDataset(root string, numClasses int, extensions []string) (*RetinaDataset, error) {
	if numClasses <= 0 {
		return nil, fmt.Errorf("numClasses must be positive, got %d", numClasses)
	}
	if len(extensions) == 0 {
		extensions = defaultExtensions
	}

	valid := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		valid[strings.ToLower(ext)] = true
	}

	ds := &RetinaDataset{numClasses: numClasses}

	for class := 0; class < numClasses; class++ {
		classDir := filepath.Join(root, strconv.Itoa(class))
		entries, err := os.ReadDir(classDir)
		if err != nil {
			log.Printf("Warning: class folder %s not found, class %d contributes no samples", classDir, class)
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if !valid[strings.ToLower(filepath.Ext(entry.Name()))] {
				ds.skipped++
				continue
			}
			ds.imagePaths = append(ds.imagePaths, filepath.Join(classDir, entry.Name()))
			ds.labels = append(ds.labels, class)
		}
	}

	return ds, nil
}

// Len returns the number of items in the dataset.
func (d *RetinaDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index.
func (d *RetinaDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// NumClasses returns the configured number of severity grades.
func (d *RetinaDataset) NumClasses() int {
	return d.numClasses
}

// SkippedFiles returns how many files were dropped during loading because
// they did not carry a recognized image extension.
func (d *RetinaDataset) SkippedFiles() int {
	return d.skipped
}

// ClassDistribution returns the number of samples per grade.
func (d *RetinaDataset) ClassDistribution() map[int]int {
	dist := make(map[int]int)
	for _, label := range d.labels {
		dist[label]++
	}
	return dist
}

// StratifiedSplit partitions the dataset into train and test sets while
// preserving per-class proportions. The shuffle is driven by the given seed,
// so the same dataset and seed always produce the same partition. A present
// class with fewer than 2 samples cannot be stratified and is an error.
func (d *RetinaDataset) StratifiedSplit(trainRatio float64, seed int64) (*RetinaDataset, *RetinaDataset, error) {
	if trainRatio <= 0 || trainRatio >= 1 {
		return nil, nil, fmt.Errorf("trainRatio must be in (0, 1), got %v", trainRatio)
	}

	byClass := make(map[int][]int)
	for i, label := range d.labels {
		byClass[label] = append(byClass[label], i)
	}

	rng := rand.New(rand.NewSource(seed))

	var trainIdx, testIdx []int
	// Deterministic class order so the seed fully determines the partition.
	classes := make([]int, 0, len(byClass))
	for class := range byClass {
		classes = append(classes, class)
	}
	sort.Ints(classes)

	for _, class := range classes {
		indices := byClass[class]
		if len(indices) < 2 {
			return nil, nil, fmt.Errorf("class %d has %d samples, need at least 2 to stratify", class, len(indices))
		}
		rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
		n := int(float64(len(indices)) * trainRatio)
		if n == 0 {
			n = 1
		}
		if n == len(indices) {
			n = len(indices) - 1
		}
		trainIdx = append(trainIdx, indices[:n]...)
		testIdx = append(testIdx, indices[n:]...)
	}

	return d.Subset(trainIdx), d.Subset(testIdx), nil
}

// Subset creates a subset of the dataset with the specified indices.
func (d *RetinaDataset) Subset(indices []int) *RetinaDataset {
	subset := &RetinaDataset{
		imagePaths: make([]string, len(indices)),
		labels:     make([]int, len(indices)),
		numClasses: d.numClasses,
	}
	for i, idx := range indices {
		subset.imagePaths[i] = d.imagePaths[idx]
		subset.labels[i] = d.labels[idx]
	}
	return subset
}

// Labels returns a copy of the integer label sequence.
func (d *RetinaDataset) Labels() []int {
	out := make([]int, len(d.labels))
	copy(out, d.labels)
	return out
}

// Summary returns a one-line description plus per-grade counts.
func (d *RetinaDataset) Summary() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("RetinaDataset: %d samples, %d grades", len(d.imagePaths), d.numClasses))
	if d.skipped > 0 {
		sb.WriteString(fmt.Sprintf(" (%d files skipped)", d.skipped))
	}
	sb.WriteString("\n")

	dist := d.ClassDistribution()
	for class := 0; class < d.numClasses; class++ {
		sb.WriteString(fmt.Sprintf("  grade %d: %d samples\n", class, dist[class]))
	}
	return sb.String()
}
