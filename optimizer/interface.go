package optimizer

import (
	"fmt"

	"github.com/tsawler/go-retina/checkpoints"
)

// Optimizer defines the common interface for all optimizers. The interface
// enables state save/restore for checkpoint functionality.
type Optimizer interface {
	// Step applies one optimization step. params and grads are parallel
	// slices; each parameter tensor is updated in place.
	Step(params, grads [][]float32) error

	// GetState extracts optimizer state for checkpointing.
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint.
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number.
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate.
	UpdateLearningRate(lr float32)
}

// validateStateType ensures the state type matches the optimizer.
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
