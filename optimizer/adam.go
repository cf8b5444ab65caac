package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-retina/checkpoints"
)

// AdamConfig holds hyperparameters for the Adam optimizer.
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns the standard Adam hyperparameters.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// AdamOptimizer implements Adam with bias correction. First and second
// moment buffers are allocated lazily on the first Step, sized to the
// parameter tensors it is given.
type AdamOptimizer struct {
	config    AdamConfig
	stepCount uint64

	momentum [][]float32
	variance [][]float32
}

// NewAdamOptimizer creates an Adam optimizer with the given configuration.
func NewAdamOptimizer(config AdamConfig) (*AdamOptimizer, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1), got %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1), got %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %f", config.Epsilon)
	}
	return &AdamOptimizer{config: config}, nil
}

func (a *AdamOptimizer) ensureState(params [][]float32) error {
	if a.momentum == nil {
		a.momentum = make([][]float32, len(params))
		a.variance = make([][]float32, len(params))
		for i, p := range params {
			a.momentum[i] = make([]float32, len(p))
			a.variance[i] = make([]float32, len(p))
		}
		return nil
	}
	if len(a.momentum) != len(params) {
		return fmt.Errorf("optimizer tracks %d tensors, got %d", len(a.momentum), len(params))
	}
	for i, p := range params {
		if len(a.momentum[i]) != len(p) {
			return fmt.Errorf("tensor %d has %d elements, optimizer state has %d", i, len(p), len(a.momentum[i]))
		}
	}
	return nil
}

// Step performs a single Adam update on the parameter tensors.
func (a *AdamOptimizer) Step(params, grads [][]float32) error {
	if len(params) != len(grads) {
		return fmt.Errorf("got %d parameter tensors but %d gradient tensors", len(params), len(grads))
	}
	if err := a.ensureState(params); err != nil {
		return err
	}

	a.stepCount++
	beta1 := float64(a.config.Beta1)
	beta2 := float64(a.config.Beta2)
	correction1 := 1 - math.Pow(beta1, float64(a.stepCount))
	correction2 := 1 - math.Pow(beta2, float64(a.stepCount))
	lr := float64(a.config.LearningRate)
	eps := float64(a.config.Epsilon)
	decay := float64(a.config.WeightDecay)

	for i, p := range params {
		g := grads[i]
		if len(g) != len(p) {
			return fmt.Errorf("tensor %d: %d gradients for %d parameters", i, len(g), len(p))
		}
		m := a.momentum[i]
		v := a.variance[i]

		for j := range p {
			grad := float64(g[j])
			if decay != 0 {
				grad += decay * float64(p[j])
			}

			mj := beta1*float64(m[j]) + (1-beta1)*grad
			vj := beta2*float64(v[j]) + (1-beta2)*grad*grad
			m[j] = float32(mj)
			v[j] = float32(vj)

			mHat := mj / correction1
			vHat := vj / correction2
			p[j] -= float32(lr * mHat / (math.Sqrt(vHat) + eps))
		}
	}
	return nil
}

// GetState extracts the complete optimizer state for checkpointing.
func (a *AdamOptimizer) GetState() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": a.config.LearningRate,
			"beta1":         a.config.Beta1,
			"beta2":         a.config.Beta2,
			"epsilon":       a.config.Epsilon,
			"weight_decay":  a.config.WeightDecay,
			"step_count":    a.stepCount,
		},
	}

	for i := range a.momentum {
		state.StateData = append(state.StateData,
			checkpoints.OptimizerTensor{
				Name:      fmt.Sprintf("momentum_%d", i),
				Shape:     []int{len(a.momentum[i])},
				Data:      cloneSlice(a.momentum[i]),
				StateType: "momentum",
			},
			checkpoints.OptimizerTensor{
				Name:      fmt.Sprintf("variance_%d", i),
				Shape:     []int{len(a.variance[i])},
				Data:      cloneSlice(a.variance[i]),
				StateType: "variance",
			})
	}
	return state, nil
}

// LoadState restores optimizer state from a checkpoint.
func (a *AdamOptimizer) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	if sc, ok := state.Parameters["step_count"]; ok {
		switch v := sc.(type) {
		case uint64:
			a.stepCount = v
		case float64:
			a.stepCount = uint64(v)
		default:
			return fmt.Errorf("unexpected step_count type %T", sc)
		}
	}

	var momentum, variance [][]float32
	for _, tensor := range state.StateData {
		data := cloneSlice(tensor.Data)
		switch tensor.StateType {
		case "momentum":
			momentum = append(momentum, data)
		case "variance":
			variance = append(variance, data)
		default:
			return fmt.Errorf("unexpected state tensor type %q", tensor.StateType)
		}
	}
	if len(momentum) != len(variance) {
		return fmt.Errorf("state has %d momentum tensors but %d variance tensors", len(momentum), len(variance))
	}

	a.momentum = momentum
	a.variance = variance
	return nil
}

// GetStepCount returns the number of optimization steps taken.
func (a *AdamOptimizer) GetStepCount() uint64 {
	return a.stepCount
}

// UpdateLearningRate sets a new learning rate.
func (a *AdamOptimizer) UpdateLearningRate(lr float32) {
	a.config.LearningRate = lr
}

func cloneSlice(s []float32) []float32 {
	out := make([]float32, len(s))
	copy(out, s)
	return out
}
