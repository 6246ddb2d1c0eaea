package optimizer

import (
	"fmt"
	"math"

	"github.com/mesograd/mesograd/checkpoints"
)

// AdamOptimizerState holds Adam hyperparameters and moment estimates
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Beta1        float64 // Momentum decay (typically 0.9)
	Beta2        float64 // Variance decay (typically 0.999)
	Epsilon      float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float64 // L2 regularization coefficient

	MomentumBuffers []float64 // First moment per parameter
	VarianceBuffers []float64 // Second moment per parameter

	// Step tracking for bias correction
	StepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdam creates an Adam optimizer for n parameters
func NewAdam(config AdamConfig, n int) (*AdamOptimizerState, error) {
	if n <= 0 {
		return nil, fmt.Errorf("parameter count must be positive, got %d", n)
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1): %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %g", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	return &AdamOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: make([]float64, n),
		VarianceBuffers: make([]float64, n),
	}, nil
}

// Step performs a single Adam step with bias-corrected moments
func (adam *AdamOptimizerState) Step(params []Parameter) error {
	if err := checkParams(params, len(adam.MomentumBuffers)); err != nil {
		return err
	}

	adam.StepCount++
	t := float64(adam.StepCount)
	bias1 := 1 - math.Pow(adam.Beta1, t)
	bias2 := 1 - math.Pow(adam.Beta2, t)

	for i, p := range params {
		w := p.Weight()
		g := p.Gradient() + adam.WeightDecay*w

		m := adam.Beta1*adam.MomentumBuffers[i] + (1-adam.Beta1)*g
		v := adam.Beta2*adam.VarianceBuffers[i] + (1-adam.Beta2)*g*g
		adam.MomentumBuffers[i] = m
		adam.VarianceBuffers[i] = v

		mHat := m / bias1
		vHat := v / bias2
		p.SetWeight(w - adam.LearningRate*mHat/(math.Sqrt(vHat)+adam.Epsilon))
	}
	return nil
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float64) {
	adam.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (adam *AdamOptimizerState) GetLearningRate() float64 {
	return adam.LearningRate
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.StepCount,
		},
		StateData: []checkpoints.OptimizerTensor{
			extractBufferState(adam.MomentumBuffers, "momentum"),
			extractBufferState(adam.VarianceBuffers, "variance"),
		},
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.LearningRate = extractFloatParam(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloatParam(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloatParam(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloatParam(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)

	return restoreBuffers(state.StateData, map[string][]float64{
		"momentum": adam.MomentumBuffers,
		"variance": adam.VarianceBuffers,
	})
}
