package optimizer

import (
	"fmt"

	"github.com/mesograd/mesograd/checkpoints"
)

// SGDOptimizerState holds SGD hyperparameters and per-parameter momentum
type SGDOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Momentum     float64 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float64 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum

	// Momentum buffers (only if momentum > 0)
	MomentumBuffers []float64

	// Step tracking
	StepCount uint64

	numParams int
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGD creates an SGD optimizer for n parameters
func NewSGD(config SGDConfig, n int) (*SGDOptimizerState, error) {
	if n <= 0 {
		return nil, fmt.Errorf("parameter count must be positive, got %d", n)
	}

	// Validate configuration parameters
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires a positive momentum")
	}

	sgd := &SGDOptimizerState{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		numParams:    n,
	}
	if config.Momentum > 0 {
		sgd.MomentumBuffers = make([]float64, n)
	}
	return sgd, nil
}

// Step performs a single SGD optimization step:
//
//	g = grad + weight_decay*w
//	buf = momentum*buf + g
//	w -= lr * (g + momentum*buf)   with Nesterov
//	w -= lr * buf                  otherwise
func (sgd *SGDOptimizerState) Step(params []Parameter) error {
	if err := checkParams(params, sgd.numParams); err != nil {
		return err
	}

	sgd.StepCount++

	for i, p := range params {
		w := p.Weight()
		g := p.Gradient() + sgd.WeightDecay*w

		if sgd.Momentum > 0 {
			buf := sgd.Momentum*sgd.MomentumBuffers[i] + g
			sgd.MomentumBuffers[i] = buf
			if sgd.Nesterov {
				g += sgd.Momentum * buf
			} else {
				g = buf
			}
		}

		p.SetWeight(w - sgd.LearningRate*g)
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float64) {
	sgd.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (sgd *SGDOptimizerState) GetLearningRate() float64 {
	return sgd.LearningRate
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 1)
	if sgd.Momentum > 0 {
		stateData = append(stateData, extractBufferState(sgd.MomentumBuffers, "momentum"))
	}

	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	// Restore hyperparameters
	sgd.LearningRate = extractFloatParam(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = extractFloatParam(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)

	if sgd.Momentum > 0 && len(sgd.MomentumBuffers) != sgd.numParams {
		sgd.MomentumBuffers = make([]float64, sgd.numParams)
	}
	buffers := map[string][]float64{}
	if sgd.Momentum > 0 {
		buffers["momentum"] = sgd.MomentumBuffers
	}
	return restoreBuffers(state.StateData, buffers)
}
