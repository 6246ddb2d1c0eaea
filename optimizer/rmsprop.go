package optimizer

import (
	"fmt"
	"math"

	"github.com/mesograd/mesograd/checkpoints"
)

// RMSPropOptimizerState holds RMSProp hyperparameters and running averages
type RMSPropOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Alpha        float64 // Smoothing constant (typically 0.99)
	Epsilon      float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float64 // L2 regularization coefficient
	Momentum     float64 // Momentum coefficient (0.0 for no momentum)
	Centered     bool    // Whether to use centered RMSProp (subtract mean of gradients)

	SquaredGradAvgBuffers []float64 // Running average of squared gradients
	MomentumBuffers       []float64 // Only if momentum > 0
	GradientAvgBuffers    []float64 // Only if centered

	// Step tracking
	StepCount uint64
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float64
	Alpha        float64
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64
	Centered     bool
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
		Centered:     false,
	}
}

// NewRMSProp creates an RMSProp optimizer for n parameters
func NewRMSProp(config RMSPropConfig, n int) (*RMSPropOptimizerState, error) {
	if n <= 0 {
		return nil, fmt.Errorf("parameter count must be positive, got %d", n)
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Alpha < 0 || config.Alpha >= 1 {
		return nil, fmt.Errorf("alpha must be in [0, 1): %f", config.Alpha)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %g", config.Epsilon)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	rms := &RMSPropOptimizerState{
		LearningRate:          config.LearningRate,
		Alpha:                 config.Alpha,
		Epsilon:               config.Epsilon,
		WeightDecay:           config.WeightDecay,
		Momentum:              config.Momentum,
		Centered:              config.Centered,
		SquaredGradAvgBuffers: make([]float64, n),
	}
	if config.Momentum > 0 {
		rms.MomentumBuffers = make([]float64, n)
	}
	if config.Centered {
		rms.GradientAvgBuffers = make([]float64, n)
	}
	return rms, nil
}

// Step performs a single RMSProp step
func (rms *RMSPropOptimizerState) Step(params []Parameter) error {
	if err := checkParams(params, len(rms.SquaredGradAvgBuffers)); err != nil {
		return err
	}

	rms.StepCount++

	for i, p := range params {
		w := p.Weight()
		g := p.Gradient() + rms.WeightDecay*w

		sq := rms.Alpha*rms.SquaredGradAvgBuffers[i] + (1-rms.Alpha)*g*g
		rms.SquaredGradAvgBuffers[i] = sq

		avg := sq
		if rms.Centered {
			ga := rms.Alpha*rms.GradientAvgBuffers[i] + (1-rms.Alpha)*g
			rms.GradientAvgBuffers[i] = ga
			avg -= ga * ga
		}
		update := g / (math.Sqrt(avg) + rms.Epsilon)

		if rms.Momentum > 0 {
			buf := rms.Momentum*rms.MomentumBuffers[i] + update
			rms.MomentumBuffers[i] = buf
			update = buf
		}

		p.SetWeight(w - rms.LearningRate*update)
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (rms *RMSPropOptimizerState) UpdateLearningRate(newLR float64) {
	rms.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (rms *RMSPropOptimizerState) GetLearningRate() float64 {
	return rms.LearningRate
}

// GetStepCount returns the current step count
func (rms *RMSPropOptimizerState) GetStepCount() uint64 {
	return rms.StepCount
}

// GetState extracts optimizer state for checkpointing
func (rms *RMSPropOptimizerState) GetState() (*OptimizerState, error) {
	stateData := []checkpoints.OptimizerTensor{
		extractBufferState(rms.SquaredGradAvgBuffers, "squared_grad_avg"),
	}
	if rms.Momentum > 0 {
		stateData = append(stateData, extractBufferState(rms.MomentumBuffers, "momentum"))
	}
	if rms.Centered {
		stateData = append(stateData, extractBufferState(rms.GradientAvgBuffers, "gradient_avg"))
	}

	return &OptimizerState{
		Type: "RMSProp",
		Parameters: map[string]interface{}{
			"learning_rate": rms.LearningRate,
			"alpha":         rms.Alpha,
			"epsilon":       rms.Epsilon,
			"weight_decay":  rms.WeightDecay,
			"momentum":      rms.Momentum,
			"centered":      rms.Centered,
			"step_count":    rms.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (rms *RMSPropOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("RMSProp", state); err != nil {
		return err
	}

	n := len(rms.SquaredGradAvgBuffers)
	rms.LearningRate = extractFloatParam(state.Parameters, "learning_rate", rms.LearningRate)
	rms.Alpha = extractFloatParam(state.Parameters, "alpha", rms.Alpha)
	rms.Epsilon = extractFloatParam(state.Parameters, "epsilon", rms.Epsilon)
	rms.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", rms.WeightDecay)
	rms.Momentum = extractFloatParam(state.Parameters, "momentum", rms.Momentum)
	rms.Centered = extractBoolParam(state.Parameters, "centered", rms.Centered)
	rms.StepCount = extractUint64Param(state.Parameters, "step_count", rms.StepCount)

	buffers := map[string][]float64{"squared_grad_avg": rms.SquaredGradAvgBuffers}
	if rms.Momentum > 0 {
		if len(rms.MomentumBuffers) != n {
			rms.MomentumBuffers = make([]float64, n)
		}
		buffers["momentum"] = rms.MomentumBuffers
	}
	if rms.Centered {
		if len(rms.GradientAvgBuffers) != n {
			rms.GradientAvgBuffers = make([]float64, n)
		}
		buffers["gradient_avg"] = rms.GradientAvgBuffers
	}
	return restoreBuffers(state.StateData, buffers)
}
