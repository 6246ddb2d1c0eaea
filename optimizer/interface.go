// Package optimizer updates trainable scalars from their accumulated
// gradients.
package optimizer

import (
	"fmt"
	"strings"

	"github.com/mesograd/mesograd/checkpoints"
)

// Parameter is a trainable scalar. layers.Param satisfies it.
type Parameter interface {
	Weight() float64
	Gradient() float64
	SetWeight(w float64)
}

// Params converts a typed parameter slice for Step.
func Params[P Parameter](ps []P) []Parameter {
	out := make([]Parameter, len(ps))
	for i, p := range ps {
		out[i] = p
	}
	return out
}

// Optimizer defines the common interface for all optimizers
// This interface enables state save/restore for checkpoint functionality
type Optimizer interface {
	// Step performs a single optimization step
	// params must be passed in the same order on every call
	Step(params []Parameter) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)

	// GetLearningRate returns the current learning rate
	GetLearningRate() float64
}

// OptimizerState is the serialized form stored in checkpoints
type OptimizerState = checkpoints.OptimizerState

// Config selects and parameterizes one optimizer.
type Config struct {
	Type         string
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	Alpha        float64
	Centered     bool
}

// New creates the optimizer named by config.Type ("sgd", "adam" or
// "rmsprop") for n parameters. Zero hyperparameters other than momentum and
// weight decay fall back to that optimizer's defaults.
func New(config Config, n int) (Optimizer, error) {
	switch strings.ToLower(config.Type) {
	case "sgd", "":
		c := DefaultSGDConfig()
		if config.LearningRate != 0 {
			c.LearningRate = config.LearningRate
		}
		c.Momentum = config.Momentum
		c.WeightDecay = config.WeightDecay
		c.Nesterov = config.Nesterov
		return NewSGD(c, n)
	case "adam":
		c := DefaultAdamConfig()
		if config.LearningRate != 0 {
			c.LearningRate = config.LearningRate
		}
		if config.Beta1 != 0 {
			c.Beta1 = config.Beta1
		}
		if config.Beta2 != 0 {
			c.Beta2 = config.Beta2
		}
		if config.Epsilon != 0 {
			c.Epsilon = config.Epsilon
		}
		c.WeightDecay = config.WeightDecay
		return NewAdam(c, n)
	case "rmsprop":
		c := DefaultRMSPropConfig()
		if config.LearningRate != 0 {
			c.LearningRate = config.LearningRate
		}
		if config.Alpha != 0 {
			c.Alpha = config.Alpha
		}
		if config.Epsilon != 0 {
			c.Epsilon = config.Epsilon
		}
		c.Momentum = config.Momentum
		c.WeightDecay = config.WeightDecay
		c.Centered = config.Centered
		return NewRMSProp(c, n)
	default:
		return nil, fmt.Errorf("unknown optimizer type %q", config.Type)
	}
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state cannot be nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

func checkParams(params []Parameter, n int) error {
	if len(params) != n {
		return fmt.Errorf("expected %d parameters, got %d", n, len(params))
	}
	return nil
}
