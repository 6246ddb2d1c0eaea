package layers

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/mesograd/mesograd/engine"
)

// LayerSpec defines one fully connected layer as configuration only
type LayerSpec struct {
	Name       string            `json:"name"`
	Inputs     int               `json:"inputs"`
	Outputs    int               `json:"outputs"`
	Activation engine.Activation `json:"activation"`

	// Computed during compilation
	ParameterCount int64 `json:"parameter_count,omitempty"`
}

// NonLinear reports whether the layer applies an activation
func (ls LayerSpec) NonLinear() bool {
	return ls.Activation != engine.ActLinear
}

// ModelSpec defines a complete multi-layer perceptron as layer configuration
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	Inputs          int   `json:"inputs"`
	Outputs         int   `json:"outputs"`
	TotalParameters int64 `json:"total_parameters"`
	Compiled        bool  `json:"compiled"`
}

// ModelBuilder provides a fluent interface for building MLP specifications
type ModelBuilder struct {
	inputs   int
	layers   []LayerSpec
	compiled bool
}

// NewModelBuilder creates a new model builder for nin inputs
func NewModelBuilder(nin int) *ModelBuilder {
	return &ModelBuilder{
		inputs: nin,
		layers: make([]LayerSpec, 0),
	}
}

// AddDense adds a fully connected layer of nout neurons applying act
func (mb *ModelBuilder) AddDense(nout int, act engine.Activation, name string) *ModelBuilder {
	if name == "" {
		name = fmt.Sprintf("layer%d", len(mb.layers))
	}
	mb.layers = append(mb.layers, LayerSpec{
		Name:       name,
		Outputs:    nout,
		Activation: act,
	})
	return mb
}

// AddLinear adds a fully connected layer without activation
func (mb *ModelBuilder) AddLinear(nout int, name string) *ModelBuilder {
	return mb.AddDense(nout, engine.ActLinear, name)
}

// Compile validates the layer stack and computes parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if mb.inputs <= 0 {
		return nil, fmt.Errorf("input size must be positive, got %d", mb.inputs)
	}
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}

	model := &ModelSpec{
		Layers: make([]LayerSpec, len(mb.layers)),
		Inputs: mb.inputs,
	}
	copy(model.Layers, mb.layers)

	current := mb.inputs
	total := int64(0)
	for i := range model.Layers {
		layer := &model.Layers[i]
		if layer.Outputs <= 0 {
			return nil, fmt.Errorf("layer %d (%s): output size must be positive, got %d", i, layer.Name, layer.Outputs)
		}
		if !layer.Activation.Valid() {
			return nil, fmt.Errorf("layer %d (%s): unknown activation %d", i, layer.Name, layer.Activation)
		}

		layer.Inputs = current
		// one weight per input plus a bias, per neuron
		layer.ParameterCount = int64(layer.Outputs) * int64(current+1)
		total += layer.ParameterCount
		current = layer.Outputs
	}

	model.Outputs = current
	model.TotalParameters = total
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

// Build instantiates the compiled spec with weights drawn uniformly from
// [-1, 1) using rng. Biases start at zero.
func (ms *ModelSpec) Build(rng *rand.Rand) (*MLP, error) {
	if !ms.Compiled {
		return nil, fmt.Errorf("model spec must be compiled before building")
	}
	if rng == nil {
		return nil, fmt.Errorf("random source cannot be nil")
	}

	if len(ms.Layers) == 0 {
		return nil, fmt.Errorf("model spec has no layers")
	}
	if first := ms.Layers[0]; first.Inputs != ms.Inputs {
		return nil, fmt.Errorf("layer 0 (%s) expects %d inputs, model declares %d",
			first.Name, first.Inputs, ms.Inputs)
	}

	mlp := &MLP{spec: ms}
	for i, ls := range ms.Layers {
		if i > 0 && ls.Inputs != ms.Layers[i-1].Outputs {
			return nil, fmt.Errorf("layer %d (%s) expects %d inputs, previous layer has %d outputs",
				i, ls.Name, ls.Inputs, ms.Layers[i-1].Outputs)
		}
		mlp.Layers = append(mlp.Layers, newLayer(ls, rng))
	}
	return mlp, nil
}

// Summary returns a human-readable description of the model
func (ms *ModelSpec) Summary() string {
	var sb strings.Builder
	sb.WriteString("Model Summary:\n")
	sb.WriteString(fmt.Sprintf("Inputs: %d\n", ms.Inputs))
	sb.WriteString("Layers:\n")

	for i, layer := range ms.Layers {
		sb.WriteString(fmt.Sprintf("  %d: %s (%d -> %d, %s) params=%d\n",
			i+1, layer.Name, layer.Inputs, layer.Outputs, layer.Activation, layer.ParameterCount))
	}

	sb.WriteString(fmt.Sprintf("Outputs: %d\n", ms.Outputs))
	sb.WriteString(fmt.Sprintf("Total Parameters: %d\n", ms.TotalParameters))
	return sb.String()
}
