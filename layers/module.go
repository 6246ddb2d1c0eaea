// Package layers builds neurons, layers and multi-layer perceptrons on top
// of the scalar autodiff engine.
//
// Parameters live outside any computation graph as plain floats. Every
// forward pass binds them into a caller-supplied engine.Graph, so a step
// graph can be dropped as soon as its gradients have been collected.
package layers

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/mesograd/mesograd/engine"
)

// Param is a named trainable scalar.
type Param struct {
	Name string
	Data float64
	Grad float64

	leaf engine.Value
}

// Bind returns the leaf holding p in g, creating it on first use in g.
func (p *Param) Bind(g *engine.Graph) engine.Value {
	if !p.leaf.Valid() || p.leaf.Graph() != g {
		p.leaf = g.Scalar(p.Data)
	}
	return p.leaf
}

// Leaf returns the node p was last bound to.
func (p *Param) Leaf() engine.Value { return p.leaf }

// Collect moves the gradient of the bound leaf into p.Grad.
func (p *Param) Collect() {
	if !p.leaf.Valid() {
		return
	}
	p.Grad += p.leaf.Grad()
	p.leaf.ZeroGrad()
}

// Weight, Gradient and SetWeight let optimizers update p.
func (p *Param) Weight() float64     { return p.Data }
func (p *Param) Gradient() float64   { return p.Grad }
func (p *Param) SetWeight(w float64) { p.Data = w }

func (p *Param) String() string { return fmt.Sprintf("%s=%g", p.Name, p.Data) }

// Module is anything that owns trainable parameters.
type Module interface {
	Parameters() []*Param
}

// ZeroGrad resets the gradient of every parameter of m and of its bound
// leaf.
func ZeroGrad(m Module) {
	for _, p := range m.Parameters() {
		p.Grad = 0
		if p.leaf.Valid() {
			p.leaf.ZeroGrad()
		}
	}
}

// CollectGrads calls Collect on every parameter of m.
func CollectGrads(m Module) {
	for _, p := range m.Parameters() {
		p.Collect()
	}
}

// Neuron computes act(b + sum(w_i * x_i)).
type Neuron struct {
	W   []*Param
	B   *Param
	Act engine.Activation
}

// NewNeuron creates a neuron with nin weights drawn from [-1, 1) and a zero
// bias. A neuron that is not nonlin uses the identity activation.
func NewNeuron(nin int, nonlin bool, act engine.Activation, rng *rand.Rand) *Neuron {
	if !nonlin {
		act = engine.ActLinear
	}
	n := &Neuron{
		W:   make([]*Param, nin),
		B:   &Param{Name: "b"},
		Act: act,
	}
	for i := range n.W {
		n.W[i] = &Param{Name: fmt.Sprintf("w%d", i), Data: rng.Float64()*2 - 1}
	}
	return n
}

// Forward evaluates the neuron on x, which must belong to g.
func (n *Neuron) Forward(g *engine.Graph, x []engine.Value) (engine.Value, error) {
	if len(x) != len(n.W) {
		return engine.Value{}, fmt.Errorf("neuron expects %d inputs, got %d", len(n.W), len(x))
	}
	act := n.B.Bind(g)
	for i, w := range n.W {
		act = act.Add(w.Bind(g).Mul(x[i]))
	}
	return act.ActivateAs(n.Act), nil
}

func (n *Neuron) Parameters() []*Param {
	params := make([]*Param, 0, len(n.W)+1)
	params = append(params, n.W...)
	return append(params, n.B)
}

func (n *Neuron) String() string {
	return fmt.Sprintf("%sNeuron(%d)", n.Act, len(n.W))
}

// Layer is a row of neurons sharing the same inputs.
type Layer struct {
	Name    string
	Neurons []*Neuron
}

func newLayer(spec LayerSpec, rng *rand.Rand) *Layer {
	l := &Layer{Name: spec.Name, Neurons: make([]*Neuron, spec.Outputs)}
	for i := range l.Neurons {
		n := NewNeuron(spec.Inputs, spec.NonLinear(), spec.Activation, rng)
		for _, p := range n.Parameters() {
			p.Name = fmt.Sprintf("%s.n%d.%s", spec.Name, i, p.Name)
		}
		l.Neurons[i] = n
	}
	return l
}

// Forward evaluates every neuron on x.
func (l *Layer) Forward(g *engine.Graph, x []engine.Value) ([]engine.Value, error) {
	out := make([]engine.Value, len(l.Neurons))
	for i, n := range l.Neurons {
		v, err := n.Forward(g, x)
		if err != nil {
			return nil, fmt.Errorf("%s neuron %d: %w", l.Name, i, err)
		}
		out[i] = v
	}
	return out, nil
}

func (l *Layer) Parameters() []*Param {
	var params []*Param
	for _, n := range l.Neurons {
		params = append(params, n.Parameters()...)
	}
	return params
}

func (l *Layer) String() string {
	parts := make([]string, len(l.Neurons))
	for i, n := range l.Neurons {
		parts[i] = n.String()
	}
	return fmt.Sprintf("Layer of [%s]", strings.Join(parts, ", "))
}

// MLP is a stack of fully connected layers.
type MLP struct {
	Layers []*Layer

	spec *ModelSpec
}

// NewMLP builds the classic perceptron: every layer but the last applies
// act, the last is linear.
func NewMLP(nin int, nouts []int, act engine.Activation, rng *rand.Rand) (*MLP, error) {
	builder := NewModelBuilder(nin)
	for i, nout := range nouts {
		if i == len(nouts)-1 {
			builder.AddLinear(nout, fmt.Sprintf("layer%d", i))
		} else {
			builder.AddDense(nout, act, fmt.Sprintf("layer%d", i))
		}
	}
	spec, err := builder.Compile()
	if err != nil {
		return nil, err
	}
	return spec.Build(rng)
}

// Spec returns the compiled specification the MLP was built from.
func (m *MLP) Spec() *ModelSpec { return m.spec }

// Forward evaluates the network on x, which must belong to g.
func (m *MLP) Forward(g *engine.Graph, x []engine.Value) ([]engine.Value, error) {
	out := x
	for _, l := range m.Layers {
		var err error
		out, err = l.Forward(g, out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Predict lifts raw inputs into a fresh graph and returns raw outputs.
func (m *MLP) Predict(x []float64) ([]float64, error) {
	g := engine.NewGraph()
	in := make([]engine.Value, len(x))
	for i, xi := range x {
		in[i] = g.Scalar(xi)
	}
	out, err := m.Forward(g, in)
	if err != nil {
		return nil, err
	}
	res := make([]float64, len(out))
	for i, o := range out {
		res[i] = o.Data()
	}
	return res, nil
}

func (m *MLP) Parameters() []*Param {
	var params []*Param
	for _, l := range m.Layers {
		params = append(params, l.Parameters()...)
	}
	return params
}

// Weights returns a copy of every parameter value in Parameters order.
func (m *MLP) Weights() []float64 {
	params := m.Parameters()
	out := make([]float64, len(params))
	for i, p := range params {
		out[i] = p.Data
	}
	return out
}

// SetWeights overwrites parameter values in Parameters order.
func (m *MLP) SetWeights(w []float64) error {
	params := m.Parameters()
	if len(w) != len(params) {
		return fmt.Errorf("expected %d weights, got %d", len(params), len(w))
	}
	for i, p := range params {
		p.Data = w[i]
	}
	return nil
}

func (m *MLP) String() string {
	parts := make([]string, len(m.Layers))
	for i, l := range m.Layers {
		parts[i] = l.String()
	}
	return fmt.Sprintf("MLP of [%s]", strings.Join(parts, ", "))
}
