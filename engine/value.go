// Package engine implements reverse-mode automatic differentiation over
// scalar values.
//
// Arithmetic on Values records a computation graph in an append-only arena
// (Graph). Backward walks the graph from an output node and accumulates the
// partial derivative of that output into every ancestor's gradient.
//
// A Graph is not safe for concurrent use. Gradient accumulation depends on
// nodes being replayed in strict reverse topological order on one goroutine.
package engine

import (
	"fmt"
)

// Op identifies the rule that produced a node and therefore the rule used
// to propagate its gradient.
type Op uint8

const (
	OpLeaf Op = iota
	OpAdd
	OpMul
	OpPow
	OpReLU
	OpTanh
	OpSigmoid
)

func (o Op) String() string {
	switch o {
	case OpLeaf:
		return ""
	case OpAdd:
		return "+"
	case OpMul:
		return "*"
	case OpPow:
		return "**"
	case OpReLU:
		return "ReLU"
	case OpTanh:
		return "tanh"
	case OpSigmoid:
		return "sigmoid"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// arity returns the number of operands a node with this op carries, or -1
// for an undeclared op.
func (o Op) arity() int {
	switch o {
	case OpLeaf:
		return 0
	case OpAdd, OpMul:
		return 2
	case OpPow, OpReLU, OpTanh, OpSigmoid:
		return 1
	default:
		return -1
	}
}

// node is one arena entry. Only grad and act change after construction.
type node struct {
	data     float64
	grad     float64
	op       Op
	arity    uint8
	operands [2]int32
	exponent float64 // OpPow only
	act      Activation
}

// Graph is an append-only arena of nodes. Operands always refer to earlier
// entries, so graphs built through this package are acyclic.
type Graph struct {
	nodes []node
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{}
}

// Len returns the number of nodes recorded so far.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Scalar appends a leaf holding x with a zero gradient.
func (g *Graph) Scalar(x float64) Value {
	return g.push(node{data: x})
}

// ScalarAs appends a leaf holding x whose Activate applies act.
func (g *Graph) ScalarAs(x float64, act Activation) Value {
	return g.push(node{data: x, act: act})
}

// Values returns a handle for every node in insertion order.
func (g *Graph) Values() []Value {
	out := make([]Value, len(g.nodes))
	for i := range g.nodes {
		out[i] = Value{g: g, id: int32(i)}
	}
	return out
}

// ZeroGrad resets the gradient of every node in the graph.
func (g *Graph) ZeroGrad() {
	for i := range g.nodes {
		g.nodes[i].grad = 0
	}
}

func (g *Graph) push(n node) Value {
	g.nodes = append(g.nodes, n)
	return Value{g: g, id: int32(len(g.nodes) - 1)}
}

// Value is a handle to one node of a Graph. Values are compared by
// identity: two handles are equal only if they name the same arena entry,
// regardless of the numbers they hold.
type Value struct {
	g  *Graph
	id int32
}

func (v Value) node() *node {
	if v.g == nil {
		panic("engine: use of zero Value")
	}
	return &v.g.nodes[v.id]
}

// Valid reports whether v refers to a node.
func (v Value) Valid() bool {
	return v.g != nil && int(v.id) < len(v.g.nodes)
}

// Graph returns the arena v belongs to.
func (v Value) Graph() *Graph { return v.g }

// ID returns v's arena index.
func (v Value) ID() int { return int(v.id) }

// Data returns the forward value.
func (v Value) Data() float64 { return v.node().data }

// Grad returns the accumulated gradient.
func (v Value) Grad() float64 { return v.node().grad }

// SetGrad overwrites the gradient. Optimizers and modules use it to reset
// parameters between passes.
func (v Value) SetGrad(grad float64) { v.node().grad = grad }

// ZeroGrad resets the gradient to zero.
func (v Value) ZeroGrad() { v.node().grad = 0 }

// Op returns the operation that produced v.
func (v Value) Op() Op { return v.node().op }

// Exponent returns the constant exponent of an OpPow node and zero
// otherwise.
func (v Value) Exponent() float64 { return v.node().exponent }

// Activation returns the kind Activate applies to v.
func (v Value) Activation() Activation { return v.node().act }

// As sets the kind Activate applies to v and returns v. It works on any
// node, so an arithmetic result can carry its own nonlinearity. The
// forward value is unchanged.
func (v Value) As(kind Activation) Value {
	if !kind.Valid() {
		panic(fmt.Sprintf("engine: As called with undeclared activation %d", uint8(kind)))
	}
	v.node().act = kind
	return v
}

// IsLeaf reports whether v has no operands.
func (v Value) IsLeaf() bool { return v.node().arity == 0 }

// Operands returns the nodes v was derived from, in operand order.
func (v Value) Operands() []Value {
	n := v.node()
	out := make([]Value, n.arity)
	for i := range out {
		out[i] = Value{g: v.g, id: n.operands[i]}
	}
	return out
}

func (v Value) String() string {
	if v.g == nil {
		return "Value(<nil>)"
	}
	n := v.node()
	return fmt.Sprintf("Value(data=%g, grad=%g)", n.data, n.grad)
}

// ZeroGrad resets the gradient of each listed node.
func ZeroGrad(vals ...Value) {
	for _, v := range vals {
		v.ZeroGrad()
	}
}
