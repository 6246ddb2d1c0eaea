package engine

import (
	"fmt"
	"math"
)

// mustShare panics when o lives in a different arena than v. Mixing graphs
// is a programming error, like writing to a nil map.
func (v Value) mustShare(op string, o Value) {
	if v.g == nil || o.g == nil {
		panic(fmt.Sprintf("engine: %s on zero Value", op))
	}
	if v.g != o.g {
		panic(fmt.Sprintf("engine: %s operands belong to different graphs", op))
	}
}

func (v Value) unary(op Op, data float64) Value {
	return v.g.push(node{data: data, op: op, arity: 1, operands: [2]int32{v.id}})
}

func (v Value) binary(op Op, o Value, data float64) Value {
	return v.g.push(node{data: data, op: op, arity: 2, operands: [2]int32{v.id, o.id}})
}

// Add returns v + o.
func (v Value) Add(o Value) Value {
	v.mustShare("Add", o)
	return v.binary(OpAdd, o, v.Data()+o.Data())
}

// Mul returns v * o.
func (v Value) Mul(o Value) Value {
	v.mustShare("Mul", o)
	return v.binary(OpMul, o, v.Data()*o.Data())
}

// Neg returns v * -1.
func (v Value) Neg() Value {
	return v.Mul(v.g.Scalar(-1))
}

// Sub returns v + (-o).
func (v Value) Sub(o Value) Value {
	v.mustShare("Sub", o)
	return v.Add(o.Neg())
}

// Pow returns v ** p for a constant exponent p of any integer or float
// kind. Raising zero to a negative power fails with ErrDivisionByZero, and
// a negative base with a fractional exponent fails with ErrInvalidOperand.
func (v Value) Pow(p any) (Value, error) {
	if v.g == nil {
		return Value{}, newOpError("Pow", ErrTypeMismatch, "base is a zero Value", v, p)
	}
	exp, err := exponentOf(p)
	if err != nil {
		return Value{}, newOpError("Pow", err, "exponent must be a finite real constant", v, p)
	}
	return v.pow(exp)
}

func (v Value) pow(exp float64) (Value, error) {
	x := v.Data()
	if x == 0 && exp < 0 {
		return Value{}, newOpError("Pow", ErrDivisionByZero, "zero base with negative exponent", v, exp)
	}
	if x < 0 && exp != math.Trunc(exp) {
		return Value{}, newOpError("Pow", ErrInvalidOperand, "negative base with fractional exponent", v, exp)
	}

	out := v.g.push(node{
		data:     math.Pow(x, exp),
		op:       OpPow,
		arity:    1,
		operands: [2]int32{v.id},
		exponent: exp,
	})
	return out, nil
}

// Div returns v * o**-1. The denominator is checked before anything is
// recorded, so a failed Div leaves the graph untouched.
func (v Value) Div(o Value) (Value, error) {
	v.mustShare("Div", o)
	if o.Data() == 0 {
		return Value{}, newOpError("Div", ErrDivisionByZero, "denominator is zero", v, o)
	}
	inv, err := o.pow(-1)
	if err != nil {
		return Value{}, err
	}
	return v.Mul(inv), nil
}

// ReLU returns max(0, v).
func (v Value) ReLU() Value {
	x := v.Data()
	if x < 0 {
		x = 0
	}
	return v.unary(OpReLU, x)
}

// Tanh returns tanh(v).
func (v Value) Tanh() Value {
	return v.unary(OpTanh, math.Tanh(v.Data()))
}

// Sigmoid returns 1 / (1 + e^-v).
func (v Value) Sigmoid() Value {
	return v.unary(OpSigmoid, 1/(1+math.Exp(-v.Data())))
}

// AddConst returns v + c.
func (v Value) AddConst(c float64) Value {
	return v.Add(v.g.Scalar(c))
}

// MulConst returns v * c.
func (v Value) MulConst(c float64) Value {
	return v.Mul(v.g.Scalar(c))
}

// SubConst returns v - c.
func (v Value) SubConst(c float64) Value {
	return v.Sub(v.g.Scalar(c))
}

// RSubConst returns c - v.
func (v Value) RSubConst(c float64) Value {
	return v.g.Scalar(c).Sub(v)
}

// DivConst returns v / c.
func (v Value) DivConst(c float64) (Value, error) {
	if c == 0 {
		return Value{}, newOpError("Div", ErrDivisionByZero, "denominator is zero", v, c)
	}
	return v.Div(v.g.Scalar(c))
}

// RDivConst returns c / v.
func (v Value) RDivConst(c float64) (Value, error) {
	if v.Data() == 0 {
		return Value{}, newOpError("Div", ErrDivisionByZero, "denominator is zero", c, v)
	}
	return v.g.Scalar(c).Div(v)
}

// propagate pushes node i's gradient into its operands using the local
// derivative of the op that produced it.
func (g *Graph) propagate(i int32) {
	n := &g.nodes[i]
	switch n.op {
	case OpLeaf:
	case OpAdd:
		g.nodes[n.operands[0]].grad += n.grad
		g.nodes[n.operands[1]].grad += n.grad
	case OpMul:
		a, b := &g.nodes[n.operands[0]], &g.nodes[n.operands[1]]
		ad, bd := a.data, b.data
		a.grad += bd * n.grad
		b.grad += ad * n.grad
	case OpPow:
		// x**0 is constant; 0**-1 would turn its zero derivative into NaN
		if n.exponent != 0 {
			a := &g.nodes[n.operands[0]]
			a.grad += n.exponent * math.Pow(a.data, n.exponent-1) * n.grad
		}
	case OpReLU:
		if n.data > 0 {
			g.nodes[n.operands[0]].grad += n.grad
		}
	case OpTanh:
		g.nodes[n.operands[0]].grad += (1 - n.data*n.data) * n.grad
	case OpSigmoid:
		g.nodes[n.operands[0]].grad += n.data * (1 - n.data) * n.grad
	default:
		panic(fmt.Sprintf("engine: node %d has undeclared op %d", i, uint8(n.op)))
	}
}
