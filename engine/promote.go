package engine

import (
	"math"
	"reflect"
)

// Const lifts x into g. A Value of g is returned unchanged; integer and
// float kinds become new leaves. Anything else, including a Value of a
// different graph, fails with ErrTypeMismatch.
func (g *Graph) Const(x any) (Value, error) {
	if v, ok := x.(Value); ok {
		if v.g != g {
			return Value{}, newOpError("Const", ErrTypeMismatch, "value belongs to a different graph", x)
		}
		return v, nil
	}
	f, ok := toFloat(x)
	if !ok {
		return Value{}, newOpError("Const", ErrTypeMismatch, "operand is not numeric", x)
	}
	return g.Scalar(f), nil
}

// Add returns a + b where either side may be a Value or a number.
func Add(a, b any) (Value, error) {
	x, y, err := promote("Add", a, b)
	if err != nil {
		return Value{}, err
	}
	return x.Add(y), nil
}

// Mul returns a * b where either side may be a Value or a number.
func Mul(a, b any) (Value, error) {
	x, y, err := promote("Mul", a, b)
	if err != nil {
		return Value{}, err
	}
	return x.Mul(y), nil
}

// Sub returns a - b where either side may be a Value or a number.
func Sub(a, b any) (Value, error) {
	x, y, err := promote("Sub", a, b)
	if err != nil {
		return Value{}, err
	}
	return x.Sub(y), nil
}

// Div returns a / b where either side may be a Value or a number. A zero
// denominator is rejected before any literal is lifted into the graph.
func Div(a, b any) (Value, error) {
	if _, err := graphOf("Div", a, b); err != nil {
		return Value{}, err
	}
	if d, ok := scalarOf(b); ok && d == 0 {
		return Value{}, newOpError("Div", ErrDivisionByZero, "denominator is zero", a, b)
	}
	x, y, err := promote("Div", a, b)
	if err != nil {
		return Value{}, err
	}
	return x.Div(y)
}

// Pow returns a ** p. The base must be a Value; the exponent must be a
// numeric constant.
func Pow(a, p any) (Value, error) {
	v, ok := a.(Value)
	if !ok || v.g == nil {
		return Value{}, newOpError("Pow", ErrTypeMismatch, "base must be a graph node", a, p)
	}
	return v.Pow(p)
}

// Neg returns -a.
func Neg(a any) (Value, error) {
	v, ok := a.(Value)
	if !ok || v.g == nil {
		return Value{}, newOpError("Neg", ErrTypeMismatch, "operand must be a graph node", a)
	}
	return v.Neg(), nil
}

// promote validates both operands before lifting either, so a failure
// leaves the graph untouched.
func promote(op string, a, b any) (Value, Value, error) {
	g, err := graphOf(op, a, b)
	if err != nil {
		return Value{}, Value{}, err
	}
	x, _ := g.Const(a)
	y, _ := g.Const(b)
	return x, y, nil
}

// graphOf finds the graph shared by the Value operands and checks that the
// rest are numeric.
func graphOf(op string, a, b any) (*Graph, error) {
	var g *Graph
	for _, o := range []any{a, b} {
		v, ok := o.(Value)
		if !ok {
			if _, num := toFloat(o); !num {
				return nil, newOpError(op, ErrTypeMismatch, "operand is not numeric", a, b)
			}
			continue
		}
		if v.g == nil {
			return nil, newOpError(op, ErrTypeMismatch, "operand is a zero Value", a, b)
		}
		if g != nil && g != v.g {
			return nil, newOpError(op, ErrTypeMismatch, "operands belong to different graphs", a, b)
		}
		g = v.g
	}
	if g == nil {
		return nil, newOpError(op, ErrTypeMismatch, "at least one operand must be a graph node", a, b)
	}
	return g, nil
}

// scalarOf returns the number held by a Value or a numeric literal.
func scalarOf(x any) (float64, bool) {
	if v, ok := x.(Value); ok {
		if v.g == nil {
			return 0, false
		}
		return v.Data(), true
	}
	return toFloat(x)
}

func exponentOf(p any) (float64, error) {
	if _, isNode := p.(Value); isNode {
		return 0, ErrInvalidOperand
	}
	f, ok := toFloat(p)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrInvalidOperand
	}
	return f, nil
}

// toFloat converts any integer or float kind, including named types, to
// float64.
func toFloat(x any) (float64, bool) {
	switch n := x.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case nil:
		return 0, false
	}

	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	default:
		return 0, false
	}
}
