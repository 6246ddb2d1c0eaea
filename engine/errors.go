package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds reported by graph construction and traversal. Every error
// returned by this package wraps exactly one of them, so callers can test
// with errors.Is.
var (
	// ErrInvalidOperand is returned when Pow receives an exponent that is not
	// a finite real constant, or when the result would not be real.
	ErrInvalidOperand = errors.New("invalid operand")

	// ErrDivisionByZero is returned when a denominator is zero at
	// construction time.
	ErrDivisionByZero = errors.New("division by zero")

	// ErrStructural is returned by Backward and TopoSort when the graph
	// reachable from the root is not a DAG.
	ErrStructural = errors.New("graph is not acyclic")

	// ErrTypeMismatch is returned when an operand cannot be promoted to a
	// node of the graph being built.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrMalformedGraph is returned by Unmarshal for undecodable snapshots.
	ErrMalformedGraph = errors.New("malformed graph snapshot")
)

// OpError records the operation and operands that caused a failure.
type OpError struct {
	Op       string
	Operands []any
	Reason   string
	Err      error
}

func (e *OpError) Error() string {
	parts := make([]string, len(e.Operands))
	for i, o := range e.Operands {
		parts[i] = describe(o)
	}

	msg := fmt.Sprintf("engine: %s(%s): %v", e.Op, strings.Join(parts, ", "), e.Err)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *OpError) Unwrap() error { return e.Err }

func newOpError(op string, err error, reason string, operands ...any) *OpError {
	return &OpError{Op: op, Operands: operands, Reason: reason, Err: err}
}

// describe renders an operand for error messages without touching the
// arena of a zero Value.
func describe(o any) string {
	switch x := o.(type) {
	case Value:
		if x.g == nil {
			return "Value(<nil>)"
		}
		return fmt.Sprintf("#%d%s", x.id, x.String())
	case nil:
		return "nil"
	default:
		return fmt.Sprintf("%T(%v)", o, o)
	}
}
