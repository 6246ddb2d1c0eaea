package engine

import (
	"fmt"
	"strings"
)

// Activation selects the nonlinearity applied by Value.Activate.
type Activation uint8

const (
	// ActReLU is the default kind for every node.
	ActReLU Activation = iota
	ActTanh
	ActSigmoid
	// ActLinear is the identity: Activate returns the receiver unchanged.
	ActLinear
)

func (a Activation) String() string {
	switch a {
	case ActReLU:
		return "ReLU"
	case ActTanh:
		return "Tanh"
	case ActSigmoid:
		return "Sigmoid"
	case ActLinear:
		return "Linear"
	default:
		return fmt.Sprintf("Activation(%d)", uint8(a))
	}
}

// Valid reports whether a is one of the declared kinds.
func (a Activation) Valid() bool {
	return a <= ActLinear
}

// ParseActivation maps a case-insensitive name to its kind. It exists for
// configuration input only; dispatch never compares names.
func ParseActivation(name string) (Activation, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "relu", "":
		return ActReLU, nil
	case "tanh":
		return ActTanh, nil
	case "sigmoid":
		return ActSigmoid, nil
	case "linear", "identity", "none":
		return ActLinear, nil
	default:
		return 0, fmt.Errorf("unknown activation %q", name)
	}
}

// MarshalText encodes a by name so configuration and checkpoints stay
// readable.
func (a Activation) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("unknown activation %d", uint8(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText accepts any name ParseActivation accepts.
func (a *Activation) UnmarshalText(text []byte) error {
	kind, err := ParseActivation(string(text))
	if err != nil {
		return err
	}
	*a = kind
	return nil
}

// Activate applies the node's own activation kind: the one given to
// ScalarAs or As, and ReLU otherwise.
func (v Value) Activate() Value {
	return v.ActivateAs(v.Activation())
}

// ActivateAs applies kind to v. ActLinear returns v itself and appends
// nothing to the graph.
func (v Value) ActivateAs(kind Activation) Value {
	switch kind {
	case ActReLU:
		return v.ReLU()
	case ActTanh:
		return v.Tanh()
	case ActSigmoid:
		return v.Sigmoid()
	case ActLinear:
		return v
	}
	panic(fmt.Sprintf("engine: ActivateAs called with undeclared activation %d", uint8(kind)))
}
