package config

import (
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"github.com/mesograd/mesograd/engine"
)

var (
	schedulerNames = []string{"constant", "step", "exponential", "cosine", "plateau"}
	optimizerNames = []string{"sgd", "adam", "rmsprop"}
	lossNames      = []string{"mse", "hinge"}
	formatNames    = []string{"json", "proto"}
)

// EvalContext returns the variables and functions available to expressions
// in a training file:
//
//	activation.relu|tanh|sigmoid|linear
//	scheduler.constant|step|exponential|cosine|plateau
//	optimizer.sgd|adam|rmsprop
//	loss.mse|hinge
//	format.json|proto
//	abs(x), min(...), max(...), pow(x, y)
func EvalContext() *hcl.EvalContext {
	activations := make([]string, 0, 4)
	for a := engine.ActReLU; a.Valid(); a++ {
		activations = append(activations, strings.ToLower(a.String()))
	}

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"activation": enumObject(activations),
			"scheduler":  enumObject(schedulerNames),
			"optimizer":  enumObject(optimizerNames),
			"loss":       enumObject(lossNames),
			"format":     enumObject(formatNames),
		},
		Functions: map[string]function.Function{
			"abs": stdlib.AbsoluteFunc,
			"min": stdlib.MinFunc,
			"max": stdlib.MaxFunc,
			"pow": stdlib.PowFunc,
		},
	}
}

// enumObject maps every name to itself so that `kind.name` evaluates to
// the string "name".
func enumObject(names []string) cty.Value {
	attrs := make(map[string]cty.Value, len(names))
	for _, n := range names {
		attrs[n] = cty.StringVal(n)
	}
	return cty.ObjectVal(attrs)
}
