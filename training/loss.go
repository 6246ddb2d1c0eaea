package training

import (
	"fmt"
	"strings"

	"github.com/mesograd/mesograd/engine"
	"github.com/mesograd/mesograd/layers"
)

// Loss builds a scalar loss node from a batch of predictions.
type Loss interface {
	// Forward appends the loss computation to g. predicted[i] and
	// targets[i] belong to the same sample.
	Forward(g *engine.Graph, predicted [][]engine.Value, targets [][]float64) (engine.Value, error)
	Name() string
}

// NewLoss returns the loss named "mse" or "hinge".
func NewLoss(name string) (Loss, error) {
	switch strings.ToLower(name) {
	case "mse", "":
		return NewMSELoss("mean"), nil
	case "hinge":
		return NewHingeLoss(), nil
	default:
		return nil, fmt.Errorf("unknown loss %q", name)
	}
}

// MSELoss implements mean squared error
type MSELoss struct {
	Reduction string // "mean" or "sum"
}

// NewMSELoss creates a new MSE loss. Any reduction other than "sum" means
// "mean".
func NewMSELoss(reduction string) *MSELoss {
	if reduction != "sum" {
		reduction = "mean"
	}
	return &MSELoss{Reduction: reduction}
}

func (mse *MSELoss) Name() string { return "MSE" }

// Forward computes sum((p - y)^2), divided by the element count for "mean".
func (mse *MSELoss) Forward(g *engine.Graph, predicted [][]engine.Value, targets [][]float64) (engine.Value, error) {
	count, err := checkBatch(predicted, targets)
	if err != nil {
		return engine.Value{}, err
	}

	terms := make([]engine.Value, 0, count)
	for i, row := range predicted {
		for j, p := range row {
			diff := p.SubConst(targets[i][j])
			terms = append(terms, diff.Mul(diff))
		}
	}
	total := sum(g, terms)
	if mse.Reduction == "sum" {
		return total, nil
	}
	return total.MulConst(1 / float64(count)), nil
}

// HingeLoss is the max-margin loss mean(relu(1 - y*p)) for targets in
// {-1, +1}.
type HingeLoss struct {
	Margin float64
}

// NewHingeLoss creates a hinge loss with margin 1.
func NewHingeLoss() *HingeLoss {
	return &HingeLoss{Margin: 1}
}

func (h *HingeLoss) Name() string { return "Hinge" }

func (h *HingeLoss) Forward(g *engine.Graph, predicted [][]engine.Value, targets [][]float64) (engine.Value, error) {
	count, err := checkBatch(predicted, targets)
	if err != nil {
		return engine.Value{}, err
	}

	terms := make([]engine.Value, 0, count)
	for i, row := range predicted {
		for j, p := range row {
			terms = append(terms, p.MulConst(targets[i][j]).RSubConst(h.Margin).ReLU())
		}
	}
	return sum(g, terms).MulConst(1 / float64(count)), nil
}

// L2Regularization returns alpha * sum(w^2) over the parameters bound in g.
func L2Regularization(g *engine.Graph, params []*layers.Param, alpha float64) engine.Value {
	terms := make([]engine.Value, len(params))
	for i, p := range params {
		w := p.Bind(g)
		terms[i] = w.Mul(w)
	}
	return sum(g, terms).MulConst(alpha)
}

func checkBatch(predicted [][]engine.Value, targets [][]float64) (int, error) {
	if len(predicted) == 0 {
		return 0, fmt.Errorf("empty batch")
	}
	if len(predicted) != len(targets) {
		return 0, fmt.Errorf("got %d predictions and %d targets", len(predicted), len(targets))
	}
	count := 0
	for i := range predicted {
		if len(predicted[i]) != len(targets[i]) {
			return 0, fmt.Errorf("sample %d: got %d outputs and %d targets", i, len(predicted[i]), len(targets[i]))
		}
		count += len(predicted[i])
	}
	if count == 0 {
		return 0, fmt.Errorf("batch has no outputs")
	}
	return count, nil
}

// sum chains Add over vals. An empty sum is a fresh zero leaf.
func sum(g *engine.Graph, vals []engine.Value) engine.Value {
	if len(vals) == 0 {
		return g.Scalar(0)
	}
	total := vals[0]
	for _, v := range vals[1:] {
		total = total.Add(v)
	}
	return total
}
