package training

import (
	"math"
	"testing"

	"github.com/mesograd/mesograd/engine"
	"github.com/mesograd/mesograd/layers"
)

func lift(g *engine.Graph, rows ...[]float64) [][]engine.Value {
	out := make([][]engine.Value, len(rows))
	for i, row := range rows {
		out[i] = make([]engine.Value, len(row))
		for j, x := range row {
			out[i][j] = g.Scalar(x)
		}
	}
	return out
}

func TestMSELoss(t *testing.T) {
	tests := []struct {
		reduction string
		expected  float64
		grads     []float64
	}{
		{"mean", 2.5, []float64{1, 2}},
		{"sum", 5, []float64{2, 4}},
		{"anything", 2.5, []float64{1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.reduction, func(t *testing.T) {
			g := engine.NewGraph()
			preds := lift(g, []float64{1}, []float64{3})
			loss, err := NewMSELoss(tt.reduction).Forward(g, preds, [][]float64{{0}, {1}})
			if err != nil {
				t.Fatalf("Forward failed: %v", err)
			}
			if loss.Data() != tt.expected {
				t.Errorf("Expected loss %v, got %v", tt.expected, loss.Data())
			}
			if err := loss.Backward(); err != nil {
				t.Fatalf("Backward failed: %v", err)
			}
			for i, want := range tt.grads {
				if got := preds[i][0].Grad(); math.Abs(got-want) > 1e-12 {
					t.Errorf("Prediction %d: expected grad %v, got %v", i, want, got)
				}
			}
		})
	}
}

func TestHingeLoss(t *testing.T) {
	g := engine.NewGraph()
	preds := lift(g, []float64{0.5}, []float64{-2})
	loss, err := NewHingeLoss().Forward(g, preds, [][]float64{{1}, {-1}})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if loss.Data() != 0.25 {
		t.Errorf("Expected loss 0.25, got %v", loss.Data())
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if preds[0][0].Grad() != -0.5 {
		t.Errorf("Expected grad -0.5 inside the margin, got %v", preds[0][0].Grad())
	}
	if preds[1][0].Grad() != 0 {
		t.Errorf("Expected zero grad outside the margin, got %v", preds[1][0].Grad())
	}
}

func TestLossBatchErrors(t *testing.T) {
	g := engine.NewGraph()
	tests := []struct {
		name    string
		preds   [][]engine.Value
		targets [][]float64
	}{
		{"empty batch", nil, nil},
		{"count mismatch", lift(g, []float64{1}), [][]float64{{1}, {2}}},
		{"width mismatch", lift(g, []float64{1, 2}), [][]float64{{1}}},
		{"no outputs", lift(g, []float64{}), [][]float64{{}}},
	}

	for _, loss := range []Loss{NewMSELoss("mean"), NewHingeLoss()} {
		for _, tt := range tests {
			t.Run(loss.Name()+"/"+tt.name, func(t *testing.T) {
				if _, err := loss.Forward(g, tt.preds, tt.targets); err == nil {
					t.Error("Expected error")
				}
			})
		}
	}
}

func TestL2Regularization(t *testing.T) {
	g := engine.NewGraph()
	params := []*layers.Param{{Name: "a", Data: 2}, {Name: "b", Data: -1}}

	penalty := L2Regularization(g, params, 0.5)
	if penalty.Data() != 2.5 {
		t.Errorf("Expected penalty 2.5, got %v", penalty.Data())
	}
	if err := penalty.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	for _, p := range params {
		p.Collect()
	}
	if params[0].Grad != 2 || params[1].Grad != -1 {
		t.Errorf("Expected grads 2 and -1, got %v and %v", params[0].Grad, params[1].Grad)
	}

	if empty := L2Regularization(g, nil, 1); empty.Data() != 0 {
		t.Errorf("Expected zero penalty without parameters, got %v", empty.Data())
	}
}

func TestNewLoss(t *testing.T) {
	tests := []struct {
		name     string
		expected string
	}{
		{"", "MSE"},
		{"mse", "MSE"},
		{"Hinge", "Hinge"},
	}
	for _, tt := range tests {
		loss, err := NewLoss(tt.name)
		if err != nil {
			t.Fatalf("NewLoss(%q) failed: %v", tt.name, err)
		}
		if loss.Name() != tt.expected {
			t.Errorf("NewLoss(%q): expected %s, got %s", tt.name, tt.expected, loss.Name())
		}
	}
	if _, err := NewLoss("cross_entropy"); err == nil {
		t.Error("Expected error for unknown loss")
	}
}
