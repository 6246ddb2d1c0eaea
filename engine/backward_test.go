package engine

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func mustPow(t *testing.T, v Value, p any) Value {
	t.Helper()
	out, err := v.Pow(p)
	if err != nil {
		t.Fatalf("Pow(%v) failed: %v", p, err)
	}
	return out
}

func grads(vals ...Value) []float64 {
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = v.Grad()
	}
	return out
}

func TestBackwardDiamondAccumulates(t *testing.T) {
	g := NewGraph()
	a := g.Scalar(3)
	c := a.Add(a)

	if err := c.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if a.Grad() != 2 {
		t.Errorf("Expected a.grad == 2 for c = a + a, got %v", a.Grad())
	}
}

func TestBackwardSharedSubexpression(t *testing.T) {
	// f = (a*b) + (a*b)**2 where a*b is one node used twice.
	g := NewGraph()
	a := g.Scalar(2)
	b := g.Scalar(-3)
	ab := a.Mul(b)
	f := ab.Add(mustPow(t, ab, 2))

	if err := Backward(f); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// df/d(ab) = 1 + 2*ab = -11
	want := []float64{-11 * b.Data(), -11 * a.Data(), -11}
	if diff := cmp.Diff(want, grads(a, b, ab), cmpopts.EquateApprox(0, tolerance)); diff != "" {
		t.Errorf("Gradient mismatch (-want +got):\n%s", diff)
	}
}

func TestBackwardChainRule(t *testing.T) {
	g := NewGraph()
	x := g.Scalar(3)
	y := g.Scalar(4)
	f := mustPow(t, x.Mul(y), 2)

	if err := f.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	if diff := cmp.Diff([]float64{96, 72}, grads(x, y), cmpopts.EquateApprox(0, tolerance)); diff != "" {
		t.Errorf("Gradient mismatch (-want +got):\n%s", diff)
	}
	if f.Grad() != 1 {
		t.Errorf("Expected root gradient 1, got %v", f.Grad())
	}
}

func TestBackwardPowGradients(t *testing.T) {
	tests := []struct {
		name     string
		base     float64
		exponent float64
		data     float64
		grad     float64
	}{
		{"square root", 4, 0.5, 2, 0.25},
		{"cube", -2, 3, -8, 12},
		{"fractional power", 8, 1.0 / 3, 2, 1.0 / 12},
		{"zero exponent", 5, 0, 1, 0},
		{"zero base zero exponent", 0, 0, 1, 0},
		{"zero base first power", 0, 1, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGraph()
			x := g.Scalar(tt.base)
			f := mustPow(t, x, tt.exponent)
			if err := f.Backward(); err != nil {
				t.Fatalf("Backward failed: %v", err)
			}
			if math.Abs(f.Data()-tt.data) > 1e-12 {
				t.Errorf("Expected data %v, got %v", tt.data, f.Data())
			}
			if math.IsNaN(x.Grad()) || math.Abs(x.Grad()-tt.grad) > 1e-12 {
				t.Errorf("Expected grad %v, got %v", tt.grad, x.Grad())
			}
		})
	}
}

func TestBackwardZeroExponentKeepsUpstreamFinite(t *testing.T) {
	g := NewGraph()
	x := g.Scalar(0)
	y := g.Scalar(3)
	f := mustPow(t, x, 0).Mul(y).Add(x)

	if err := f.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if x.Grad() != 1 || y.Grad() != 1 {
		t.Errorf("Expected grads x=1 y=1, got x=%v y=%v", x.Grad(), y.Grad())
	}
}

func TestBackwardCompositeOperators(t *testing.T) {
	g := NewGraph()
	a := g.Scalar(-4)
	b := g.Scalar(2)

	quot, err := a.Div(b)
	if err != nil {
		t.Fatalf("Div failed: %v", err)
	}
	// f = a/b - b*(-a) = a/b + a*b
	f := quot.Sub(b.Mul(a.Neg()))

	if err := f.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// df/da = 1/b + b, df/db = -a/b^2 + a
	want := []float64{1/2.0 + 2, 4.0/4 - 4}
	if diff := cmp.Diff(want, grads(a, b), cmpopts.EquateApprox(0, tolerance)); diff != "" {
		t.Errorf("Gradient mismatch (-want +got):\n%s", diff)
	}
}

func TestBackwardActivations(t *testing.T) {
	t.Run("Sigmoid at zero", func(t *testing.T) {
		g := NewGraph()
		x := g.Scalar(0)
		s := x.Sigmoid()
		if s.Data() != 0.5 {
			t.Errorf("Expected sigmoid(0) = 0.5, got %v", s.Data())
		}
		if err := s.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		if x.Grad() != 0.25 {
			t.Errorf("Expected gradient 0.25, got %v", x.Grad())
		}
	})

	t.Run("Tanh", func(t *testing.T) {
		g := NewGraph()
		x := g.Scalar(0.7)
		if err := x.Tanh().Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		want := 1 - math.Pow(math.Tanh(0.7), 2)
		if !approxEqual(x.Grad(), want) {
			t.Errorf("Expected %v, got %v", want, x.Grad())
		}
	})

	t.Run("ReLU negative input", func(t *testing.T) {
		g := NewGraph()
		x := g.Scalar(-2)
		r := x.ReLU()
		if r.Data() != 0 {
			t.Errorf("Expected ReLU(-2) = 0, got %v", r.Data())
		}
		if err := r.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		if x.Grad() != 0 {
			t.Errorf("Expected no gradient through inactive ReLU, got %v", x.Grad())
		}
	})

	t.Run("ReLU positive input", func(t *testing.T) {
		g := NewGraph()
		x := g.Scalar(2)
		if err := x.ReLU().MulConst(3).Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		if x.Grad() != 3 {
			t.Errorf("Expected gradient to pass through unchanged (3), got %v", x.Grad())
		}
	})
}

func TestBackwardOnLeaf(t *testing.T) {
	g := NewGraph()
	other := g.Scalar(5)
	leaf := g.Scalar(7)

	if err := leaf.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if leaf.Grad() != 1 {
		t.Errorf("Expected leaf gradient exactly 1, got %v", leaf.Grad())
	}
	if other.Grad() != 0 {
		t.Errorf("Backward on a leaf must not touch other nodes, got %v", other.Grad())
	}
}

func TestBackwardAccumulatesAcrossCalls(t *testing.T) {
	g := NewGraph()
	x := g.Scalar(3)
	f := x.Mul(x)

	for i := 0; i < 2; i++ {
		if err := f.Backward(); err != nil {
			t.Fatalf("Backward %d failed: %v", i, err)
		}
	}
	if x.Grad() != 12 {
		t.Errorf("Expected accumulated gradient 12 after two passes, got %v", x.Grad())
	}

	g.ZeroGrad()
	if err := f.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if x.Grad() != 6 {
		t.Errorf("Expected fresh gradient 6 after ZeroGrad, got %v", x.Grad())
	}
}

func TestBackwardDeterministic(t *testing.T) {
	g := NewGraph()
	xs := []Value{g.Scalar(0.1), g.Scalar(-0.7), g.Scalar(1.3)}

	sum := g.Scalar(0)
	for i, x := range xs {
		term := x.Mul(xs[(i+1)%len(xs)]).Tanh()
		sum = sum.Add(term).Add(x.Sigmoid())
	}
	loss := mustPow(t, sum, 2)

	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	first := grads(xs...)

	for run := 0; run < 5; run++ {
		ZeroGrad(g.Values()...)
		if err := loss.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		if diff := cmp.Diff(first, grads(xs...)); diff != "" {
			t.Fatalf("Run %d produced different gradients (-first +got):\n%s", run, diff)
		}
	}
}

func TestBackwardDeepGraph(t *testing.T) {
	g := NewGraph()
	x := g.Scalar(1)
	acc := x
	const depth = 200000
	for i := 0; i < depth; i++ {
		acc = acc.AddConst(0)
	}

	if err := acc.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if x.Grad() != 1 {
		t.Errorf("Expected gradient 1 through a chain of adds, got %v", x.Grad())
	}
}

func TestTopoSortOrder(t *testing.T) {
	g := NewGraph()
	a := g.Scalar(1)
	b := g.Scalar(2)
	c := a.Mul(b)
	d := c.Add(a)

	order, err := TopoSort(d)
	if err != nil {
		t.Fatalf("TopoSort failed: %v", err)
	}

	// first-operand-first post-order
	want := []Value{a, b, c, d}
	if len(order) != len(want) {
		t.Fatalf("Expected %d nodes, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Position %d: expected node %d, got %d", i, want[i].ID(), order[i].ID())
		}
	}
}

func TestBackwardDetectsCycle(t *testing.T) {
	g := NewGraph()
	a := g.Scalar(1)
	b := g.Scalar(2)
	c := a.Add(b)
	d := c.MulConst(2)

	// Only reachable through a corrupted arena: point a back at d.
	g.nodes[a.id] = node{data: 1, op: OpReLU, arity: 1, operands: [2]int32{d.id}}

	err := d.Backward()
	if !errors.Is(err, ErrStructural) {
		t.Fatalf("Expected ErrStructural, got %v", err)
	}
}

func TestBackwardZeroValue(t *testing.T) {
	if err := Backward(Value{}); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Expected ErrTypeMismatch for zero Value, got %v", err)
	}
}
