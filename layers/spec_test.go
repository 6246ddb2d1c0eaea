package layers

import (
	"encoding/json"
	"math/rand"
	"strings"
	"testing"

	"github.com/mesograd/mesograd/engine"
)

func TestModelBuilderCompile(t *testing.T) {
	spec, err := NewModelBuilder(3).
		AddDense(4, engine.ActTanh, "hidden").
		AddDense(4, engine.ActReLU, "").
		AddLinear(1, "out").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}

	if !spec.Compiled {
		t.Error("Expected spec to be marked compiled")
	}
	if spec.Inputs != 3 || spec.Outputs != 1 {
		t.Errorf("Expected 3 -> 1, got %d -> %d", spec.Inputs, spec.Outputs)
	}

	// 4*(3+1) + 4*(4+1) + 1*(4+1)
	if spec.TotalParameters != 41 {
		t.Errorf("Expected 41 parameters, got %d", spec.TotalParameters)
	}

	if spec.Layers[1].Name != "layer1" {
		t.Errorf("Expected default name layer1, got %s", spec.Layers[1].Name)
	}
	if spec.Layers[1].Inputs != 4 {
		t.Errorf("Expected layer1 to take 4 inputs, got %d", spec.Layers[1].Inputs)
	}
	if spec.Layers[2].NonLinear() {
		t.Error("Expected output layer to be linear")
	}
}

func TestModelBuilderCompileErrors(t *testing.T) {
	tests := []struct {
		name    string
		builder *ModelBuilder
		want    string
	}{
		{"no inputs", NewModelBuilder(0).AddLinear(1, ""), "input size"},
		{"empty", NewModelBuilder(2), "empty model"},
		{"zero outputs", NewModelBuilder(2).AddLinear(0, "bad"), "output size"},
		{"bad activation", NewModelBuilder(2).AddDense(1, engine.Activation(9), "bad"), "unknown activation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Compile()
			if err == nil {
				t.Fatal("Expected compile error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestBuildRequiresCompiledSpec(t *testing.T) {
	spec := &ModelSpec{Layers: []LayerSpec{{Name: "x", Inputs: 1, Outputs: 1}}}
	if _, err := spec.Build(rand.New(rand.NewSource(1))); err == nil {
		t.Error("Expected error building an uncompiled spec")
	}

	compiled, err := NewModelBuilder(1).AddLinear(1, "").Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if _, err := compiled.Build(nil); err == nil {
		t.Error("Expected error for nil random source")
	}
}

func TestBuildRejectsInconsistentSpec(t *testing.T) {
	tests := []struct {
		name    string
		edit    func(*ModelSpec)
		wantErr string
	}{
		{"first layer inputs", func(ms *ModelSpec) { ms.Layers[0].Inputs = 5 }, "model declares 2"},
		{"declared inputs", func(ms *ModelSpec) { ms.Inputs = 3 }, "model declares 3"},
		{"chaining", func(ms *ModelSpec) { ms.Layers[1].Inputs = 7 }, "previous layer has 4 outputs"},
		{"no layers", func(ms *ModelSpec) { ms.Layers = nil }, "no layers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := NewModelBuilder(2).AddDense(4, engine.ActTanh, "h").AddLinear(1, "o").Compile()
			if err != nil {
				t.Fatalf("Compile failed: %v", err)
			}
			tt.edit(spec)
			_, err = spec.Build(rand.New(rand.NewSource(1)))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSpecJSONUsesActivationNames(t *testing.T) {
	spec, err := NewModelBuilder(2).AddDense(2, engine.ActSigmoid, "h").AddLinear(1, "o").Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	data, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"activation":"Sigmoid"`) {
		t.Errorf("Expected activation by name, got %s", data)
	}

	var decoded ModelSpec
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Layers[0].Activation != engine.ActSigmoid || decoded.Layers[1].Activation != engine.ActLinear {
		t.Errorf("Activations not restored: %+v", decoded.Layers)
	}
}

func TestSummary(t *testing.T) {
	spec, err := NewModelBuilder(2).AddDense(3, engine.ActReLU, "hidden").AddLinear(1, "out").Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	summary := spec.Summary()
	for _, part := range []string{"Inputs: 2", "hidden (2 -> 3, ReLU) params=9", "out (3 -> 1, Linear) params=4", "Total Parameters: 13"} {
		if !strings.Contains(summary, part) {
			t.Errorf("Summary missing %q:\n%s", part, summary)
		}
	}
}
