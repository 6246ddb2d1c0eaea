// Package checkpoints saves and restores trained models together with their
// optimizer and training progress.
package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mesograd/mesograd/layers"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// ParseFormat maps a file extension style name ("json", "pb", "proto") to
// its format.
func ParseFormat(name string) (CheckpointFormat, error) {
	switch name {
	case "json", ".json":
		return FormatJSON, nil
	case "pb", ".pb", "proto", ".proto", "binpb", ".binpb":
		return FormatProto, nil
	default:
		return 0, fmt.Errorf("unknown checkpoint format %q", name)
	}
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	// Model architecture and weights
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor holds one layer's weights or biases in row-major order
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	BestLoss     float64 `json:"best_loss"`
	BestAccuracy float64 `json:"best_accuracy"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam", etc.
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor holds one per-parameter state vector, indexed like the
// model's parameters
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance", etc.
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	RunID       string    `json:"run_id"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// NewRunID returns a fresh identifier for a training run.
func NewRunID() string {
	return uuid.New().String()
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the format the saver writes and reads.
func (cs *CheckpointSaver) Format() CheckpointFormat { return cs.format }

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	if err := cs.Encode(file, checkpoint); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}
	return nil
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()
	return cs.Decode(file)
}

// Encode writes checkpoint to w, filling in missing metadata first.
func (cs *CheckpointSaver) Encode(w io.Writer, checkpoint *Checkpoint) error {
	if checkpoint == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}
	fillMetadata(&checkpoint.Metadata)

	switch cs.format {
	case FormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(checkpoint); err != nil {
			return fmt.Errorf("failed to encode checkpoint: %w", err)
		}
		return nil
	case FormatProto:
		data, err := MarshalProto(checkpoint)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("failed to write checkpoint: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// Decode reads a checkpoint from r.
func (cs *CheckpointSaver) Decode(r io.Reader) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.NewDecoder(r).Decode(&checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		return &checkpoint, nil
	case FormatProto:
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(r); err != nil {
			return nil, fmt.Errorf("failed to read checkpoint: %w", err)
		}
		return UnmarshalProto(buf.Bytes())
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func fillMetadata(md *CheckpointMetadata) {
	if md.Framework == "" {
		md.Framework = "mesograd"
	}
	if md.Version == "" {
		md.Version = "1.0.0"
	}
	if md.RunID == "" {
		md.RunID = NewRunID()
	}
	if md.CreatedAt.IsZero() {
		md.CreatedAt = time.Now()
	}
}

// ExtractWeights copies the parameters of mlp into one weight tensor
// ([outputs, inputs]) and one bias tensor ([outputs]) per layer.
func ExtractWeights(mlp *layers.MLP) []WeightTensor {
	weights := make([]WeightTensor, 0, 2*len(mlp.Layers))
	for _, layer := range mlp.Layers {
		nin := 0
		if len(layer.Neurons) > 0 {
			nin = len(layer.Neurons[0].W)
		}
		w := WeightTensor{
			Name:  layer.Name + ".weight",
			Shape: []int{len(layer.Neurons), nin},
			Data:  make([]float64, 0, len(layer.Neurons)*nin),
			Layer: layer.Name,
			Type:  "weight",
		}
		b := WeightTensor{
			Name:  layer.Name + ".bias",
			Shape: []int{len(layer.Neurons)},
			Data:  make([]float64, 0, len(layer.Neurons)),
			Layer: layer.Name,
			Type:  "bias",
		}
		for _, n := range layer.Neurons {
			for _, p := range n.W {
				w.Data = append(w.Data, p.Data)
			}
			b.Data = append(b.Data, n.B.Data)
		}
		weights = append(weights, w, b)
	}
	return weights
}

// LoadWeights writes weights produced by ExtractWeights back into mlp. Every
// tensor is matched by name and must have the layer's shape.
func LoadWeights(mlp *layers.MLP, weights []WeightTensor) error {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	if len(byName) != 2*len(mlp.Layers) {
		return fmt.Errorf("weight count mismatch: %d tensors for %d layers", len(weights), len(mlp.Layers))
	}

	for _, layer := range mlp.Layers {
		w, ok := byName[layer.Name+".weight"]
		if !ok {
			return fmt.Errorf("missing weights for layer %s", layer.Name)
		}
		b, ok := byName[layer.Name+".bias"]
		if !ok {
			return fmt.Errorf("missing bias for layer %s", layer.Name)
		}

		nout := len(layer.Neurons)
		nin := 0
		if nout > 0 {
			nin = len(layer.Neurons[0].W)
		}
		if len(w.Shape) != 2 || w.Shape[0] != nout || w.Shape[1] != nin || len(w.Data) != nout*nin {
			return fmt.Errorf("shape mismatch for %s: expected [%d %d], got %v with %d values", w.Name, nout, nin, w.Shape, len(w.Data))
		}
		if len(b.Data) != nout {
			return fmt.Errorf("shape mismatch for %s: expected %d values, got %d", b.Name, nout, len(b.Data))
		}

		for i, n := range layer.Neurons {
			for j, p := range n.W {
				p.Data = w.Data[i*nin+j]
			}
			n.B.Data = b.Data[i]
		}
	}
	return nil
}

// FromModel assembles a checkpoint of mlp's current weights.
func FromModel(mlp *layers.MLP, state TrainingState, opt *OptimizerState) *Checkpoint {
	return &Checkpoint{
		ModelSpec:      mlp.Spec(),
		Weights:        ExtractWeights(mlp),
		TrainingState:  state,
		OptimizerState: opt,
	}
}

// Restore rebuilds the model described by the checkpoint and loads its
// weights.
func (c *Checkpoint) Restore() (*layers.MLP, error) {
	if c.ModelSpec == nil {
		return nil, fmt.Errorf("checkpoint has no model spec")
	}
	// every weight is overwritten below, so the seed does not matter
	mlp, err := c.ModelSpec.Build(rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild model: %w", err)
	}
	if err := LoadWeights(mlp, c.Weights); err != nil {
		return nil, err
	}
	return mlp, nil
}
