// Package config loads training runs described in HCL files.
//
// A file names the model, the data, the optimizer, the learning rate
// schedule, the training loop and checkpointing:
//
//	seed = 1337
//
//	model {
//	  inputs = 2
//	  layer "hidden1" {
//	    outputs    = 16
//	    activation = activation.relu
//	  }
//	  layer "out" {
//	    outputs = 1
//	  }
//	}
//
//	data {
//	  source  = "moons"
//	  samples = 100
//	  noise   = 0.1
//	}
//
//	optimizer {
//	  type          = optimizer.sgd
//	  learning_rate = 1.0
//	}
//
//	training {
//	  epochs = 100
//	  loss   = loss.hinge
//	}
//
// Only the model block is required. A layer without an activation applies
// ReLU, except the last layer, which is linear.
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/mesograd/mesograd/checkpoints"
	"github.com/mesograd/mesograd/engine"
	"github.com/mesograd/mesograd/internal/ctxlog"
	"github.com/mesograd/mesograd/layers"
	"github.com/mesograd/mesograd/optimizer"
	"github.com/mesograd/mesograd/training"
)

// Data selects the training set.
type Data struct {
	Source          string // "moons" or "csv"
	Path            string // CSV file, relative paths resolve against the config file
	Samples         int    // Number of generated samples
	Noise           float64
	Header          bool
	TargetColumns   []int
	ValidationSplit float64 // Fraction held out for validation, 0 = none
}

// Training is a validated training run.
type Training struct {
	Seed       int64
	Model      *layers.ModelSpec
	Data       Data
	Optimizer  optimizer.Config
	Scheduler  training.SchedulerConfig
	Loss       string
	Trainer    training.TrainingConfig
	Checkpoint *training.CheckpointConfig // nil when checkpointing is off
}

type fileSchema struct {
	Seed       *int64           `hcl:"seed,optional"`
	Model      modelBlock       `hcl:"model,block"`
	Data       *dataBlock       `hcl:"data,block"`
	Optimizer  *optimizerBlock  `hcl:"optimizer,block"`
	Scheduler  *schedulerBlock  `hcl:"scheduler,block"`
	Training   *trainingBlock   `hcl:"training,block"`
	Checkpoint *checkpointBlock `hcl:"checkpoint,block"`
}

type modelBlock struct {
	Inputs int          `hcl:"inputs"`
	Layers []layerBlock `hcl:"layer,block"`
}

type layerBlock struct {
	Name       string  `hcl:"name,label"`
	Outputs    int     `hcl:"outputs"`
	Activation *string `hcl:"activation,optional"`
}

type dataBlock struct {
	Source          string   `hcl:"source,optional"`
	Path            string   `hcl:"path,optional"`
	Samples         int      `hcl:"samples,optional"`
	Noise           *float64 `hcl:"noise,optional"`
	Header          bool     `hcl:"header,optional"`
	TargetColumns   []int    `hcl:"target_columns,optional"`
	ValidationSplit float64  `hcl:"validation_split,optional"`
}

type optimizerBlock struct {
	Type         string  `hcl:"type,optional"`
	LearningRate float64 `hcl:"learning_rate,optional"`
	Momentum     float64 `hcl:"momentum,optional"`
	WeightDecay  float64 `hcl:"weight_decay,optional"`
	Nesterov     bool    `hcl:"nesterov,optional"`
	Beta1        float64 `hcl:"beta1,optional"`
	Beta2        float64 `hcl:"beta2,optional"`
	Epsilon      float64 `hcl:"epsilon,optional"`
	Alpha        float64 `hcl:"alpha,optional"`
	Centered     bool    `hcl:"centered,optional"`
}

type schedulerBlock struct {
	Type      string  `hcl:"type"`
	StepSize  int     `hcl:"step_size,optional"`
	Gamma     float64 `hcl:"gamma,optional"`
	TMax      int     `hcl:"t_max,optional"`
	EtaMin    float64 `hcl:"eta_min,optional"`
	Factor    float64 `hcl:"factor,optional"`
	Patience  int     `hcl:"patience,optional"`
	Threshold float64 `hcl:"threshold,optional"`
	Mode      string  `hcl:"mode,optional"`
	MinLR     float64 `hcl:"min_lr,optional"`
}

type trainingBlock struct {
	Epochs        int      `hcl:"epochs,optional"`
	BatchSize     int      `hcl:"batch_size,optional"`
	Shuffle       bool     `hcl:"shuffle,optional"`
	Loss          string   `hcl:"loss,optional"`
	Binary        *bool    `hcl:"binary,optional"`
	L2            *float64 `hcl:"l2,optional"`
	LogEvery      int      `hcl:"log_every,optional"`
	ValidateEvery *int     `hcl:"validate_every,optional"`
	EarlyStopping bool     `hcl:"early_stopping,optional"`
	Patience      int      `hcl:"patience,optional"`
	Prefetch      int      `hcl:"prefetch,optional"`
}

type checkpointBlock struct {
	Directory      string `hcl:"directory,optional"`
	SaveFrequency  *int   `hcl:"save_frequency,optional"`
	SaveBest       *bool  `hcl:"save_best,optional"`
	MaxCheckpoints *int   `hcl:"max_checkpoints,optional"`
	Format         string `hcl:"format,optional"`
}

// Load parses and validates the training file at path.
func Load(ctx context.Context, path string) (*Training, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Loading training config.", "path", path)

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, diags)
	}

	cfg, err := decode(file)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if cfg.Data.Path != "" && !filepath.IsAbs(cfg.Data.Path) {
		cfg.Data.Path = filepath.Join(filepath.Dir(path), cfg.Data.Path)
	}

	logger.Debug("Training config loaded.",
		"layers", len(cfg.Model.Layers),
		"parameters", cfg.Model.TotalParameters,
		"optimizer", cfg.Optimizer.Type,
		"data", cfg.Data.Source)
	return cfg, nil
}

// Parse parses and validates a training file held in memory. filename is
// only used in diagnostics.
func Parse(src []byte, filename string) (*Training, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse config %s: %w", filename, diags)
	}
	return decode(file)
}

func decode(file *hcl.File) (*Training, error) {
	var raw fileSchema
	if diags := gohcl.DecodeBody(file.Body, EvalContext(), &raw); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode config: %w", diags)
	}

	cfg := &Training{Seed: 1337, Trainer: training.DefaultTrainingConfig()}
	if raw.Seed != nil {
		cfg.Seed = *raw.Seed
	}
	cfg.Trainer.Seed = cfg.Seed

	var err error
	if cfg.Model, err = raw.Model.compile(); err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}
	if cfg.Data, err = raw.Data.resolve(); err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	if cfg.Data.Source == "moons" && cfg.Model.Inputs != 2 {
		return nil, fmt.Errorf("model: moons data has 2 inputs, model expects %d", cfg.Model.Inputs)
	}
	if cfg.Optimizer, err = raw.Optimizer.resolve(); err != nil {
		return nil, fmt.Errorf("optimizer: %w", err)
	}
	if cfg.Scheduler, err = raw.Scheduler.resolve(); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	if err = raw.Training.apply(cfg); err != nil {
		return nil, fmt.Errorf("training: %w", err)
	}
	if cfg.Checkpoint, err = raw.Checkpoint.resolve(); err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	return cfg, nil
}

func (m modelBlock) compile() (*layers.ModelSpec, error) {
	builder := layers.NewModelBuilder(m.Inputs)
	for i, l := range m.Layers {
		act := engine.ActReLU
		if i == len(m.Layers)-1 {
			act = engine.ActLinear
		}
		if l.Activation != nil {
			var err error
			if act, err = engine.ParseActivation(*l.Activation); err != nil {
				return nil, fmt.Errorf("layer %q: %w", l.Name, err)
			}
		}
		builder.AddDense(l.Outputs, act, l.Name)
	}
	return builder.Compile()
}

func (d *dataBlock) resolve() (Data, error) {
	data := Data{Source: "moons", Samples: 100, Noise: 0.1}
	if d == nil {
		return data, nil
	}

	if d.Source != "" {
		data.Source = strings.ToLower(d.Source)
	}
	if d.Samples != 0 {
		data.Samples = d.Samples
	}
	if d.Noise != nil {
		data.Noise = *d.Noise
	}
	data.Path = d.Path
	data.Header = d.Header
	data.TargetColumns = d.TargetColumns
	data.ValidationSplit = d.ValidationSplit

	switch data.Source {
	case "moons":
		if data.Samples < 2 {
			return data, fmt.Errorf("moons needs at least 2 samples, got %d", data.Samples)
		}
		if data.Noise < 0 {
			return data, fmt.Errorf("noise cannot be negative, got %g", data.Noise)
		}
	case "csv":
		if data.Path == "" {
			return data, fmt.Errorf("csv source needs a path")
		}
	default:
		return data, fmt.Errorf("unknown source %q", data.Source)
	}
	if data.ValidationSplit < 0 || data.ValidationSplit >= 1 {
		return data, fmt.Errorf("validation split must be in [0, 1), got %g", data.ValidationSplit)
	}
	return data, nil
}

func (o *optimizerBlock) resolve() (optimizer.Config, error) {
	config := optimizer.Config{Type: "sgd", LearningRate: 0.01}
	if o != nil {
		config = optimizer.Config{
			Type:         o.Type,
			LearningRate: o.LearningRate,
			Momentum:     o.Momentum,
			WeightDecay:  o.WeightDecay,
			Nesterov:     o.Nesterov,
			Beta1:        o.Beta1,
			Beta2:        o.Beta2,
			Epsilon:      o.Epsilon,
			Alpha:        o.Alpha,
			Centered:     o.Centered,
		}
		if config.Type == "" {
			config.Type = "sgd"
		}
	}
	// a throwaway instance runs the optimizer's own validation
	if _, err := optimizer.New(config, 1); err != nil {
		return config, err
	}
	return config, nil
}

func (s *schedulerBlock) resolve() (training.SchedulerConfig, error) {
	if s == nil {
		return training.SchedulerConfig{Type: "constant"}, nil
	}
	config := training.SchedulerConfig{
		Type:      s.Type,
		StepSize:  s.StepSize,
		Gamma:     s.Gamma,
		TMax:      s.TMax,
		EtaMin:    s.EtaMin,
		Factor:    s.Factor,
		Patience:  s.Patience,
		Threshold: s.Threshold,
		Mode:      s.Mode,
		MinLR:     s.MinLR,
	}
	scheduler, err := training.NewScheduler(config)
	if err != nil {
		return config, err
	}
	return scheduler.Config(), nil
}

func (t *trainingBlock) apply(cfg *Training) error {
	cfg.Loss = "mse"
	if t != nil {
		if t.Epochs != 0 {
			cfg.Trainer.Epochs = t.Epochs
		}
		if t.Loss != "" {
			cfg.Loss = strings.ToLower(t.Loss)
		}
		if t.L2 != nil {
			cfg.Trainer.L2 = *t.L2
		}
		if t.LogEvery != 0 {
			cfg.Trainer.LogEvery = t.LogEvery
		}
		if t.ValidateEvery != nil {
			cfg.Trainer.ValidateEvery = *t.ValidateEvery
		}
		if t.Patience != 0 {
			cfg.Trainer.Patience = t.Patience
		}
		cfg.Trainer.BatchSize = t.BatchSize
		cfg.Trainer.Shuffle = t.Shuffle
		cfg.Trainer.EarlyStopping = t.EarlyStopping
		cfg.Trainer.Prefetch = t.Prefetch
	}
	if _, err := training.NewLoss(cfg.Loss); err != nil {
		return err
	}

	cfg.Trainer.Binary = cfg.Loss == "hinge"
	if t != nil && t.Binary != nil {
		cfg.Trainer.Binary = *t.Binary
	}
	return cfg.Trainer.Validate()
}

func (c *checkpointBlock) resolve() (*training.CheckpointConfig, error) {
	if c == nil {
		return nil, nil
	}
	config := training.DefaultCheckpointConfig()
	if c.Directory != "" {
		config.SaveDirectory = c.Directory
	}
	if c.SaveFrequency != nil {
		config.SaveFrequency = *c.SaveFrequency
	}
	if c.SaveBest != nil {
		config.SaveBest = *c.SaveBest
	}
	if c.MaxCheckpoints != nil {
		config.MaxCheckpoints = *c.MaxCheckpoints
	}
	if c.Format != "" {
		format, err := checkpoints.ParseFormat(c.Format)
		if err != nil {
			return nil, err
		}
		config.Format = format
	}
	if config.SaveFrequency < 0 || config.MaxCheckpoints < 0 {
		return nil, fmt.Errorf("save frequency and max checkpoints cannot be negative")
	}
	return &config, nil
}
