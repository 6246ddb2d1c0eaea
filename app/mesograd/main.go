// Command mesograd trains a multi-layer perceptron described by an HCL
// training file and optionally writes the result as a checkpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/mesograd/mesograd/checkpoints"
	"github.com/mesograd/mesograd/config"
	"github.com/mesograd/mesograd/dataset"
	"github.com/mesograd/mesograd/internal/ctxlog"
	"github.com/mesograd/mesograd/optimizer"
	"github.com/mesograd/mesograd/training"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Stdout, os.Args[1:]); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run holds the program so tests can drive it with their own writer.
func run(ctx context.Context, outW io.Writer, args []string) error {
	opts, shouldExit, err := parseArgs(args, outW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	logger := ctxlog.New(opts.LogLevel, opts.LogFormat, outW)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Debug("Host detected.", hostAttrs()...)

	cfg, err := config.Load(ctx, opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.Epochs > 0 {
		cfg.Trainer.Epochs = opts.Epochs
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	train, valid, err := loadData(cfg.Data, rng)
	if err != nil {
		return err
	}
	logger.Info("Data loaded.", "source", cfg.Data.Source, "train", train.Len(), "valid", valid.Len())

	trainer, err := newTrainer(cfg, rng)
	if err != nil {
		return err
	}

	if cfg.Checkpoint != nil {
		cm := training.NewCheckpointManager(*cfg.Checkpoint)
		trainer.SetCheckpointManager(cm)
		logger.Info("Checkpointing enabled.", "dir", cfg.Checkpoint.SaveDirectory, "run_id", cm.RunID())
	}
	if opts.Resume != "" {
		if err := resume(trainer, opts.Resume); err != nil {
			return err
		}
		logger.Info("Resumed from checkpoint.", "path", opts.Resume)
	}
	if opts.Progress {
		trainer.SetProgressOutput(outW)
	}

	training.NewModelArchitecturePrinter("MLP").PrintArchitecture(outW, cfg.Model)

	var validSet training.Dataset
	if valid.Len() > 0 {
		validSet = valid
	}
	history, err := trainer.Fit(ctx, train, validSet)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if err != nil {
		logger.Warn("Training interrupted, keeping the current weights.", "epochs", len(history))
	}

	if err := report(ctx, trainer, cfg, train); err != nil {
		return err
	}

	if opts.Checkpoint != "" {
		if err := writeCheckpoint(trainer, opts.Checkpoint); err != nil {
			return err
		}
		logger.Info("Checkpoint written.", "path", opts.Checkpoint)
	}
	return nil
}

func loadData(d config.Data, rng *rand.Rand) (training.SliceDataset, training.SliceDataset, error) {
	var ds training.SliceDataset
	var err error
	switch d.Source {
	case "csv":
		ds, err = dataset.LoadCSV(d.Path, dataset.CSVOptions{Header: d.Header, TargetColumns: d.TargetColumns})
	default:
		ds, err = dataset.MakeMoons(d.Samples, d.Noise, rng)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load data: %w", err)
	}
	if d.ValidationSplit == 0 {
		return ds, nil, nil
	}
	return dataset.Split(ds, 1-d.ValidationSplit, rng)
}

func newTrainer(cfg *config.Training, rng *rand.Rand) (*training.Trainer, error) {
	model, err := cfg.Model.Build(rng)
	if err != nil {
		return nil, fmt.Errorf("failed to build model: %w", err)
	}
	opt, err := optimizer.New(cfg.Optimizer, len(model.Parameters()))
	if err != nil {
		return nil, fmt.Errorf("failed to create optimizer: %w", err)
	}
	loss, err := training.NewLoss(cfg.Loss)
	if err != nil {
		return nil, err
	}
	scheduler, err := training.NewScheduler(cfg.Scheduler)
	if err != nil {
		return nil, err
	}

	trainer, err := training.NewTrainer(model, opt, loss, cfg.Trainer)
	if err != nil {
		return nil, err
	}
	trainer.SetScheduler(scheduler)
	return trainer, nil
}

func resume(trainer *training.Trainer, path string) error {
	format, err := formatFor(path)
	if err != nil {
		return err
	}
	c, err := checkpoints.NewCheckpointSaver(format).LoadCheckpoint(path)
	if err != nil {
		return fmt.Errorf("failed to resume: %w", err)
	}
	if err := trainer.Restore(c); err != nil {
		return fmt.Errorf("failed to resume from %s: %w", path, err)
	}
	return nil
}

// report logs final quality metrics on the training set.
func report(ctx context.Context, trainer *training.Trainer, cfg *config.Training, train training.SliceDataset) error {
	logger := ctxlog.FromContext(ctx)
	model := trainer.Model()

	if cfg.Trainer.Binary {
		var cm training.ConfusionMatrix
		for _, s := range train {
			out, err := model.Predict(s.X)
			if err != nil {
				return err
			}
			cm.Update(out[0], s.Y[0])
		}
		logger.Info("Final training metrics.",
			"accuracy", cm.Accuracy(),
			"precision", cm.Precision(),
			"recall", cm.Recall(),
			"f1", cm.F1())
		return nil
	}

	var preds, truths []float64
	for _, s := range train {
		out, err := model.Predict(s.X)
		if err != nil {
			return err
		}
		preds = append(preds, out...)
		truths = append(truths, s.Y...)
	}
	m, err := training.CalculateRegressionMetrics(preds, truths)
	if err != nil {
		return err
	}
	logger.Info("Final training metrics.", "mae", m.MAE, "rmse", m.RMSE, "r2", m.R2)
	return nil
}

func writeCheckpoint(trainer *training.Trainer, path string) error {
	format, err := formatFor(path)
	if err != nil {
		return err
	}
	c, err := trainer.Checkpoint()
	if err != nil {
		return err
	}
	c.Metadata.Description = "Final model"
	c.Metadata.Tags = hostTags()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return checkpoints.NewCheckpointSaver(format).SaveCheckpoint(c, path)
}

func formatFor(path string) (checkpoints.CheckpointFormat, error) {
	format, err := checkpoints.ParseFormat(strings.ToLower(filepath.Ext(path)))
	if err != nil {
		return 0, &ExitError{Code: 2, Message: fmt.Sprintf("checkpoint %s: use a .json or .pb extension", path)}
	}
	return format, nil
}
