package training

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/mesograd/mesograd/checkpoints"
	"github.com/mesograd/mesograd/internal/ctxlog"
)

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory   string                       // Directory to save checkpoints
	SaveFrequency   int                          // Save every N epochs (0 = disabled)
	SaveBest        bool                         // Save checkpoint when the monitored loss improves
	MaxCheckpoints  int                          // Maximum number of periodic checkpoints to keep (0 = unlimited)
	Format          checkpoints.CheckpointFormat // JSON or Proto
	FilenamePattern string                       // Pattern for checkpoint filenames, given epoch and step
}

// DefaultCheckpointConfig returns a sensible default configuration
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory:   "./checkpoints",
		SaveFrequency:   5,
		SaveBest:        true,
		MaxCheckpoints:  10,
		Format:          checkpoints.FormatJSON,
		FilenamePattern: "checkpoint_epoch_%d_step_%d",
	}
}

// CheckpointManager writes checkpoints for one training run. Every file it
// writes carries the same run ID.
type CheckpointManager struct {
	config     CheckpointConfig
	saver      *checkpoints.CheckpointSaver
	runID      string
	bestLoss   float64
	savedFiles []string
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(config CheckpointConfig) *CheckpointManager {
	if config.FilenamePattern == "" {
		config.FilenamePattern = DefaultCheckpointConfig().FilenamePattern
	}
	return &CheckpointManager{
		config:   config,
		saver:    checkpoints.NewCheckpointSaver(config.Format),
		runID:    checkpoints.NewRunID(),
		bestLoss: math.Inf(1),
	}
}

// RunID identifies the run in checkpoint metadata.
func (cm *CheckpointManager) RunID() string { return cm.runID }

// SavedFiles lists the periodic checkpoints currently kept on disk.
func (cm *CheckpointManager) SavedFiles() []string { return cm.savedFiles }

// OnEpochEnd saves a periodic checkpoint every SaveFrequency epochs and a
// best checkpoint whenever the monitored loss improves.
func (cm *CheckpointManager) OnEpochEnd(ctx context.Context, t *Trainer, m TrainingMetrics) error {
	logger := ctxlog.FromContext(ctx)

	if cm.config.SaveFrequency > 0 && (m.Epoch+1)%cm.config.SaveFrequency == 0 {
		path, err := cm.SaveCheckpoint(t, fmt.Sprintf("Epoch %d", m.Epoch))
		if err != nil {
			return err
		}
		logger.Debug("Checkpoint saved.", "path", path, "epoch", m.Epoch)
	}

	saved, err := cm.SaveBestCheckpoint(t, m.monitored())
	if err != nil {
		return err
	}
	if saved {
		logger.Debug("Best checkpoint saved.", "loss", m.monitored(), "epoch", m.Epoch)
	}
	return nil
}

// SaveCheckpoint saves the current model state and returns its path
func (cm *CheckpointManager) SaveCheckpoint(t *Trainer, description string) (string, error) {
	checkpoint, err := cm.createCheckpoint(t, description)
	if err != nil {
		return "", fmt.Errorf("failed to create checkpoint: %w", err)
	}

	filename := fmt.Sprintf(cm.config.FilenamePattern, t.epoch, t.step) + cm.fileExtension()
	path := filepath.Join(cm.config.SaveDirectory, filename)
	if err := cm.save(checkpoint, path); err != nil {
		return "", err
	}

	cm.savedFiles = append(cm.savedFiles, path)
	if err := cm.cleanupOldCheckpoints(); err != nil {
		return path, fmt.Errorf("failed to cleanup old checkpoints: %w", err)
	}
	return path, nil
}

// SaveBestCheckpoint saves a checkpoint if loss is lower than any seen before
func (cm *CheckpointManager) SaveBestCheckpoint(t *Trainer, loss float64) (bool, error) {
	if !cm.config.SaveBest || loss >= cm.bestLoss {
		return false, nil
	}
	cm.bestLoss = loss

	description := fmt.Sprintf("Best checkpoint - Loss: %.6f", loss)
	checkpoint, err := cm.createCheckpoint(t, description)
	if err != nil {
		return false, fmt.Errorf("failed to create best checkpoint: %w", err)
	}
	checkpoint.TrainingState.BestLoss = loss

	path := filepath.Join(cm.config.SaveDirectory, "best_checkpoint"+cm.fileExtension())
	if err := cm.save(checkpoint, path); err != nil {
		return false, err
	}
	return true, nil
}

// LoadCheckpoint restores t from the checkpoint at path
func (cm *CheckpointManager) LoadCheckpoint(t *Trainer, path string) error {
	checkpoint, err := cm.saver.LoadCheckpoint(path)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return t.Restore(checkpoint)
}

func (cm *CheckpointManager) createCheckpoint(t *Trainer, description string) (*checkpoints.Checkpoint, error) {
	checkpoint, err := t.Checkpoint()
	if err != nil {
		return nil, err
	}
	checkpoint.Metadata.RunID = cm.runID
	checkpoint.Metadata.Description = description
	return checkpoint, nil
}

func (cm *CheckpointManager) save(checkpoint *checkpoints.Checkpoint, path string) error {
	if err := os.MkdirAll(cm.config.SaveDirectory, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	if err := cm.saver.SaveCheckpoint(checkpoint, path); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (cm *CheckpointManager) cleanupOldCheckpoints() error {
	if cm.config.MaxCheckpoints <= 0 {
		return nil
	}
	for len(cm.savedFiles) > cm.config.MaxCheckpoints {
		oldest := cm.savedFiles[0]
		if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
			return err
		}
		cm.savedFiles = cm.savedFiles[1:]
	}
	return nil
}

func (cm *CheckpointManager) fileExtension() string {
	if cm.config.Format == checkpoints.FormatProto {
		return ".pb"
	}
	return ".json"
}

// Checkpoint captures the model, optimizer and progress of t.
func (t *Trainer) Checkpoint() (*checkpoints.Checkpoint, error) {
	opt, err := t.optimizer.GetState()
	if err != nil {
		return nil, fmt.Errorf("failed to read optimizer state: %w", err)
	}
	state := checkpoints.TrainingState{
		Epoch:        t.epoch,
		Step:         t.step,
		LearningRate: t.optimizer.GetLearningRate(),
		BestAccuracy: t.metrics.BestAccuracy(),
		TotalSteps:   t.step,
	}
	if len(t.metrics) > 0 {
		state.BestLoss = t.metrics.BestLoss()
	}
	return checkpoints.FromModel(t.model, state, opt), nil
}

// Restore loads weights, optimizer state and progress from c. The model
// architecture must match.
func (t *Trainer) Restore(c *checkpoints.Checkpoint) error {
	if err := checkpoints.LoadWeights(t.model, c.Weights); err != nil {
		return err
	}
	if c.OptimizerState != nil {
		if err := t.optimizer.LoadState(c.OptimizerState); err != nil {
			return fmt.Errorf("failed to restore optimizer: %w", err)
		}
	}
	t.epoch = c.TrainingState.Epoch
	t.step = c.TrainingState.Step
	return nil
}
