// Package training fits multi-layer perceptrons with the scalar autodiff
// engine: losses, learning rate schedules, metrics, checkpointing and the
// epoch loop.
package training

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"time"

	"github.com/mesograd/mesograd/engine"
	"github.com/mesograd/mesograd/internal/ctxlog"
	"github.com/mesograd/mesograd/layers"
	"github.com/mesograd/mesograd/optimizer"
)

// TrainingConfig holds configuration for training
type TrainingConfig struct {
	Epochs        int
	BatchSize     int     // Samples per step, 0 = the whole dataset
	Shuffle       bool    // Reshuffle the training set every epoch
	Seed          int64   // Seed for shuffling
	L2            float64 // Weight of the L2 penalty added to the loss (0 = off)
	Binary        bool    // Targets are +1/-1 labels, report accuracy
	LogEvery      int     // Log an info record every N epochs, others go to debug
	ValidateEvery int     // Run validation every N epochs (0 = no validation)
	EarlyStopping bool    // Enable early stopping on the monitored loss
	Patience      int     // Number of epochs to wait for improvement before stopping
	Prefetch      int     // Batches read ahead on a background goroutine (0 = synchronous)
}

// DefaultTrainingConfig returns the settings of the classic two-moons demo:
// full-batch steps with a small L2 penalty.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		Epochs:        100,
		Seed:          1337,
		L2:            1e-4,
		LogEvery:      10,
		ValidateEvery: 1,
		Patience:      10,
	}
}

// Validate checks the configuration for values the loop cannot use.
func (c TrainingConfig) Validate() error {
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch size cannot be negative, got %d", c.BatchSize)
	}
	if c.L2 < 0 {
		return fmt.Errorf("l2 penalty cannot be negative, got %g", c.L2)
	}
	if c.Prefetch < 0 {
		return fmt.Errorf("prefetch depth cannot be negative, got %d", c.Prefetch)
	}
	if c.EarlyStopping && c.Patience <= 0 {
		return fmt.Errorf("early stopping needs a positive patience, got %d", c.Patience)
	}
	return nil
}

// TrainingMetrics holds metrics for a single epoch. Accuracies are -1 when
// not measured.
type TrainingMetrics struct {
	Epoch         int
	TrainLoss     float64
	TrainAccuracy float64
	ValidLoss     float64
	ValidAccuracy float64
	Validated     bool
	LearningRate  float64
	EpochDuration time.Duration
	BatchCount    int
	GraphNodes    int // Nodes in the last step graph
}

// History is the per-epoch record of a Fit call.
type History []TrainingMetrics

// Last returns the final epoch's metrics.
func (h History) Last() (TrainingMetrics, bool) {
	if len(h) == 0 {
		return TrainingMetrics{}, false
	}
	return h[len(h)-1], true
}

// BestLoss returns the lowest monitored loss, validation loss when it was
// measured and training loss otherwise.
func (h History) BestLoss() float64 {
	best := math.Inf(1)
	for _, m := range h {
		best = math.Min(best, m.monitored())
	}
	return best
}

// BestAccuracy returns the highest measured accuracy, validation first, or
// -1 when none was measured.
func (h History) BestAccuracy() float64 {
	best := -1.0
	for _, m := range h {
		acc := m.TrainAccuracy
		if m.Validated && m.ValidAccuracy >= 0 {
			acc = m.ValidAccuracy
		}
		best = math.Max(best, acc)
	}
	return best
}

func (m TrainingMetrics) monitored() float64 {
	if m.Validated {
		return m.ValidLoss
	}
	return m.TrainLoss
}

// Trainer manages the training process
type Trainer struct {
	model       *layers.MLP
	optimizer   optimizer.Optimizer
	criterion   Loss
	scheduler   *Scheduler
	config      TrainingConfig
	progress    io.Writer
	checkpoints *CheckpointManager

	params    []optimizer.Parameter
	baseLR    float64
	epoch     int
	lastEpoch int
	step      int
	metrics   History
}

// NewTrainer creates a new Trainer. The optimizer's current learning rate
// becomes the base rate the scheduler works from.
func NewTrainer(model *layers.MLP, opt optimizer.Optimizer, criterion Loss, config TrainingConfig) (*Trainer, error) {
	if model == nil || opt == nil || criterion == nil {
		return nil, fmt.Errorf("model, optimizer and loss are required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Trainer{
		model:     model,
		optimizer: opt,
		criterion: criterion,
		scheduler: ConstantSchedule(),
		config:    config,
		params:    optimizer.Params(model.Parameters()),
		baseLR:    opt.GetLearningRate(),
	}, nil
}

// SetScheduler replaces the constant learning rate schedule.
func (t *Trainer) SetScheduler(s *Scheduler) {
	if s == nil {
		s = ConstantSchedule()
	}
	t.scheduler = s
}

// SetProgressOutput enables a progress bar per epoch on w.
func (t *Trainer) SetProgressOutput(w io.Writer) { t.progress = w }

// SetCheckpointManager enables periodic and best-model checkpoints.
func (t *Trainer) SetCheckpointManager(cm *CheckpointManager) { t.checkpoints = cm }

// Model returns the model being trained.
func (t *Trainer) Model() *layers.MLP { return t.model }

// GetMetrics returns the history of every epoch run so far.
func (t *Trainer) GetMetrics() History { return t.metrics }

// Fit runs the epoch loop over train and, when valid is not nil, evaluates
// on valid. It stops early when ctx is cancelled, returning the history so
// far together with the context's error.
func (t *Trainer) Fit(ctx context.Context, train, valid Dataset) (History, error) {
	if train == nil || train.Len() == 0 {
		return nil, fmt.Errorf("training set is empty")
	}
	logger := ctxlog.FromContext(ctx)
	loader := NewDataLoader(train, t.config.BatchSize, t.config.Shuffle, rand.New(rand.NewSource(t.config.Seed)))

	logger.Info("Training started.",
		"model", t.model.String(),
		"parameters", len(t.params),
		"samples", train.Len(),
		"batches", loader.Len(),
		"loss", t.criterion.Name(),
		"scheduler", t.scheduler.Name(),
		"epochs", t.config.Epochs)

	start := len(t.metrics)
	bestLoss := math.Inf(1)
	patienceCounter := 0
	t.lastEpoch = t.epoch + t.config.Epochs

	for i := 0; i < t.config.Epochs; i++ {
		if err := ctx.Err(); err != nil {
			logger.Warn("Training cancelled.", "epoch", t.epoch, "error", err)
			return t.metrics[start:], err
		}

		lr := t.scheduler.Rate(t.epochProgress())
		t.optimizer.UpdateLearningRate(lr)

		m, err := t.trainEpoch(ctx, loader)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				logger.Warn("Training cancelled.", "epoch", t.epoch, "error", ctxErr)
				return t.metrics[start:], ctxErr
			}
			return t.metrics[start:], fmt.Errorf("training epoch %d failed: %w", t.epoch, err)
		}
		m.LearningRate = lr

		if valid != nil && valid.Len() > 0 && t.config.ValidateEvery > 0 && (i+1)%t.config.ValidateEvery == 0 {
			m.ValidLoss, m.ValidAccuracy, err = t.Evaluate(valid)
			if err != nil {
				return t.metrics[start:], fmt.Errorf("validation epoch %d failed: %w", t.epoch, err)
			}
			m.Validated = true
		}

		t.metrics = append(t.metrics, m)
		t.logEpoch(ctx, m, i == t.config.Epochs-1)

		monitored := m.monitored()

		if t.checkpoints != nil {
			if err := t.checkpoints.OnEpochEnd(ctx, t, m); err != nil {
				return t.metrics[start:], err
			}
		}

		t.epoch++

		if monitored < bestLoss {
			bestLoss = monitored
			patienceCounter = 0
		} else if t.config.EarlyStopping {
			patienceCounter++
			if patienceCounter >= t.config.Patience {
				logger.Info("Early stopping triggered.", "epoch", m.Epoch, "best_loss", bestLoss)
				break
			}
		}
	}

	history := t.metrics[start:]
	if last, ok := history.Last(); ok {
		logger.Info("Training finished.", "epochs", len(history), "loss", last.TrainLoss, "best_loss", history.BestLoss())
	}
	return history, nil
}

// epochProgress describes the epoch about to run for the scheduler.
func (t *Trainer) epochProgress() EpochProgress {
	p := EpochProgress{Epoch: t.epoch, BaseLR: t.baseLR, Monitored: math.NaN()}
	if last, ok := t.metrics.Last(); ok {
		p.Monitored = last.monitored()
	}
	return p
}

func (t *Trainer) trainEpoch(ctx context.Context, loader *DataLoader) (TrainingMetrics, error) {
	epochStart := time.Now()
	m := TrainingMetrics{Epoch: t.epoch, TrainAccuracy: -1, ValidAccuracy: -1}

	var bar *ProgressBar
	if t.progress != nil {
		bar = NewProgressBar(t.progress, fmt.Sprintf("Epoch %d/%d", t.epoch+1, t.lastEpoch), loader.Len())
	}

	var totalLoss float64
	var totalSamples int
	var cm ConfusionMatrix

	loader.Reset()
	var source batchSource = loader
	if t.config.Prefetch > 0 {
		p := NewPrefetcher(ctx, loader, t.config.Prefetch)
		defer p.Stop()
		source = p
	}

	for {
		if err := ctx.Err(); err != nil {
			return m, err
		}
		batch, err := source.Next()
		if err != nil {
			return m, err
		}
		if batch == nil {
			break
		}

		loss, nodes, err := t.TrainStep(batch, &cm)
		if err != nil {
			return m, fmt.Errorf("step %d: %w", t.step, err)
		}

		totalLoss += loss * float64(len(batch))
		totalSamples += len(batch)
		m.BatchCount++
		m.GraphNodes = nodes

		if bar != nil {
			metrics := map[string]float64{"loss": totalLoss / float64(totalSamples)}
			if t.config.Binary {
				metrics["acc"] = cm.Accuracy()
			}
			bar.Update(m.BatchCount, metrics)
		}
	}
	if err := ctx.Err(); err != nil {
		return m, err
	}
	if bar != nil {
		bar.Finish()
	}

	m.TrainLoss = totalLoss / float64(totalSamples)
	if t.config.Binary {
		m.TrainAccuracy = cm.Accuracy()
	}
	m.EpochDuration = time.Since(epochStart)
	return m, nil
}

// TrainStep runs one optimization step on batch in a fresh graph and
// returns the loss value and the graph size. Binary decisions are added to
// cm when it is not nil.
func (t *Trainer) TrainStep(batch []Sample, cm *ConfusionMatrix) (float64, int, error) {
	g := engine.NewGraph()
	loss, preds, err := t.forward(g, batch)
	if err != nil {
		return 0, 0, err
	}
	if t.config.L2 > 0 {
		loss = loss.Add(L2Regularization(g, t.model.Parameters(), t.config.L2))
	}
	if math.IsNaN(loss.Data()) || math.IsInf(loss.Data(), 0) {
		return 0, g.Len(), fmt.Errorf("loss diverged to %v", loss.Data())
	}

	layers.ZeroGrad(t.model)
	if err := loss.Backward(); err != nil {
		return 0, g.Len(), fmt.Errorf("backward pass failed: %w", err)
	}
	layers.CollectGrads(t.model)

	if err := t.optimizer.Step(t.params); err != nil {
		return 0, g.Len(), fmt.Errorf("optimizer step failed: %w", err)
	}
	t.step++

	if cm != nil && t.config.Binary {
		for i, p := range preds {
			cm.Update(p[0].Data(), batch[i].Y[0])
		}
	}
	return loss.Data(), g.Len(), nil
}

// Evaluate returns the unregularized loss over ds and, for binary tasks,
// the accuracy (-1 otherwise). Parameters are not updated.
func (t *Trainer) Evaluate(ds Dataset) (float64, float64, error) {
	loader := NewDataLoader(ds, t.config.BatchSize, false, nil)
	var totalLoss float64
	var totalSamples int
	var cm ConfusionMatrix

	for {
		batch, err := loader.Next()
		if err != nil {
			return 0, 0, err
		}
		if batch == nil {
			break
		}
		loss, preds, err := t.forward(engine.NewGraph(), batch)
		if err != nil {
			return 0, 0, err
		}
		totalLoss += loss.Data() * float64(len(batch))
		totalSamples += len(batch)
		if t.config.Binary {
			for i, p := range preds {
				cm.Update(p[0].Data(), batch[i].Y[0])
			}
		}
	}

	if totalSamples == 0 {
		return 0, 0, fmt.Errorf("evaluation set is empty")
	}
	accuracy := -1.0
	if t.config.Binary {
		accuracy = cm.Accuracy()
	}
	return totalLoss / float64(totalSamples), accuracy, nil
}

func (t *Trainer) forward(g *engine.Graph, batch []Sample) (engine.Value, [][]engine.Value, error) {
	preds := make([][]engine.Value, len(batch))
	targets := make([][]float64, len(batch))
	for i, s := range batch {
		in := make([]engine.Value, len(s.X))
		for j, x := range s.X {
			in[j] = g.Scalar(x)
		}
		out, err := t.model.Forward(g, in)
		if err != nil {
			return engine.Value{}, nil, fmt.Errorf("forward pass failed: %w", err)
		}
		preds[i] = out
		targets[i] = s.Y
	}

	loss, err := t.criterion.Forward(g, preds, targets)
	if err != nil {
		return engine.Value{}, nil, fmt.Errorf("loss computation failed: %w", err)
	}
	return loss, preds, nil
}

func (t *Trainer) logEpoch(ctx context.Context, m TrainingMetrics, last bool) {
	logger := ctxlog.FromContext(ctx)
	attrs := []any{
		"epoch", m.Epoch,
		"loss", m.TrainLoss,
		"lr", m.LearningRate,
		"batches", m.BatchCount,
		"nodes", m.GraphNodes,
		"duration", m.EpochDuration,
	}
	if m.TrainAccuracy >= 0 {
		attrs = append(attrs, "accuracy", m.TrainAccuracy)
	}
	if m.Validated {
		attrs = append(attrs, "valid_loss", m.ValidLoss)
		if m.ValidAccuracy >= 0 {
			attrs = append(attrs, "valid_accuracy", m.ValidAccuracy)
		}
	}

	if last || (t.config.LogEvery > 0 && m.Epoch%t.config.LogEvery == 0) {
		logger.Info("Epoch complete.", attrs...)
	} else {
		logger.Debug("Epoch complete.", attrs...)
	}
}
