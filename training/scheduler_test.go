package training

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// fitRates runs Fit on the line dataset and returns the rate of every epoch.
func fitRates(t *testing.T, trainer *Trainer, epochs int) []float64 {
	t.Helper()
	trainer.config.Epochs = epochs
	history, err := trainer.Fit(context.Background(), lineDataset(t), nil)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	rates := make([]float64, len(history))
	for i, m := range history {
		rates[i] = m.LearningRate
	}
	return rates
}

func cosineRate(base, etaMin float64, epoch, tMax int) float64 {
	return etaMin + (base-etaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(tMax)))/2
}

func TestFitFollowsSchedule(t *testing.T) {
	tests := []struct {
		name     string
		config   SchedulerConfig
		expected []float64
	}{
		{
			name:     "constant",
			config:   SchedulerConfig{},
			expected: []float64{0.1, 0.1, 0.1},
		},
		{
			name:     "step halves every two epochs",
			config:   SchedulerConfig{Type: ScheduleStep, StepSize: 2, Gamma: 0.5},
			expected: []float64{0.1, 0.1, 0.05, 0.05, 0.025},
		},
		{
			name:     "exponential",
			config:   SchedulerConfig{Type: ScheduleExponential, Gamma: 0.5},
			expected: []float64{0.1, 0.05, 0.025, 0.0125},
		},
		{
			name:     "exponential stops at min_lr",
			config:   SchedulerConfig{Type: ScheduleExponential, Gamma: 0.5, MinLR: 0.03},
			expected: []float64{0.1, 0.05, 0.03, 0.03},
		},
		{
			name:   "cosine reaches eta_min and stays",
			config: SchedulerConfig{Type: ScheduleCosine, TMax: 4, EtaMin: 0.01},
			expected: []float64{
				0.1,
				cosineRate(0.1, 0.01, 1, 4),
				cosineRate(0.1, 0.01, 2, 4),
				cosineRate(0.1, 0.01, 3, 4),
				0.01,
				0.01,
			},
		},
		{
			// a threshold no loss change can beat makes every epoch a stall
			name:     "plateau decays on stall",
			config:   SchedulerConfig{Type: SchedulePlateau, Factor: 0.5, Patience: 1, Threshold: 100},
			expected: []float64{0.1, 0.1, 0.05, 0.025},
		},
		{
			name:     "plateau waits for patience",
			config:   SchedulerConfig{Type: SchedulePlateau, Factor: 0.5, Patience: 2, Threshold: 100},
			expected: []float64{0.1, 0.1, 0.1, 0.05, 0.05, 0.025},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scheduler, err := NewScheduler(tt.config)
			if err != nil {
				t.Fatalf("NewScheduler failed: %v", err)
			}
			trainer := newLineTrainer(t, 0.1, DefaultTrainingConfig())
			trainer.SetScheduler(scheduler)

			rates := fitRates(t, trainer, len(tt.expected))
			if diff := cmp.Diff(tt.expected, rates, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
				t.Errorf("Learning rates mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestScheduleContinuesAcrossFitCalls(t *testing.T) {
	scheduler, err := NewScheduler(SchedulerConfig{Type: ScheduleStep, StepSize: 2, Gamma: 0.5})
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	trainer := newLineTrainer(t, 0.1, DefaultTrainingConfig())
	trainer.SetScheduler(scheduler)

	first := fitRates(t, trainer, 2)
	second := fitRates(t, trainer, 2)
	if diff := cmp.Diff([]float64{0.1, 0.1, 0.05, 0.05}, append(first, second...)); diff != "" {
		t.Errorf("Epochs must keep counting across Fit calls (-want +got):\n%s", diff)
	}
}

func TestPlateauObservesEachLossOnce(t *testing.T) {
	scheduler, err := NewScheduler(SchedulerConfig{Type: SchedulePlateau, Factor: 0.5, Patience: 2, Threshold: 0.01})
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}

	steps := []struct {
		name      string
		monitored float64
		expected  float64
	}{
		{"first epoch", math.NaN(), 0.1},
		{"sets the best", 1.0, 0.1},
		{"improves", 0.98, 0.1},
		{"stall 1", 0.975, 0.1},
		{"stall 2 decays", 0.99, 0.05},
		{"stall counter restarted", 0.99, 0.05},
		{"improvement resets", 0.5, 0.05},
		{"repeated start of a later Fit", math.NaN(), 0.05},
	}

	for i, s := range steps {
		lr := scheduler.Rate(EpochProgress{Epoch: i, BaseLR: 0.1, Monitored: s.monitored})
		if lr != s.expected {
			t.Errorf("%s: expected LR %v, got %v", s.name, s.expected, lr)
		}
	}
}

func TestPlateauMaxModeAndFloor(t *testing.T) {
	scheduler, err := NewScheduler(SchedulerConfig{Type: SchedulePlateau, Mode: "MAX", Factor: 0.1, Patience: 1, MinLR: 0.005})
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}

	rate := func(monitored float64) float64 {
		return scheduler.Rate(EpochProgress{BaseLR: 0.1, Monitored: monitored})
	}
	rate(0.5)
	if lr := rate(0.6); lr != 0.1 {
		t.Errorf("A higher value is progress in max mode, got LR %v", lr)
	}
	for i := 0; i < 4; i++ {
		rate(0.1)
	}
	if lr := rate(0.1); lr != 0.005 {
		t.Errorf("Expected LR floored at 0.005, got %v", lr)
	}
}

func TestNewSchedulerFillsDefaults(t *testing.T) {
	tests := []struct {
		name     string
		config   SchedulerConfig
		expected SchedulerConfig
	}{
		{"empty is constant", SchedulerConfig{}, SchedulerConfig{Type: ScheduleConstant}},
		{"none is constant", SchedulerConfig{Type: "None"}, SchedulerConfig{Type: ScheduleConstant}},
		{"step", SchedulerConfig{Type: "Step"}, SchedulerConfig{Type: ScheduleStep, StepSize: 30, Gamma: 0.1}},
		{"exponential", SchedulerConfig{Type: "exponential"}, SchedulerConfig{Type: ScheduleExponential, Gamma: 0.95}},
		{"cosine", SchedulerConfig{Type: "cosine", EtaMin: 0.001}, SchedulerConfig{Type: ScheduleCosine, TMax: 100, EtaMin: 0.001}},
		{
			"plateau",
			SchedulerConfig{Type: " plateau ", Patience: 3},
			SchedulerConfig{Type: SchedulePlateau, Factor: 0.1, Patience: 3, Threshold: 1e-4, Mode: "min"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewScheduler(tt.config)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.expected, s.Config()); diff != "" {
				t.Errorf("Config mismatch (-want +got):\n%s", diff)
			}
			if s.Name() != tt.expected.Type {
				t.Errorf("Expected name %s, got %s", tt.expected.Type, s.Name())
			}
		})
	}
}

func TestNewSchedulerRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name    string
		config  SchedulerConfig
		wantErr string
	}{
		{"unknown", SchedulerConfig{Type: "warmup"}, "unknown scheduler"},
		{"negative min_lr", SchedulerConfig{MinLR: -1}, "min_lr"},
		{"negative step size", SchedulerConfig{Type: ScheduleStep, StepSize: -2}, "step_size"},
		{"growing gamma", SchedulerConfig{Type: ScheduleExponential, Gamma: 1.5}, "gamma"},
		{"negative gamma", SchedulerConfig{Type: ScheduleStep, Gamma: -0.5}, "gamma"},
		{"negative t_max", SchedulerConfig{Type: ScheduleCosine, TMax: -1}, "t_max"},
		{"negative eta_min", SchedulerConfig{Type: ScheduleCosine, EtaMin: -0.1}, "eta_min"},
		{"factor of one", SchedulerConfig{Type: SchedulePlateau, Factor: 1}, "factor"},
		{"negative patience", SchedulerConfig{Type: SchedulePlateau, Patience: -1}, "patience"},
		{"negative threshold", SchedulerConfig{Type: SchedulePlateau, Threshold: -1}, "threshold"},
		{"bad mode", SchedulerConfig{Type: SchedulePlateau, Mode: "avg"}, "mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewScheduler(tt.config)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
