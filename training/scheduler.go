package training

import (
	"fmt"
	"math"
	"strings"
)

// Schedule kinds accepted in SchedulerConfig.Type.
const (
	ScheduleConstant    = "constant"
	ScheduleStep        = "step"
	ScheduleExponential = "exponential"
	ScheduleCosine      = "cosine"
	SchedulePlateau     = "plateau"
)

// SchedulerConfig names a schedule and its settings. Zero values select
// the schedule's defaults; fields a schedule does not read are ignored.
type SchedulerConfig struct {
	Type      string  // One of the Schedule* kinds, "" or "none" mean constant
	StepSize  int     // step: epochs between decays (30)
	Gamma     float64 // step (0.1), exponential (0.95): decay factor in (0, 1]
	TMax      int     // cosine: epochs to reach EtaMin (100)
	EtaMin    float64 // cosine: final rate
	Factor    float64 // plateau: decay factor in (0, 1) (0.1)
	Patience  int     // plateau: stalled epochs before a decay (10)
	Threshold float64 // plateau: smallest change that counts as progress (1e-4)
	Mode      string  // plateau: "min" or "max" (min)
	MinLR     float64 // Floor for every schedule
}

// EpochProgress is what a schedule sees before each epoch.
type EpochProgress struct {
	Epoch     int     // Zero-based epoch about to run, counted across Fit calls and resumes
	BaseLR    float64 // Optimizer rate when the trainer was created
	Monitored float64 // Monitored loss of the previous epoch, NaN when there is none
}

// Scheduler picks the learning rate of every epoch.
type Scheduler struct {
	config SchedulerConfig
	rate   func(EpochProgress) float64
}

// ConstantSchedule keeps the base rate for the whole run.
func ConstantSchedule() *Scheduler {
	s, _ := NewScheduler(SchedulerConfig{Type: ScheduleConstant})
	return s
}

// NewScheduler builds the schedule described by config after filling in
// defaults. Out-of-range settings are errors.
func NewScheduler(config SchedulerConfig) (*Scheduler, error) {
	config, err := config.normalize()
	if err != nil {
		return nil, err
	}

	s := &Scheduler{config: config}
	switch config.Type {
	case ScheduleConstant:
		s.rate = func(p EpochProgress) float64 { return p.BaseLR }
	case ScheduleStep:
		s.rate = func(p EpochProgress) float64 {
			return p.BaseLR * math.Pow(config.Gamma, float64(p.Epoch/config.StepSize))
		}
	case ScheduleExponential:
		s.rate = func(p EpochProgress) float64 {
			return p.BaseLR * math.Pow(config.Gamma, float64(p.Epoch))
		}
	case ScheduleCosine:
		s.rate = func(p EpochProgress) float64 {
			if p.Epoch >= config.TMax {
				return config.EtaMin
			}
			phase := math.Pi * float64(p.Epoch) / float64(config.TMax)
			return config.EtaMin + (p.BaseLR-config.EtaMin)*(1+math.Cos(phase))/2
		}
	case SchedulePlateau:
		s.rate = (&plateau{config: config, best: math.NaN()}).rate
	}
	return s, nil
}

// Name returns the schedule kind.
func (s *Scheduler) Name() string { return s.config.Type }

// Config returns the settings with defaults filled in.
func (s *Scheduler) Config() SchedulerConfig { return s.config }

// Rate returns the learning rate for the epoch described by p, never
// below MinLR.
func (s *Scheduler) Rate(p EpochProgress) float64 {
	return math.Max(s.rate(p), s.config.MinLR)
}

func (c SchedulerConfig) normalize() (SchedulerConfig, error) {
	c.Type = strings.ToLower(strings.TrimSpace(c.Type))
	if c.Type == "" || c.Type == "none" {
		c.Type = ScheduleConstant
	}
	if c.MinLR < 0 {
		return c, fmt.Errorf("min_lr cannot be negative, got %g", c.MinLR)
	}

	switch c.Type {
	case ScheduleConstant:
	case ScheduleStep:
		if c.StepSize < 0 {
			return c, fmt.Errorf("step_size cannot be negative, got %d", c.StepSize)
		}
		if c.StepSize == 0 {
			c.StepSize = 30
		}
		if c.Gamma == 0 {
			c.Gamma = 0.1
		}
	case ScheduleExponential:
		if c.Gamma == 0 {
			c.Gamma = 0.95
		}
	case ScheduleCosine:
		if c.TMax < 0 {
			return c, fmt.Errorf("t_max cannot be negative, got %d", c.TMax)
		}
		if c.TMax == 0 {
			c.TMax = 100
		}
		if c.EtaMin < 0 {
			return c, fmt.Errorf("eta_min cannot be negative, got %g", c.EtaMin)
		}
	case SchedulePlateau:
		if c.Factor == 0 {
			c.Factor = 0.1
		}
		if c.Factor <= 0 || c.Factor >= 1 {
			return c, fmt.Errorf("factor must be in (0, 1), got %g", c.Factor)
		}
		if c.Patience < 0 {
			return c, fmt.Errorf("patience cannot be negative, got %d", c.Patience)
		}
		if c.Patience == 0 {
			c.Patience = 10
		}
		if c.Threshold < 0 {
			return c, fmt.Errorf("threshold cannot be negative, got %g", c.Threshold)
		}
		if c.Threshold == 0 {
			c.Threshold = 1e-4
		}
		c.Mode = strings.ToLower(c.Mode)
		if c.Mode == "" {
			c.Mode = "min"
		}
		if c.Mode != "min" && c.Mode != "max" {
			return c, fmt.Errorf("mode must be min or max, got %q", c.Mode)
		}
	default:
		return c, fmt.Errorf("unknown scheduler %q", c.Type)
	}

	if (c.Type == ScheduleStep || c.Type == ScheduleExponential) && (c.Gamma <= 0 || c.Gamma > 1) {
		return c, fmt.Errorf("gamma must be in (0, 1], got %g", c.Gamma)
	}
	return c, nil
}

// plateau decays its rate by Factor once the monitored loss has stalled
// for Patience epochs. Each epoch's loss is seen once, at the start of the
// following epoch.
type plateau struct {
	config  SchedulerConfig
	current float64
	best    float64
	stalled int
	started bool
}

func (pl *plateau) rate(p EpochProgress) float64 {
	if !pl.started {
		pl.current = p.BaseLR
		pl.started = true
	}
	if math.IsNaN(p.Monitored) {
		return pl.current
	}
	if math.IsNaN(pl.best) || pl.improved(p.Monitored) {
		pl.best = p.Monitored
		pl.stalled = 0
		return pl.current
	}

	pl.stalled++
	if pl.stalled >= pl.config.Patience {
		pl.current = math.Max(pl.current*pl.config.Factor, pl.config.MinLR)
		pl.stalled = 0
	}
	return pl.current
}

func (pl *plateau) improved(loss float64) bool {
	if pl.config.Mode == "max" {
		return loss > pl.best+pl.config.Threshold
	}
	return loss < pl.best-pl.config.Threshold
}
