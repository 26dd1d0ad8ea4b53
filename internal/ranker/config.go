package ranker

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/onnwee/neuralrank/internal/nn"
	"github.com/onnwee/neuralrank/internal/optim"
	"github.com/onnwee/neuralrank/internal/state"
	"github.com/onnwee/neuralrank/internal/training"
)

// Default engine settings.
const (
	DefaultName              = "default"
	DefaultHistorySize       = 1000
	DefaultWeightDecay       = 1e-4
	DefaultWarmupSteps       = 100
	DefaultOptimizer         = string(optim.KindAdamW)
	DefaultHiddenDropoutRate = 0.1
)

// Config is the immutable configuration of one ranker. Field tags match the
// entries of the `rankers` list in the server configuration file.
type Config struct {
	Name              string    `koanf:"name"`
	Architecture      []int     `koanf:"architecture"`
	Optimizer         string    `koanf:"optimizer"`
	LearningRate      float64   `koanf:"learning_rate"`
	BatchSize         int       `koanf:"batch_size"`
	HistorySize       int       `koanf:"history_size"`
	BatchesPerUpdate  int       `koanf:"batches_per_update"`
	WeightDecay       float64   `koanf:"weight_decay"`
	LayerDecay        []float64 `koanf:"layer_decay"`
	DropoutRates      []float64 `koanf:"dropout_rates"`
	BatchNorm         bool      `koanf:"batch_norm"`
	Margin            float64   `koanf:"margin"`
	WarmupSteps       int       `koanf:"warmup_steps"`
	WarmupStartFactor float64   `koanf:"warmup_start_factor"`
	AdamBeta1         float64   `koanf:"adam_beta1"`
	AdamBeta2         float64   `koanf:"adam_beta2"`
	AdamEpsilon       float64   `koanf:"adam_epsilon"`
	MaxGradNorm       float64   `koanf:"max_grad_norm"`
	LeakySlope        float64   `koanf:"leaky_slope"`
	// Seed makes initialization, dropout and negative sampling reproducible.
	// Zero seeds from the process-wide generator.
	Seed uint64 `koanf:"seed"`
}

// DefaultConfig returns the settings used for a ranker over the default
// 11-feature schema.
func DefaultConfig() Config {
	return Config{
		Name:              DefaultName,
		Architecture:      []int{11, 16, 8, 1},
		Optimizer:         DefaultOptimizer,
		LearningRate:      optim.DefaultLearningRate,
		BatchSize:         training.DefaultBatchSize,
		HistorySize:       DefaultHistorySize,
		BatchesPerUpdate:  training.DefaultBatchesPerUpdate,
		WeightDecay:       DefaultWeightDecay,
		DropoutRates:      []float64{DefaultHiddenDropoutRate, 0},
		BatchNorm:         true,
		Margin:            training.DefaultMargin,
		WarmupSteps:       DefaultWarmupSteps,
		WarmupStartFactor: optim.DefaultWarmupStartFactor,
		AdamBeta1:         optim.DefaultBeta1,
		AdamBeta2:         optim.DefaultBeta2,
		AdamEpsilon:       optim.DefaultEpsilon,
		MaxGradNorm:       training.DefaultMaxGradNorm,
		LeakySlope:        nn.DefaultLeakySlope,
	}
}

// Validate returns every problem with the configuration joined into one
// error wrapping ErrInvalidConfig.
func (c Config) Validate() error {
	var errs []error
	if err := state.ValidateName(c.Name); err != nil {
		errs = append(errs, err)
	}
	if err := nn.ValidateArchitecture(c.Architecture); err != nil {
		errs = append(errs, err)
	}
	if _, err := optim.ParseKind(c.Optimizer); err != nil {
		errs = append(errs, err)
	}
	if c.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("learning_rate must be positive, got %v", c.LearningRate))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch_size must be positive, got %d", c.BatchSize))
	}
	if c.HistorySize <= 0 {
		errs = append(errs, fmt.Errorf("history_size must be positive, got %d", c.HistorySize))
	}
	if c.BatchesPerUpdate <= 0 {
		errs = append(errs, fmt.Errorf("batches_per_update must be positive, got %d", c.BatchesPerUpdate))
	}
	if c.WeightDecay < 0 {
		errs = append(errs, fmt.Errorf("weight_decay must not be negative, got %v", c.WeightDecay))
	}
	for i, r := range c.DropoutRates {
		if r < 0 || r >= 1 {
			errs = append(errs, fmt.Errorf("dropout_rates[%d] must be in [0, 1), got %v", i, r))
		}
	}
	if c.WarmupSteps < 0 {
		errs = append(errs, fmt.Errorf("warmup_steps must not be negative, got %d", c.WarmupSteps))
	}
	if c.WarmupStartFactor < 0 || c.WarmupStartFactor > 1 {
		errs = append(errs, fmt.Errorf("warmup_start_factor must be in [0, 1], got %v", c.WarmupStartFactor))
	}
	if !(c.AdamBeta1 > 0 && c.AdamBeta1 < 1) || !(c.AdamBeta2 > 0 && c.AdamBeta2 < 1) {
		errs = append(errs, fmt.Errorf("adam betas must be in (0, 1), got %v and %v", c.AdamBeta1, c.AdamBeta2))
	}
	if !(c.AdamEpsilon > 0) || math.IsInf(c.AdamEpsilon, 0) {
		errs = append(errs, fmt.Errorf("adam_epsilon must be positive, got %v", c.AdamEpsilon))
	}
	if !(c.Margin >= 0) || math.IsInf(c.Margin, 0) {
		errs = append(errs, fmt.Errorf("margin must be finite and not negative, got %v", c.Margin))
	}
	if !(c.MaxGradNorm > 0) || math.IsInf(c.MaxGradNorm, 0) {
		errs = append(errs, fmt.Errorf("max_grad_norm must be positive, got %v", c.MaxGradNorm))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: ranker %q: %w", ErrInvalidConfig, c.Name, errors.Join(errs...))
}

// InputWidth returns the configured feature vector width.
func (c Config) InputWidth() int { return c.Architecture[0] }

func (c Config) optimizerKind() optim.Kind {
	k, _ := optim.ParseKind(c.Optimizer)
	return k
}

func (c Config) netConfig() nn.Config {
	return nn.Config{
		Architecture: append([]int(nil), c.Architecture...),
		BatchNorm:    c.BatchNorm,
		LeakySlope:   c.LeakySlope,
		DropoutRates: append([]float64(nil), c.DropoutRates...),
	}
}

func (c Config) optimConfig() optim.Config {
	return optim.Config{
		LearningRate:      c.LearningRate,
		WeightDecay:       c.WeightDecay,
		LayerDecay:        append([]float64(nil), c.LayerDecay...),
		Beta1:             c.AdamBeta1,
		Beta2:             c.AdamBeta2,
		Epsilon:           c.AdamEpsilon,
		WarmupSteps:       c.WarmupSteps,
		WarmupStartFactor: c.WarmupStartFactor,
	}
}

func (c Config) trainerConfig() training.Config {
	return training.Config{
		BatchSize:        c.BatchSize,
		BatchesPerUpdate: c.BatchesPerUpdate,
		Margin:           c.Margin,
		MaxGradNorm:      c.MaxGradNorm,
	}
}

func (c Config) clone() Config {
	c.Architecture = append([]int(nil), c.Architecture...)
	c.LayerDecay = append([]float64(nil), c.LayerDecay...)
	c.DropoutRates = append([]float64(nil), c.DropoutRates...)
	return c
}

// LogValue implements slog.LogValuer.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", c.Name),
		slog.Any("architecture", c.Architecture),
		slog.String("optimizer", c.Optimizer),
		slog.Float64("learning_rate", c.LearningRate),
		slog.Int("batch_size", c.BatchSize),
		slog.Int("history_size", c.HistorySize),
		slog.Int("batches_per_update", c.BatchesPerUpdate),
		slog.Bool("batch_norm", c.BatchNorm),
		slog.Float64("margin", c.Margin),
	)
}
