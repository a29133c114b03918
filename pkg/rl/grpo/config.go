// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package grpo

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/grpo/pkg/rl/generation"
	"github.com/pkg/errors"
)

// Hyperparameter keys, read from the policy context.
const (
	// ParamNumGenerations is the number of completions generated per prompt (the group size).
	ParamNumGenerations = "grpo_num_generations"

	// ParamBeta is the KL penalty coefficient.
	ParamBeta = "grpo_beta"

	ParamTrainBatchSize = "per_device_train_batch_size"
	ParamEvalBatchSize  = "per_device_eval_batch_size"
	ParamEvalEnabled    = "eval_enabled"

	ParamMaxCompletionLength = "max_completion_length"
	ParamTemperature         = "temperature"
	ParamTopP                = "top_p"
	ParamTopK                = "top_k"
	ParamRepetitionPenalty   = "repetition_penalty"

	// ParamGenerationMaxBatchSize limits the number of sequences generated together, 0 for no limit.
	ParamGenerationMaxBatchSize = "generation_max_batch_size"

	ParamUseCentralized    = "use_centralized_generation"
	ParamCentralizedDevice = "centralized_device"

	// ParamRewardWeights is a []float64 with one weight per reward source. Empty means all ones.
	ParamRewardWeights = "reward_weights"

	ParamLogCompletions = "log_completions"
	ParamLoggingSteps   = "logging_steps"
	ParamOutputDir      = "output_dir"

	// ParamAdvantageStdUnbiased selects the sample (Bessel-corrected) standard deviation of the group rewards.
	// If false the population standard deviation is used.
	// It defaults to true, so the advantages of a group are larger by about sqrt(G/(G-1)) than with
	// the population std: set it to false to get (r-mean)/(std+1e-4) with the population std.
	ParamAdvantageStdUnbiased = "advantage_std_unbiased"
)

// ErrInvalidConfig is returned for configurations rejected at construction.
var ErrInvalidConfig = errors.New("invalid GRPO configuration")

// Config of the GRPO step.
type Config struct {
	NumGenerations int
	Beta           float64

	PerDeviceTrainBatchSize int
	PerDeviceEvalBatchSize  int
	EvalEnabled             bool

	MaxCompletionLength    int
	Temperature, TopP      float64
	TopK                   int
	RepetitionPenalty      float64
	GenerationMaxBatchSize int
	UseCentralized         bool
	CentralizedDevice      int
	RewardWeights          []float64
	LogCompletions         bool
	LoggingSteps           int
	OutputDir              string
	AdvantageStdUnbiased   bool
}

// ConfigFromContext reads the configuration from the context hyperparameters.
func ConfigFromContext(ctx *context.Context) Config {
	return Config{
		NumGenerations:          context.GetParamOr(ctx, ParamNumGenerations, 8),
		Beta:                    context.GetParamOr(ctx, ParamBeta, 0.04),
		PerDeviceTrainBatchSize: context.GetParamOr(ctx, ParamTrainBatchSize, 8),
		PerDeviceEvalBatchSize:  context.GetParamOr(ctx, ParamEvalBatchSize, 8),
		EvalEnabled:             context.GetParamOr(ctx, ParamEvalEnabled, false),
		MaxCompletionLength:     context.GetParamOr(ctx, ParamMaxCompletionLength, 512),
		Temperature:             context.GetParamOr(ctx, ParamTemperature, 0.9),
		TopP:                    context.GetParamOr(ctx, ParamTopP, 1.0),
		TopK:                    context.GetParamOr(ctx, ParamTopK, 50),
		RepetitionPenalty:       context.GetParamOr(ctx, ParamRepetitionPenalty, 1.0),
		GenerationMaxBatchSize:  context.GetParamOr(ctx, ParamGenerationMaxBatchSize, 0),
		UseCentralized:          context.GetParamOr(ctx, ParamUseCentralized, false),
		CentralizedDevice:       context.GetParamOr(ctx, ParamCentralizedDevice, generation.DeviceAuto),
		RewardWeights:           context.GetParamOr(ctx, ParamRewardWeights, []float64(nil)),
		LogCompletions:          context.GetParamOr(ctx, ParamLogCompletions, false),
		LoggingSteps:            context.GetParamOr(ctx, ParamLoggingSteps, 10),
		OutputDir:               context.GetParamOr(ctx, ParamOutputDir, "grpo_output"),
		AdvantageStdUnbiased:    context.GetParamOr(ctx, ParamAdvantageStdUnbiased, true),
	}
}

// Request returns the sampling configuration of the generation engines.
func (c Config) Request() generation.RequestConfig {
	return generation.RequestConfig{
		MaxTokens:         c.MaxCompletionLength,
		Temperature:       c.Temperature,
		TopP:              c.TopP,
		TopK:              c.TopK,
		RepetitionPenalty: c.RepetitionPenalty,
	}
}

// ValidNumGenerations returns the group sizes n in [2, globalBatchSize] that divide globalBatchSize.
func ValidNumGenerations(globalBatchSize int) []int {
	var valid []int
	for n := 2; n <= globalBatchSize; n++ {
		if globalBatchSize%n == 0 {
			valid = append(valid, n)
		}
	}
	return valid
}

// Validate checks the configuration for a run with worldSize processes. Errors wrap ErrInvalidConfig.
func (c Config) Validate(worldSize int) error {
	if c.NumGenerations < 1 {
		return errors.Wrapf(ErrInvalidConfig, "%s=%d must be >= 1", ParamNumGenerations, c.NumGenerations)
	}
	if c.AdvantageStdUnbiased && c.NumGenerations < 2 {
		return errors.Wrapf(ErrInvalidConfig, "%s=%d must be >= 2 for the sample standard deviation of rewards "+
			"(or set %s=false)", ParamNumGenerations, c.NumGenerations, ParamAdvantageStdUnbiased)
	}
	if c.MaxCompletionLength < 1 {
		return errors.Wrapf(ErrInvalidConfig, "%s=%d must be >= 1", ParamMaxCompletionLength, c.MaxCompletionLength)
	}
	if err := checkDivisible("train", worldSize, c.PerDeviceTrainBatchSize, c.NumGenerations); err != nil {
		return err
	}
	if c.EvalEnabled {
		if err := checkDivisible("eval", worldSize, c.PerDeviceEvalBatchSize, c.NumGenerations); err != nil {
			return err
		}
	}
	return nil
}

func checkDivisible(kind string, worldSize, perDevice, numGenerations int) error {
	global := worldSize * perDevice
	if global > 0 && global%numGenerations == 0 {
		return nil
	}
	return errors.Wrap(ErrInvalidConfig, fmt.Sprintf("the global %s batch size (%d x %d) must be evenly divisible by "+
		"the number of generations per prompt (%d). Given the current %s batch size, the valid values for the "+
		"number of generations are: %v", kind, worldSize, perDevice, numGenerations, kind, ValidNumGenerations(global)))
}
