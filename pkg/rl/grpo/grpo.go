// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package grpo composes the GRPO training step on top of the GoMLX training loop.
//
// A Trainer is a train.Dataset: each Yield generates the completions of the local prompt shard, scores them,
// computes the group-relative advantages and the reference log-probabilities, and returns them as the inputs
// and labels of a regular train step. The train step itself (policy log-probabilities with gradients, GRPO loss,
// optimizer update) is a train.Trainer built with Trainer.ModelFn, Trainer.ComputeLoss and Trainer.Metrics.
//
// Example:
//
//	rt := collective.Single()
//	grpoTrainer := must.M1(grpo.Build(rt, backend, ctx, model, tmpl).
//		Prompts(prompts).
//		Rewards("accuracy", "format").
//		Done())
//	trainer := must.M1(grpoTrainer.NewTrainer(optimizers.FromContext(ctx)))
//	loop := train.NewLoop(trainer)
//	grpoTrainer.Attach(loop)
//	_, err := loop.RunSteps(grpoTrainer, numSteps)
//
// Every process of the group runs the same program: the pipeline calls collectives (gather, broadcast,
// barrier) in the same order in every process.
package grpo

import (
	stdcontext "context"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/grpo/pkg/rl/advantages"
	"github.com/gomlx/grpo/pkg/rl/collective"
	"github.com/gomlx/grpo/pkg/rl/generation"
	"github.com/gomlx/grpo/pkg/rl/logprobs"
	"github.com/gomlx/grpo/pkg/rl/reporting"
	"github.com/gomlx/grpo/pkg/rl/rewards"
	"github.com/gomlx/grpo/pkg/rl/template"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Builder configures a Trainer. Create it with Build and finish with Done.
type Builder struct {
	rt      collective.Runtime
	backend backends.Backend
	ctx     *context.Context
	model   logprobs.Model
	tmpl    template.Template

	runCtx       stdcontext.Context
	prompts      PromptSource
	rewardSpecs  []any
	refCtx       *context.Context
	refModel     logprobs.Model
	engine       generation.Engine
	maxRewardCPU int
}

// Build starts the configuration of a Trainer for the policy model, whose weights and hyperparameters
// (see Param* constants) are in ctx. tmpl encodes the policy's conversations.
func Build(rt collective.Runtime, backend backends.Backend, ctx *context.Context, model logprobs.Model,
	tmpl template.Template) *Builder {
	return &Builder{rt: rt, backend: backend, ctx: ctx, model: model, tmpl: tmpl, runCtx: stdcontext.Background()}
}

// Prompts sets the source of the training prompts. Only the main process reads from it.
func (b *Builder) Prompts(prompts PromptSource) *Builder {
	b.prompts = prompts
	return b
}

// Rewards appends reward sources: registered reward names (see rewards.Register), rewards.Callable or
// rewards.ScoringModel values.
func (b *Builder) Rewards(specs ...any) *Builder {
	b.rewardSpecs = append(b.rewardSpecs, specs...)
	return b
}

// Reference sets a separate reference model. Its variables in refCtx are frozen.
//
// If not set, the reference is the policy with its adapters disabled, if the model has adapters
// (see logprobs.Adapters), or a frozen copy of the initial policy weights otherwise.
func (b *Builder) Reference(refCtx *context.Context, refModel logprobs.Model) *Builder {
	b.refCtx, b.refModel = refCtx, refModel
	return b
}

// Engine overrides the generation engine. With centralized generation only the main process needs
// one, and it must implement generation.WeightLoader.
func (b *Builder) Engine(engine generation.Engine) *Builder {
	b.engine = engine
	return b
}

// WithContext sets the context checked for cancellation between the stages of each step.
func (b *Builder) WithContext(runCtx stdcontext.Context) *Builder {
	b.runCtx = runCtx
	return b
}

// MaxRewardParallelism limits the number of reward functions evaluated concurrently.
// The default is the number of CPUs.
func (b *Builder) MaxRewardParallelism(n int) *Builder {
	b.maxRewardCPU = n
	return b
}

// Done validates the configuration and creates the Trainer.
//
// All configuration errors are detected before the first collective: in centralized mode the processes
// synchronize on a barrier at the end.
func (b *Builder) Done() (*Trainer, error) {
	cfg := ConfigFromContext(b.ctx)
	if err := cfg.Validate(b.rt.WorldSize()); err != nil {
		return nil, err
	}
	if b.rt.IsMainProcess() && b.prompts == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "no prompt source configured")
	}
	sources, err := rewards.Build(b.ctx, b.tmpl.Tokenizer(), b.rewardSpecs)
	if err != nil {
		return nil, err
	}
	aggregator, err := rewards.NewAggregator(sources, cfg.RewardWeights)
	if err != nil {
		return nil, err
	}
	if b.maxRewardCPU > 0 {
		aggregator.SetMaxParallelism(b.maxRewardCPU)
	}
	normalizer, err := advantages.NewNormalizer(b.backend, cfg.NumGenerations, cfg.AdvantageStdUnbiased)
	if err != nil {
		return nil, err
	}

	engine := b.engine
	if cfg.UseCentralized {
		// Every process validates the device, so they all fail together.
		device, err := generation.ResolveDevice(cfg.CentralizedDevice, int(b.backend.NumDevices()), b.rt.LocalWorldSize())
		if err != nil {
			return nil, err
		}
		if engine == nil && b.rt.IsMainProcess() {
			centralized, err := generation.NewCentralizedEngine(b.backend, b.ctx, b.model, b.tmpl, device,
				b.rt.LocalWorldSize())
			if err != nil {
				return nil, err
			}
			centralized.MaxBatchSize = cfg.GenerationMaxBatchSize
			engine = centralized
		}
	} else if engine == nil {
		local := generation.NewLocalEngine(b.backend, b.ctx, b.model, b.tmpl)
		local.MaxBatchSize = cfg.GenerationMaxBatchSize
		engine = local
	}

	var writer *reporting.CompletionsWriter
	if cfg.LogCompletions && b.rt.IsMainProcess() {
		writer, err = reporting.NewCompletionsWriter(cfg.OutputDir)
		if err != nil {
			return nil, err
		}
	}

	if err := logprobs.InitializeModel(b.backend, b.ctx, b.model); err != nil {
		return nil, errors.WithMessage(err, "policy model")
	}
	reference, err := b.reference()
	if err != nil {
		return nil, err
	}

	dispatcher, err := generation.NewDispatcher(b.rt, b.tmpl, engine, b.ctx, generation.DispatcherConfig{
		Centralized: cfg.UseCentralized,
		Multimodal:  logprobs.IsMultimodal(b.model),
		Request:     cfg.Request(),
	})
	if err != nil {
		return nil, err
	}
	t := &Trainer{
		cfg:         cfg,
		rt:          b.rt,
		backend:     b.backend,
		ctx:         b.ctx,
		model:       b.model,
		runCtx:      b.runCtx,
		prompts:     b.prompts,
		dispatcher:  dispatcher,
		reference:   reference,
		aggregator:  aggregator,
		normalizer:  normalizer,
		sink:        reporting.NewSink(),
		completions: writer,
	}
	t.klMetric, t.lengthMetric = newMetrics()
	if b.rt.IsMainProcess() {
		klog.V(1).Infof("GRPO trainer: %d processes, %d generations per prompt, beta=%g, rewards=%v, weights=%v, "+
			"reference=%s, %s", b.rt.WorldSize(), cfg.NumGenerations, cfg.Beta, aggregator.Names(),
			aggregator.Weights(), t.ReferenceKind(), dispatcher)
	}
	return t, nil
}

func (b *Builder) reference() (*logprobs.Reference, error) {
	switch {
	case b.refModel != nil:
		refCtx := b.refCtx
		if refCtx == nil {
			return nil, errors.Wrap(ErrInvalidConfig, "reference model given without its context")
		}
		if err := logprobs.InitializeModel(b.backend, refCtx, b.refModel); err != nil {
			return nil, errors.WithMessage(err, "reference model")
		}
		return logprobs.NewFrozenReference(b.backend, refCtx, b.refModel), nil
	case logprobs.HasAdapters(b.model):
		return logprobs.NewAdapterDisabledReference(b.backend, b.ctx, b.model), nil
	default:
		frozen, err := logprobs.FrozenCopy(b.ctx)
		if err != nil {
			return nil, err
		}
		return logprobs.NewFrozenReference(b.backend, frozen, b.model), nil
	}
}
