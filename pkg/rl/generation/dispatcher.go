// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package generation

import (
	"context"
	"fmt"

	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/grpo/pkg/rl/collective"
	"github.com/gomlx/grpo/pkg/rl/template"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// WeightLoader is implemented by engines holding their own copy of the policy weights.
type WeightLoader interface {
	LoadWeights(policyCtx *mlctx.Context) error
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Centralized selects generation in the main process over the global batch. Otherwise every process
	// generates its own shard.
	Centralized bool

	// Multimodal models have their template's post-encode hooks disabled during local generation.
	Multimodal bool

	Request RequestConfig
}

// Dispatcher runs the generation stage of a GRPO step: it produces one reply per record with the configured
// engine and re-encodes the completed records for training.
//
// With Centralized set, only the main process needs an engine, which must implement WeightLoader: its weights
// are refreshed from the policy once per global step. Every process must call Generate for every step,
// since it runs collectives.
type Dispatcher struct {
	rt        collective.Runtime
	tmpl      template.Template
	engine    Engine
	policyCtx *mlctx.Context
	cfg       DispatcherConfig

	lastLoadedStep int64
}

// NewDispatcher creates a Dispatcher. policyCtx holds the live policy weights, copied into a centralized engine
// by LoadWeights.
//
// In centralized mode it waits on a barrier for the other processes, so all of them must create their
// Dispatcher.
func NewDispatcher(rt collective.Runtime, tmpl template.Template, engine Engine, policyCtx *mlctx.Context,
	cfg DispatcherConfig) (*Dispatcher, error) {
	d := &Dispatcher{rt: rt, tmpl: tmpl, engine: engine, policyCtx: policyCtx, cfg: cfg, lastLoadedStep: -1}
	if !cfg.Centralized || rt.IsMainProcess() {
		if engine == nil {
			return nil, errors.Errorf("generation engine missing in process %d", rt.Rank())
		}
	}
	if cfg.Centralized {
		if rt.IsMainProcess() {
			if _, ok := engine.(WeightLoader); !ok {
				return nil, errors.Errorf("centralized generation requires an engine that loads weights, got %T", engine)
			}
		}
		if err := rt.Barrier(); err != nil {
			return nil, errors.WithMessage(err, "waiting for the centralized generation engine")
		}
	}
	return d, nil
}

// LastLoadedStep is the global step of the last weights load into a centralized engine, -1 if none.
func (d *Dispatcher) LastLoadedStep() int64 { return d.lastLoadedStep }

// String implements fmt.Stringer.
func (d *Dispatcher) String() string {
	if d.cfg.Centralized {
		return fmt.Sprintf("Dispatcher(centralized, %v)", d.engine)
	}
	return "Dispatcher(local)"
}

// Generate generates the replies of the local records for globalStep and returns them encoded for training.
// The given records are not modified.
func (d *Dispatcher) Generate(ctx context.Context, globalStep int64, records []template.Record) (*PreparedBatch, error) {
	if len(records) == 0 {
		return nil, errors.New("no records to generate for")
	}
	inputs := make([]template.Record, len(records))
	for i, rec := range records {
		inputs[i] = rec.Clone()
		inputs[i].RemoveResponse()
	}

	var responses []Response
	var err error
	if d.cfg.Centralized {
		responses, err = d.inferCentralized(ctx, globalStep, inputs)
	} else {
		responses, err = d.inferLocal(ctx, inputs)
	}
	if err != nil {
		return nil, err
	}
	if len(responses) != len(inputs) {
		return nil, errors.Errorf("generation returned %d responses for %d records", len(responses), len(inputs))
	}

	prepared := &PreparedBatch{Records: inputs, FinishReasons: make([]string, len(inputs))}
	for i, resp := range responses {
		if len(resp.Choices) == 0 {
			return nil, errors.Errorf("no reply generated for record #%d (id=%s)", i, inputs[i].ID)
		}
		choice := resp.Choices[0]
		prepared.Records[i].SetResponse(choice.Message.Content)
		prepared.FinishReasons[i] = choice.FinishReason
	}

	err = template.WithEncodingOverrides(d.tmpl, func() error {
		var err error
		prepared.Batch, err = template.EncodeBatch(d.tmpl, prepared.Records)
		return err
	})
	if err != nil {
		return nil, errors.WithMessage(err, "encoding the generated replies")
	}
	prepared.LogitsToKeep = ComputeLogitsToKeep(prepared.Batch.Labels)
	if prepared.LogitsToKeep == 0 {
		return nil, errors.New("encoded batch has no completion tokens")
	}
	prepared.CompletionMask, err = CompletionMask(prepared.Batch.Labels, prepared.LogitsToKeep)
	if err != nil {
		return nil, err
	}
	return prepared, nil
}

func (d *Dispatcher) inferLocal(ctx context.Context, records []template.Record) (responses []Response, err error) {
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	infer := func() error {
		var err error
		responses, err = d.engine.Infer(records, d.cfg.Request)
		return err
	}
	if d.cfg.Multimodal {
		err = template.WithoutPostEncodeHooks(d.tmpl, infer)
	} else {
		err = infer()
	}
	if err != nil {
		return nil, errors.WithMessage(err, "local generation failed")
	}
	return responses, nil
}

// centralizedResult is broadcast from the main process: the responses for the global batch, or the error
// that prevented them.
type centralizedResult struct {
	Responses []Response
	Err       string
}

func (d *Dispatcher) inferCentralized(ctx context.Context, globalStep int64, records []template.Record) ([]Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var loadErr error
	if d.rt.IsMainProcess() && globalStep != d.lastLoadedStep {
		loadErr = d.engine.(WeightLoader).LoadWeights(d.policyCtx)
		if loadErr == nil {
			klog.V(1).Infof("generation weights loaded for global step %d", globalStep)
			d.lastLoadedStep = globalStep
		}
	}
	// Load errors are reported after the broadcast, so that every process fails the same way.
	if err := d.rt.Barrier(); err != nil {
		return nil, errors.WithMessage(err, "waiting for the generation weights to load")
	}

	global, err := collective.Gather(d.rt, records)
	if err != nil {
		return nil, errors.WithMessage(err, "gathering records for centralized generation")
	}

	var result centralizedResult
	if d.rt.IsMainProcess() {
		switch {
		case loadErr != nil:
			result.Err = errors.WithMessage(loadErr, "loading weights into the generation engine").Error()
		default:
			if panicErr := exceptions.TryCatch[error](func() {
				result.Responses, err = d.engine.Infer(global, d.cfg.Request)
			}); panicErr != nil {
				err = panicErr
			}
			if err != nil {
				result.Err = err.Error()
			}
		}
	}
	result, err = collective.BroadcastValue(d.rt, result, 0)
	if err != nil {
		return nil, errors.WithMessage(err, "broadcasting generated replies")
	}
	if result.Err != "" {
		return nil, errors.Errorf("centralized generation failed: %s", result.Err)
	}
	if len(result.Responses) != len(global) {
		return nil, errors.Errorf("centralized generation returned %d responses for %d records",
			len(result.Responses), len(global))
	}
	return collective.LocalShard(result.Responses, d.rt.Rank(), len(records))
}
