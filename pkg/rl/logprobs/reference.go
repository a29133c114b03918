// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package logprobs

import (
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Reference computes per-token log-probabilities under the reference policy, without gradients.
//
// The reference policy is either a separate frozen model (NewFrozenReference) or the policy itself
// with its adapters disabled (NewAdapterDisabledReference).
type Reference struct {
	backend          backends.Backend
	ctx              *context.Context
	model            Model
	disableAdapters  bool
	execByWindowSize map[int]*context.Exec
}

// NewFrozenReference creates a Reference from a separate model, whose variables in ctx are all
// marked as not trainable.
func NewFrozenReference(backend backends.Backend, ctx *context.Context, model Model) *Reference {
	for v := range ctx.IterVariables() {
		v.SetTrainable(false)
	}
	return &Reference{backend: backend, ctx: ctx, model: model, execByWindowSize: make(map[int]*context.Exec)}
}

// NewAdapterDisabledReference creates a Reference that uses the policy's own weights with the
// adapters disabled (see ParamAdaptersDisabled).
//
// The adapters are only disabled in the graphs built by the Reference: the policy's graphs are not affected.
func NewAdapterDisabledReference(backend backends.Backend, policyCtx *context.Context, model Model) *Reference {
	return &Reference{backend: backend, ctx: policyCtx, model: model, disableAdapters: true,
		execByWindowSize: make(map[int]*context.Exec)}
}

// FrozenCopy returns a copy of ctx, with all variables marked as not trainable. It is used to create
// a separate reference model from the initial policy weights.
func FrozenCopy(ctx *context.Context) (*context.Context, error) {
	frozen, err := ctx.Clone()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to copy the policy context for the reference model")
	}
	for v := range frozen.IterVariables() {
		v.SetTrainable(false)
	}
	return frozen, nil
}

// AdaptersDisabled returns whether this reference is the policy with adapters disabled.
func (r *Reference) AdaptersDisabled() bool { return r.disableAdapters }

// Compute returns the reference log-probabilities of the last logitsToKeep tokens of inputIDs,
// shaped [batch, logitsToKeep].
func (r *Reference) Compute(inputIDs, attentionMask *tensors.Tensor, logitsToKeep int) (*tensors.Tensor, error) {
	exec, err := r.exec(logitsToKeep)
	if err != nil {
		return nil, err
	}
	var outputs []*tensors.Tensor
	if panicErr := exceptions.TryCatch[error](func() {
		outputs, err = exec.Exec(inputIDs, attentionMask)
	}); panicErr != nil {
		err = panicErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "computing reference log-probabilities (logitsToKeep=%d)", logitsToKeep)
	}
	return outputs[0], nil
}

func (r *Reference) exec(logitsToKeep int) (*context.Exec, error) {
	if exec, found := r.execByWindowSize[logitsToKeep]; found {
		return exec, nil
	}
	exec, err := context.NewExec(r.backend, r.ctx, func(ctx *context.Context, inputIDs, attentionMask *Node) *Node {
		g := inputIDs.Graph()
		ctx.SetTraining(g, false)
		if r.disableAdapters {
			ctx.SetGraphParam(g, ParamAdaptersDisabled, true)
		}
		return StopGradient(PerToken(ctx, r.model, inputIDs, attentionMask, logitsToKeep))
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create reference log-probabilities graph")
	}
	klog.V(1).Infof("created reference log-probabilities graph for logitsToKeep=%d (adapters disabled=%v)",
		logitsToKeep, r.disableAdapters)
	r.execByWindowSize[logitsToKeep] = exec
	return exec, nil
}

// InitializeModel creates the variables of model in ctx (by building its forward pass on a minimal batch)
// and initializes those without a value. Variables already loaded (e.g. from a checkpoint) are kept.
func InitializeModel(backend backends.Backend, ctx *context.Context, model Model) error {
	err := exceptions.TryCatch[error](func() {
		g := NewGraph(backend, "initialize_model")
		defer g.Finalize()
		inputIDs := Const(g, [][]int32{{0, 0}})
		attentionMask := OnesLike(inputIDs)
		_ = model.Logits(ctx, inputIDs, attentionMask)
	})
	if err != nil {
		return errors.WithMessage(err, "failed to build the model variables")
	}
	if err := ctx.InitializeVariables(backend, nil); err != nil {
		return errors.WithMessage(err, "failed to initialize the model variables")
	}
	return nil
}

