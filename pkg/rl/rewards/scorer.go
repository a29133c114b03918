// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewards

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/grpo/pkg/rl/template"
	"github.com/pkg/errors"
)

// ScoreFn is a graph function returning one or more scores per row, shaped [batch, numChannels].
type ScoreFn func(ctx *context.Context, inputIDs, attentionMask *Node) *Node

// GraphScorer is a ScoringModel whose forward pass is a GoMLX graph function over its own context.
// Its variables are never trained: the graph runs in inference mode and its output is wrapped in StopGradient.
type GraphScorer struct {
	name string
	tmpl template.Template
	exec *context.Exec
}

var _ ScoringModel = (*GraphScorer)(nil)

// NewGraphScorer creates a ScoringModel named name (see ModelName) using scoreFn over ctx.
func NewGraphScorer(backend backends.Backend, name string, tmpl template.Template, ctx *context.Context,
	scoreFn ScoreFn) (*GraphScorer, error) {
	s := &GraphScorer{name: name, tmpl: tmpl}
	var err error
	s.exec, err = context.NewExec(backend, ctx, func(ctx *context.Context, inputIDs, attentionMask *Node) *Node {
		ctx.SetTraining(inputIDs.Graph(), false)
		scores := scoreFn(ctx, inputIDs, attentionMask)
		if scores.Rank() != 2 {
			exceptions.Panicf("reward model %q must return scores shaped [batch, numChannels], got %s", name, scores.Shape())
		}
		// First output channel.
		batchSize := scores.Shape().Dimensions[0]
		scores = ConvertDType(Slice(scores, AxisRange(), AxisRange(0, 1)), dtypes.Float32)
		return StopGradient(Reshape(scores, batchSize))
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create graph for reward model %q", name)
	}
	return s, nil
}

func (s *GraphScorer) Name() string                { return s.name }
func (s *GraphScorer) Template() template.Template { return s.tmpl }

// Score implements ScoringModel.
func (s *GraphScorer) Score(batch *template.Batch) ([]float64, error) {
	inputIDs, attentionMask := batch.Tensors()
	var flat []float32
	var err error
	if panicErr := exceptions.TryCatch[error](func() {
		var outputs []*tensors.Tensor
		outputs, err = s.exec.Exec(inputIDs, attentionMask)
		if err == nil {
			flat = tensors.MustCopyFlatData[float32](outputs[0])
		}
	}); panicErr != nil {
		err = panicErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "scoring with reward model %q", s.name)
	}
	scores := make([]float64, len(flat))
	for i, v := range flat {
		scores[i] = float64(v)
	}
	return scores, nil
}
