package logprobs_test

import (
	"strings"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/grpo/pkg/rl/logprobs"
	"github.com/gomlx/grpo/pkg/rl/models/tinylm"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectiveLogSoftmax(t *testing.T) {
	graphtest.RunTestGraphFn(t, "SelectiveLogSoftmax", func(g *Graph) (inputs, outputs []*Node) {
		logits := Const(g, [][]float32{{1, 2, 3}, {0, 0, 0}})
		ids := Const(g, []int32{2, 0})
		inputs = []*Node{logits, ids}
		outputs = []*Node{logprobs.SelectiveLogSoftmax(logits, ids)}
		return
	}, []any{
		[]float32{-0.40760596, -1.0986123},
	}, 1e-4)
}

func newTestContext(loraRank int) *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		tinylm.ParamEmbedDim:    8,
		tinylm.ParamNumHeads:    2,
		tinylm.ParamHeadDim:     4,
		tinylm.ParamNumLayers:   1,
		tinylm.ParamMaxPosEmbed: 16,
		tinylm.ParamLoRARank:    loraRank,
	})
	return ctx
}

func testBatch() (ids, mask *tensors.Tensor) {
	ids = tensors.FromValue([][]int32{{1, 5, 7, 9, 258}, {3, 4, 6, 258, 256}})
	mask = tensors.FromValue([][]int32{{1, 1, 1, 1, 1}, {1, 1, 1, 1, 0}})
	return
}

func policyLogProbs(t *testing.T, ctx *context.Context, model logprobs.Model, logitsToKeep int) []float32 {
	ids, mask := testBatch()
	output, err := context.ExecOnce(graphtest.BuildTestBackend(), ctx,
		func(ctx *context.Context, inputIDs, attentionMask *Node) *Node {
			return logprobs.PerToken(ctx, model, inputIDs, attentionMask, logitsToKeep)
		}, ids, mask)
	require.NoError(t, err)
	require.Equal(t, []int{2, logitsToKeep}, output.Shape().Dimensions)
	return tensors.MustCopyFlatData[float32](output)
}

func TestPerToken_WindowedMatchesGeneral(t *testing.T) {
	ctx := newTestContext(0)
	model := tinylm.New(ctx)
	ids, mask := testBatch()
	for _, logitsToKeep := range []int{1, 3, 4} {
		outputs, err := context.ExecOnceN(graphtest.BuildTestBackend(), ctx,
			func(ctx *context.Context, inputIDs, attentionMask *Node) []*Node {
				return []*Node{
					logprobs.PerToken(ctx, model, inputIDs, attentionMask, logitsToKeep),
					logprobs.PerTokenGeneral(ctx, model, inputIDs, attentionMask, logitsToKeep),
				}
			}, ids, mask)
		require.NoError(t, err)
		windowed := tensors.MustCopyFlatData[float32](outputs[0])
		general := tensors.MustCopyFlatData[float32](outputs[1])
		require.Len(t, windowed, 2*logitsToKeep)
		assert.InDeltaSlice(t, general, windowed, 1e-4, "logitsToKeep=%d", logitsToKeep)
		for _, v := range windowed {
			assert.LessOrEqual(t, v, float32(0))
		}
	}

	// Window must leave at least one preceding token.
	require.Panics(t, func() {
		_ = context.MustExecOnce(graphtest.BuildTestBackend(), ctx,
			func(ctx *context.Context, inputIDs, attentionMask *Node) *Node {
				return logprobs.PerToken(ctx, model, inputIDs, attentionMask, 5)
			}, ids, mask)
	})
}

func TestReference_AdaptersDisabled(t *testing.T) {
	ctx := newTestContext(2)
	model := tinylm.New(ctx)
	backend := graphtest.BuildTestBackend()
	const logitsToKeep = 3
	policy := policyLogProbs(t, ctx, model, logitsToKeep)

	ref := logprobs.NewAdapterDisabledReference(backend, ctx, model)
	assert.True(t, ref.AdaptersDisabled())
	ids, mask := testBatch()
	refLogProbs, err := ref.Compute(ids, mask, logitsToKeep)
	require.NoError(t, err)
	// LoRA "b" matrices start at zero: the adapters are a no-op.
	assert.InDeltaSlice(t, policy, tensors.MustCopyFlatData[float32](refLogProbs), 1e-5)

	// Only the adapters are trainable.
	var numAdapters int
	for v := range ctx.IterVariables() {
		isAdapter := strings.Contains(v.Scope(), "/lora")
		assert.Equal(t, isAdapter, v.Trainable, "variable %s", v.ScopeAndName())
		if isAdapter && v.Name() == "b" {
			numAdapters++
			dims := v.Shape().Dimensions
			require.NoError(t, v.SetValue(tensors.FromValue(xslices.Slice2DWithValue(float32(0.5), dims[0], dims[1]))))
		}
	}
	require.Greater(t, numAdapters, 0)

	updatedPolicy := policyLogProbs(t, ctx, model, logitsToKeep)
	refLogProbs, err = ref.Compute(ids, mask, logitsToKeep)
	require.NoError(t, err)
	refValues := tensors.MustCopyFlatData[float32](refLogProbs)
	assert.InDeltaSlice(t, policy, refValues, 1e-5, "reference should not see the adapters")
	assert.NotEqual(t, updatedPolicy, refValues)
}

func TestReference_Frozen(t *testing.T) {
	ctx := newTestContext(0)
	model := tinylm.New(ctx)
	const logitsToKeep = 2
	policy := policyLogProbs(t, ctx, model, logitsToKeep)

	trainable := make(map[string]bool)
	for v := range ctx.IterVariables() {
		trainable[v.ScopeAndName()] = v.Trainable
	}
	refCtx := must.M1(logprobs.FrozenCopy(ctx))
	for v := range refCtx.IterVariables() {
		assert.False(t, v.Trainable, "variable %s", v.ScopeAndName())
	}
	var numTrainable int
	for v := range ctx.IterVariables() {
		assert.Equal(t, trainable[v.ScopeAndName()], v.Trainable, "policy variable %s", v.ScopeAndName())
		if v.Trainable {
			numTrainable++
		}
	}
	assert.Greater(t, numTrainable, 0)

	ref := logprobs.NewFrozenReference(graphtest.BuildTestBackend(), refCtx, model)
	assert.False(t, ref.AdaptersDisabled())
	ids, mask := testBatch()
	refLogProbs, err := ref.Compute(ids, mask, logitsToKeep)
	require.NoError(t, err)
	assert.InDeltaSlice(t, policy, tensors.MustCopyFlatData[float32](refLogProbs), 1e-5)
}
