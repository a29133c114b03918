package tinylm

import (
	"strings"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newContext(loraRank int) *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamEmbedDim:    8,
		ParamNumHeads:    2,
		ParamHeadDim:     4,
		ParamNumLayers:   1,
		ParamMaxPosEmbed: 8,
		ParamLoRARank:    loraRank,
	})
	return ctx
}

func TestModel_Shapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := newContext(0)
	model := New(ctx)
	assert.False(t, model.HasAdapters())
	ids := tensors.FromValue([][]int32{{1, 2, 3, 258}, {4, 5, 258, 256}})
	mask := tensors.FromValue([][]int32{{1, 1, 1, 1}, {1, 1, 1, 0}})
	outputs, err := context.ExecOnceN(backend, ctx, func(ctx *context.Context, inputIDs, attentionMask *Node) []*Node {
		return []*Node{
			model.Logits(ctx, inputIDs, attentionMask),
			model.WindowedLogits(ctx, inputIDs, attentionMask, 2),
			model.Score(ctx, inputIDs, attentionMask),
		}
	}, ids, mask)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 259}, outputs[0].Shape().Dimensions)
	assert.Equal(t, []int{2, 2, 259}, outputs[1].Shape().Dimensions)
	assert.Equal(t, []int{2, 1}, outputs[2].Shape().Dimensions)

	err = exceptions.TryCatch[error](func() {
		long := make([][]int32, 1)
		long[0] = make([]int32, 9)
		_, execErr := context.ExecOnce(backend, ctx, func(ctx *context.Context, inputIDs *Node) *Node {
			return model.Logits(ctx, inputIDs, OnesLike(inputIDs))
		}, long)
		if execErr != nil {
			panic(execErr)
		}
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max position embedding")
}

func TestModel_LoRAFreezesBaseWeights(t *testing.T) {
	ctx := newContext(2)
	model := New(ctx)
	assert.True(t, model.HasAdapters())
	ids := tensors.FromValue([][]int32{{1, 2, 3}})
	mask := tensors.FromValue([][]int32{{1, 1, 1}})
	_, err := context.ExecOnce(graphtest.BuildTestBackend(), ctx, func(ctx *context.Context, inputIDs, attentionMask *Node) *Node {
		return model.Logits(ctx, inputIDs, attentionMask)
	}, ids, mask)
	require.NoError(t, err)

	var numAdapters int
	for v := range ctx.IterVariables() {
		isAdapter := strings.Contains(v.Scope(), "/"+loraScope)
		assert.Equal(t, isAdapter, v.Trainable, "variable %s", v.ScopeAndName())
		if isAdapter {
			numAdapters++
		}
	}
	// a and b for ff1, ff2 and the output projection.
	assert.Equal(t, 6, numAdapters)
}
