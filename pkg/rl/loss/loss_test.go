package loss

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck(t *testing.T) {
	require.NoError(t, Check(false))
	require.ErrorIs(t, Check(true), ErrReturnOutputs)
}

func TestPerTokenKL(t *testing.T) {
	graphtest.RunTestGraphFn(t, "PerTokenKL", func(g *Graph) (inputs, outputs []*Node) {
		pol := Const(g, [][]float32{{-1, -2, -0.5}})
		ref := Const(g, [][]float32{{-1, -1, -2}})
		inputs = []*Node{pol, ref}
		outputs = []*Node{PerTokenKL(pol, ref)}
		return
	}, []any{
		// exp(d)-d-1 for d = 0, 1, -1.5
		[][]float32{{0, 0.7182818, 0.7231302}},
	}, 1e-4)
}

func TestGRPO(t *testing.T) {
	// With pol == ref the KL vanishes and the loss is -mean(advantages), for any mask.
	graphtest.RunTestGraphFn(t, "GRPO without divergence", func(g *Graph) (inputs, outputs []*Node) {
		pol := Const(g, [][]float32{{-1, -2, -3}, {-0.5, -0.5, -0.5}})
		adv := Const(g, []float32{1, -3})
		mask := Const(g, [][]bool{{true, true, false}, {true, false, false}})
		inputs = []*Node{pol, adv, mask}
		outputs = []*Node{
			GRPO(pol, pol, adv, mask, 0.04),
			MeanKL(pol, pol, mask),
			CompletionLength(mask),
		}
		return
	}, []any{float32(1), float32(0), float32(1.5)}, 1e-5)

	// Per row: -(adv - beta*maskedMean(kl)).
	graphtest.RunTestGraphFn(t, "GRPO with divergence", func(g *Graph) (inputs, outputs []*Node) {
		pol := Const(g, [][]float32{{-2, -1}})
		ref := Const(g, [][]float32{{-1, -1}})
		adv := Const(g, []float32{0.5})
		mask := Const(g, [][]float32{{1, 1}})
		inputs = []*Node{pol, ref, adv, mask}
		outputs = []*Node{GRPO(pol, ref, adv, mask, 0.5), MeanKL(pol, ref, mask)}
		return
	}, []any{
		float32(-(0.5 - 0.5*0.7182818/2)),
		float32(0.7182818 / 2),
	}, 1e-4)

	// Empty masks yield a zero row loss.
	graphtest.RunTestGraphFn(t, "MaskedRowMean", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][]float32{{1, 2, 3}, {4, 5, 6}})
		mask := Const(g, [][]int32{{0, 1, 1}, {0, 0, 0}})
		inputs = []*Node{x, mask}
		outputs = []*Node{MaskedRowMean(x, mask)}
		return
	}, []any{[]float32{2.5, 0}}, 1e-5)
}

func TestSurrogateGradient(t *testing.T) {
	// The surrogate's value is the advantage, and its gradient w.r.t. the log-probabilities is the advantage.
	backend := graphtest.BuildTestBackend()
	outputs, err := MustNewExec(backend, func(pol, adv *Node) (*Node, *Node) {
		surrogate := Surrogate(pol, adv)
		return surrogate, Gradient(ReduceAllSum(surrogate), pol)[0]
	}).Exec(tensors.FromValue([][]float32{{-1, -3}}), tensors.FromValue([]float32{2}))
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{2, 2}}, outputs[0].Value())
	assert.Equal(t, [][]float32{{2, 2}}, outputs[1].Value())
}
