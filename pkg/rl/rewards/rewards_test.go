package rewards

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/grpo/pkg/rl/collective"
	"github.com/gomlx/grpo/pkg/rl/models/tinylm"
	"github.com/gomlx/grpo/pkg/rl/template"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completed(prompt, completion, solution string) template.Record {
	rec := template.NewRecord([]template.Message{{Role: template.RoleUser, Content: prompt}},
		map[string]any{"solution": solution})
	rec.SetResponse(completion)
	return rec
}

func constant(name string, values ...float64) Callable {
	return FuncSource(name, func(completions []string, _ map[string][]any) ([]float64, error) {
		if len(completions) != len(values) {
			return nil, errors.Errorf("got %d completions, expected %d", len(completions), len(values))
		}
		return values, nil
	})
}

func TestAggregator_Weights(t *testing.T) {
	_, err := NewAggregator(nil, nil)
	require.ErrorIs(t, err, ErrNoRewardSource)

	_, err = NewAggregator([]Source{constant("a")}, []float64{1, 2})
	require.ErrorIs(t, err, ErrWeightsMismatch)

	// Weights [0.5, 0.5] over [[2, 4], [0, 0]] give [3, 0].
	agg, err := NewAggregator([]Source{constant("a", 2, 0), constant("b", 4, 0)}, []float64{0.5, 0.5})
	require.NoError(t, err)
	records := []template.Record{completed("p", "x", "1"), completed("p", "y", "1")}
	scores, err := agg.Score(collective.Single(), records)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 0}, scores.Rewards)
	assert.Equal(t, [][]float64{{2, 4}, {0, 0}}, scores.Matrix)
	assert.Equal(t, []string{"a", "b"}, scores.Names)
	assert.Equal(t, []float64{1, 2}, scores.ColumnMeans())

	// Default weights are ones.
	agg, err = NewAggregator([]Source{constant("a", 2, 0), constant("b", 4, 0)}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1}, agg.Weights())
	scores, err = agg.SetMaxParallelism(0).Score(collective.Single(), records)
	require.NoError(t, err)
	assert.Equal(t, []float64{6, 0}, scores.Rewards)
}

func TestAggregator_GatherBeforeWeighting(t *testing.T) {
	group := collective.NewLocalGroup(2)
	results := make([]*Scores, group.WorldSize())
	err := group.Run(func(rt collective.Runtime) error {
		value := float64(rt.Rank() + 1)
		agg, err := NewAggregator([]Source{constant("rank", value)}, []float64{10})
		if err != nil {
			return err
		}
		scores, err := agg.Score(rt, []template.Record{completed("p", "c", "0")})
		results[rt.Rank()] = scores
		return err
	})
	require.NoError(t, err)
	for _, scores := range results {
		assert.Equal(t, [][]float64{{1}, {2}}, scores.Matrix)
		assert.Equal(t, []float64{10, 20}, scores.Rewards)
	}
}

func TestBuild(t *testing.T) {
	ctx := context.New()
	ctx.SetParam(ParamSoftCacheLength, 4)
	ctx.SetParam(ParamMaxCompletionLength, 16)
	sources, err := Build(ctx, template.ByteTokenizer{}, []any{"accuracy", "format", constant("custom", 1), "soft_overlong"})
	require.NoError(t, err)
	require.Len(t, sources, 4)
	assert.Equal(t, "accuracy", sources[0].Name())
	assert.Equal(t, "custom", sources[2].Name())

	_, err = Build(ctx, template.ByteTokenizer{}, []any{"no_such_reward"})
	require.ErrorIs(t, err, ErrUnknownReward)
	_, err = Build(ctx, template.ByteTokenizer{}, []any{42})
	require.ErrorIs(t, err, ErrUnknownReward)

	assert.Contains(t, Registered(), "cosine")
	assert.Contains(t, Registered(), "repetition")
}

func TestBuiltins(t *testing.T) {
	records := []template.Record{
		completed("2+2?", "<think>easy</think> <answer>4</answer>", "4"),
		completed("2+2?", "I guess 5", "4"),
		completed("2+2?", "The result is 4.0", "4"),
	}
	agg, err := NewAggregator([]Source{
		&Accuracy{SolutionField: "solution"},
		NewRegexpFormat("format", `^<think>.*?</think>\s*<answer>.*?</answer>$`),
	}, nil)
	require.NoError(t, err)
	matrix, err := agg.LocalMatrix(records)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 1}, {0, 0}, {1, 0}}, matrix)

	// Missing solution field is an error.
	_, err = (&Accuracy{SolutionField: "answer"}).Score([]string{"4"}, recordFields(records[:1]))
	require.Error(t, err)
}

func TestRepetition(t *testing.T) {
	rep := &Repetition{NGrams: 2, MaxPenalty: -1}
	scores, err := rep.Score([]string{"a b a b a b", "a b c d", "a"}, nil)
	require.NoError(t, err)
	// "a b a b a b": 5 bigrams, 2 unique.
	assert.InDeltaSlice(t, []float64{-(1 - 2.0/5), 0, 0}, scores, 1e-9)
}

func TestCosine(t *testing.T) {
	ctx := context.New()
	ctx.SetParam(ParamCosineMaxLen, 10)
	source, err := NewCosine(ctx, template.ByteTokenizer{})
	require.NoError(t, err)
	fields := map[string][]any{"solution": {"1", "1", "1", "1"}}
	scores, err := source.Score([]string{"1", "xxxxxxxxx1", "2", "xxxxxxxxx2"}, fields)
	require.NoError(t, err)
	want := []float64{
		0.5 + 0.25*(1+math.Cos(math.Pi/10)), // short correct: close to 1.0
		0.5,                                 // long correct
		0 - 0.25*(1+math.Cos(math.Pi/10)),   // short wrong: close to -0.5
		0,                                   // long wrong
	}
	assert.InDeltaSlice(t, want, scores, 1e-9)
}

func TestSoftOverlong(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{ParamSoftMaxLength: 10, ParamSoftCacheLength: 4})
	source, err := NewSoftOverlong(ctx, template.ByteTokenizer{})
	require.NoError(t, err)
	scores, err := source.Score([]string{"abc", "abcdef", "abcdefgh", "abcdefghij"}, nil)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 0, -0.5, -1}, scores, 1e-9)

	ctx.SetParam(ParamSoftCacheLength, 0)
	_, err = NewSoftOverlong(ctx, template.ByteTokenizer{})
	require.Error(t, err)
}

func TestGraphScorer(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{
		tinylm.ParamEmbedDim:    8,
		tinylm.ParamNumHeads:    1,
		tinylm.ParamHeadDim:     8,
		tinylm.ParamNumLayers:   1,
		tinylm.ParamMaxPosEmbed: 64,
	})
	rm := tinylm.New(ctx)
	tmpl := template.NewChatTemplate(template.ByteTokenizer{})
	tmpl.SetMaxLength(4)
	scorer, err := NewGraphScorer(backend, ModelName("org/tiny-rm/"), tmpl, ctx, rm.Score)
	require.NoError(t, err)
	assert.Equal(t, "tiny-rm", scorer.Name())

	agg, err := NewAggregator([]Source{scorer, constant("zero", 0, 0)}, nil)
	require.NoError(t, err)
	records := []template.Record{completed("a", "b", "x"), completed("longer prompt", "longer reply", "x")}
	matrix, err := agg.LocalMatrix(records)
	require.NoError(t, err)
	require.Len(t, matrix, 2)
	for _, row := range matrix {
		assert.False(t, math.IsNaN(row[0]))
		assert.Equal(t, 0.0, row[1])
	}
	// Encoding overrides restored after scoring.
	assert.Equal(t, template.ModeInfer, tmpl.Mode())
	assert.Equal(t, 4, tmpl.MaxLength())
}

func TestGraphScorer_Float64Scores(t *testing.T) {
	tmpl := template.NewChatTemplate(template.ByteTokenizer{})
	// Number of valid tokens per row, as float64.
	scoreFn := func(_ *context.Context, _, attentionMask *Node) *Node {
		return InsertAxes(ReduceSum(ConvertDType(attentionMask, dtypes.Float64), -1), -1)
	}
	scorer, err := NewGraphScorer(graphtest.BuildTestBackend(), "lengths", tmpl, context.New(), scoreFn)
	require.NoError(t, err)
	agg, err := NewAggregator([]Source{scorer}, nil)
	require.NoError(t, err)
	matrix, err := agg.LocalMatrix([]template.Record{completed("a", "b", "x"), completed("ab", "cd", "x")})
	require.NoError(t, err)
	require.Len(t, matrix, 2)
	assert.Greater(t, matrix[1][0], matrix[0][0])
	assert.Greater(t, matrix[0][0], 0.0)
}
