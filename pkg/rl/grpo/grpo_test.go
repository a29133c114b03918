package grpo

import (
	"fmt"
	"io"
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/grpo/pkg/rl/collective"
	"github.com/gomlx/grpo/pkg/rl/loss"
	"github.com/gomlx/grpo/pkg/rl/models/tinylm"
	"github.com/gomlx/grpo/pkg/rl/reporting"
	"github.com/gomlx/grpo/pkg/rl/rewards"
	"github.com/gomlx/grpo/pkg/rl/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidNumGenerations(t *testing.T) {
	assert.Equal(t, []int{2, 3, 4, 6, 12}, ValidNumGenerations(12))
	assert.Empty(t, ValidNumGenerations(1))
}

func TestConfig_Validate(t *testing.T) {
	cfg := ConfigFromContext(context.New())
	assert.True(t, cfg.AdvantageStdUnbiased)
	cfg.NumGenerations, cfg.PerDeviceTrainBatchSize = 3, 2
	err := cfg.Validate(2)
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "global train batch size (2 x 2)")
	assert.Contains(t, err.Error(), "valid values for the number of generations are: [2 4]")

	cfg.NumGenerations = 2
	require.NoError(t, cfg.Validate(2))

	cfg.EvalEnabled, cfg.PerDeviceEvalBatchSize = true, 3
	err = cfg.Validate(1)
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "global eval batch size (1 x 3)")
	assert.Contains(t, err.Error(), "are: [3]")

	cfg.EvalEnabled = false
	cfg.NumGenerations, cfg.PerDeviceTrainBatchSize = 1, 1
	require.ErrorIs(t, cfg.Validate(1), ErrInvalidConfig)
	cfg.AdvantageStdUnbiased = false
	require.NoError(t, cfg.Validate(1))
}

func TestSlicePrompts(t *testing.T) {
	records := make([]template.Record, 3)
	for i := range records {
		records[i] = template.NewRecord([]template.Message{{Role: template.RoleUser, Content: fmt.Sprint(i)}}, nil)
	}
	src := NewSlicePrompts(records)
	batch, err := src.Next(2)
	require.NoError(t, err)
	assert.Equal(t, "0", batch[0].Messages[0].Content)
	_, err = src.Next(2)
	require.ErrorIs(t, err, io.EOF)
	_, err = src.Next(4)
	require.Error(t, err)

	src.Infinite(true).Shuffle(42)
	seen := make(map[string]int)
	for range 3 {
		batch, err := src.Next(1)
		require.NoError(t, err)
		seen[batch[0].ID]++
	}
	assert.Len(t, seen, 3)

	repeated := repeatPrompts(records[:2], 3)
	require.Len(t, repeated, 6)
	assert.Equal(t, records[0].ID+"/0", repeated[0].ID)
	assert.Equal(t, records[0].ID+"/2", repeated[2].ID)
	assert.Equal(t, records[1].Messages, repeated[3].Messages)
}

func newTestContext(t *testing.T) *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		tinylm.ParamEmbedDim:         8,
		tinylm.ParamNumHeads:         2,
		tinylm.ParamHeadDim:          4,
		tinylm.ParamNumLayers:        1,
		tinylm.ParamMaxPosEmbed:      64,
		tinylm.ParamLoRARank:         2,
		ParamNumGenerations:          2,
		ParamBeta:                    0.1,
		ParamTrainBatchSize:          4,
		ParamMaxCompletionLength:     3,
		ParamTemperature:             1.0,
		ParamTopK:                    0,
		ParamTopP:                    1.0,
		ParamLogCompletions:          true,
		ParamLoggingSteps:            1,
		ParamOutputDir:               t.TempDir(),
		optimizers.ParamLearningRate: 0.01,
	})
	return ctx
}

func testPrompts(n int) *SlicePrompts {
	records := make([]template.Record, n)
	for i := range records {
		records[i] = template.NewRecord(
			[]template.Message{{Role: template.RoleUser, Content: fmt.Sprintf("%d+%d", i, i)}},
			map[string]any{"solution": fmt.Sprint(2 * i)})
	}
	return NewSlicePrompts(records)
}

func lengthReward() rewards.Callable {
	return rewards.FuncSource("length", func(completions []string, _ map[string][]any) ([]float64, error) {
		scores := make([]float64, len(completions))
		for i, c := range completions {
			scores[i] = float64(len(c))
		}
		return scores, nil
	})
}

func TestBuild_ConfigErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := newTestContext(t)
	model := tinylm.New(ctx)
	tmpl := template.NewChatTemplate(template.ByteTokenizer{})
	rt := collective.Single()

	_, err := Build(rt, backend, ctx, model, tmpl).Prompts(testPrompts(4)).Rewards("nope").Done()
	require.ErrorIs(t, err, rewards.ErrUnknownReward)

	_, err = Build(rt, backend, ctx, model, tmpl).Prompts(testPrompts(4)).Done()
	require.ErrorIs(t, err, rewards.ErrNoRewardSource)

	_, err = Build(rt, backend, ctx, model, tmpl).Rewards(lengthReward()).Done()
	require.ErrorIs(t, err, ErrInvalidConfig)

	ctx.SetParam(ParamRewardWeights, []float64{1, 2})
	_, err = Build(rt, backend, ctx, model, tmpl).Prompts(testPrompts(4)).Rewards(lengthReward()).Done()
	require.ErrorIs(t, err, rewards.ErrWeightsMismatch)

	ctx.SetParam(ParamRewardWeights, []float64(nil))
	ctx.SetParam(ParamNumGenerations, 3)
	_, err = Build(rt, backend, ctx, model, tmpl).Prompts(testPrompts(4)).Rewards(lengthReward()).Done()
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestTrainer_PrepareInputs(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := newTestContext(t)
	model := tinylm.New(ctx)
	tmpl := template.NewChatTemplate(template.ByteTokenizer{})
	trainer, err := Build(collective.Single(), backend, ctx, model, tmpl).
		Prompts(testPrompts(4)).
		Rewards(lengthReward(), "format").
		Done()
	require.NoError(t, err)
	assert.Equal(t, "policy with adapters disabled", trainer.ReferenceKind())

	step, err := trainer.PrepareInputs()
	require.NoError(t, err)
	prepared := step.Prepared
	require.Len(t, prepared.Records, 4)
	assert.LessOrEqual(t, prepared.LogitsToKeep, 3+1)

	// Groups of 2 consecutive samples share the prompt.
	assert.Equal(t, prepared.Records[0].Prompt(), prepared.Records[1].Prompt())
	assert.Equal(t, prepared.Records[2].Prompt(), prepared.Records[3].Prompt())
	assert.NotEqual(t, prepared.Records[0].Prompt(), prepared.Records[2].Prompt())

	// Each completion mask row counts the completion bytes plus EOS.
	for i, row := range prepared.CompletionMask {
		var count float32
		for _, v := range row {
			count += v
		}
		assert.Equal(t, float32(len(prepared.Records[i].Completion())+1), count, "row %d", i)
	}

	// Advantages sum to zero within each group.
	require.Len(t, step.Advantages, 4)
	assert.InDelta(t, 0, step.Advantages[0]+step.Advantages[1], 1e-4)
	assert.InDelta(t, 0, step.Advantages[2]+step.Advantages[3], 1e-4)
	for i, r := range step.Scores.Rewards {
		assert.Equal(t, float64(len(prepared.Records[i].Completion())), step.Scores.Matrix[i][0])
		assert.Equal(t, step.Scores.Matrix[i][0]+step.Scores.Matrix[i][1], r)
	}

	spec, inputs, labels := step.Tensors()
	assert.Equal(t, StepSpec{LogitsToKeep: prepared.LogitsToKeep}, spec)
	require.Len(t, inputs, 2)
	require.Len(t, labels, 3)
	assert.Equal(t, []int{4, prepared.LogitsToKeep}, labels[0].Shape().Dimensions)

	means := trainer.Sink().Means()
	assert.Contains(t, means, reporting.MetricReward)
	assert.Contains(t, means, reporting.MetricRewardStd)
	assert.Contains(t, means, "rewards/length")
	assert.Contains(t, means, "rewards/format")

	logged, err := reporting.ReadCompletions(trainer.CompletionsPath())
	require.NoError(t, err)
	require.Len(t, logged, 4)
	assert.Equal(t, int64(0), logged[3].Step)
	assert.Equal(t, step.Scores.Rewards[3], logged[3].Reward)

	// The prompt source is exhausted after 2 steps of 2 prompts.
	_, _, _, err = trainer.Yield()
	require.NoError(t, err)
	_, _, _, err = trainer.Yield()
	require.ErrorIs(t, err, io.EOF)
}

func TestTrainer_ComputeLoss(t *testing.T) {
	trainer := &Trainer{cfg: Config{Beta: 0.1}}
	_, err := trainer.ComputeLoss(true)
	require.ErrorIs(t, err, loss.ErrReturnOutputs)
	lossFn, err := trainer.ComputeLoss(false)
	require.NoError(t, err)
	require.NotNil(t, lossFn)
}

func TestTrainer_TrainSteps(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := newTestContext(t)
	ctx.SetParam(ParamLogCompletions, false)
	model := tinylm.New(ctx)
	tmpl := template.NewChatTemplate(template.ByteTokenizer{})
	grpoTrainer, err := Build(collective.Single(), backend, ctx, model, tmpl).
		Prompts(testPrompts(4).Infinite(true)).
		Rewards(lengthReward()).
		Done()
	require.NoError(t, err)
	assert.Empty(t, grpoTrainer.CompletionsPath())

	trainer, err := grpoTrainer.NewTrainer(optimizers.StochasticGradientDescent().WithDecay(false).Done())
	require.NoError(t, err)
	loop := train.NewLoop(trainer)
	grpoTrainer.Attach(loop)
	_, err = loop.RunSteps(grpoTrainer, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), optimizers.GetGlobalStep(ctx))

	snapshot := grpoTrainer.Sink().Snapshot()
	require.Len(t, snapshot[reporting.MetricLoss], 3)
	require.Len(t, snapshot[reporting.MetricKL], 3)
	require.Len(t, snapshot[reporting.MetricCompletionLength], 3)
	require.Len(t, snapshot[reporting.MetricReward], 3)

	// The reference is the policy with zero adapters in the first step.
	assert.InDelta(t, 0, snapshot[reporting.MetricKL][0], 1e-5)
	for _, kl := range snapshot[reporting.MetricKL] {
		assert.GreaterOrEqual(t, kl, -1e-6)
	}
	for _, length := range snapshot[reporting.MetricCompletionLength] {
		assert.True(t, length >= 1 && length <= 4, "completion length %g", length)
		assert.False(t, math.IsNaN(length))
	}
}

func TestTrainer_RecordStepMetrics(t *testing.T) {
	trainer := &Trainer{rt: collective.Single(), sink: reporting.NewSink()}
	trainer.klMetric, trainer.lengthMetric = newMetrics()
	batchLoss := metrics.NewBaseMetric("Batch Loss", "loss", metrics.LossMetricType, nil, nil)
	movingLoss := metrics.NewBaseMetric("Moving Average Loss", "~loss", metrics.LossMetricType, nil, nil)
	trainMetrics := append([]metrics.Interface{batchLoss, movingLoss}, trainer.Metrics()...)
	values := []*tensors.Tensor{
		tensors.FromScalar(float32(0.5)),
		tensors.FromScalar(float32(0.7)),
		tensors.FromScalar(float32(0.01)),
		tensors.FromScalar(float32(3)),
	}
	require.NoError(t, trainer.recordStepMetrics(trainMetrics, values))
	assert.Equal(t, map[string][]float64{
		reporting.MetricLoss:             {0.5},
		reporting.MetricKL:               {float64(float32(0.01))},
		reporting.MetricCompletionLength: {3},
	}, trainer.Sink().Snapshot())

	require.Error(t, trainer.recordStepMetrics(trainMetrics, values[:2]))
}

func TestTrainer_CentralizedGeneration(t *testing.T) {
	const worldSize = 2
	backend := graphtest.BuildTestBackend()
	lg := collective.NewLocalGroup(worldSize)
	steps := make([]*StepInputs, worldSize)
	prompts := testPrompts(4)
	err := lg.Run(func(rt collective.Runtime) error {
		ctx := newTestContext(t)
		ctx.SetParams(map[string]any{
			ParamTrainBatchSize: 2,
			ParamUseCentralized: true,
			ParamLogCompletions: false,
		})
		model := tinylm.New(ctx)
		builder := Build(rt, backend, ctx, model, template.NewChatTemplate(template.ByteTokenizer{})).
			Rewards(lengthReward())
		if rt.IsMainProcess() {
			builder.Prompts(prompts)
		}
		trainer, err := builder.Done()
		if err != nil {
			return err
		}
		steps[rt.Rank()], err = trainer.PrepareInputs()
		return err
	})
	require.NoError(t, err)

	// Both processes see the same global rewards, and own consecutive shards of the groups.
	assert.Equal(t, steps[0].Scores.Rewards, steps[1].Scores.Rewards)
	for rank, step := range steps {
		require.Len(t, step.Prepared.Records, 2, "rank %d", rank)
		assert.Equal(t, step.Prepared.Records[0].Prompt(), step.Prepared.Records[1].Prompt())
		for i, rec := range step.Prepared.Records {
			assert.Equal(t, float64(len(rec.Completion())), step.Scores.Rewards[rank*2+i])
		}
	}
	assert.NotEqual(t, steps[0].Prepared.Records[0].Prompt(), steps[1].Prepared.Records[0].Prompt())
}
