// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package grpo

import (
	stdcontext "context"
	"fmt"
	"io"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/grpo/pkg/rl/advantages"
	"github.com/gomlx/grpo/pkg/rl/collective"
	"github.com/gomlx/grpo/pkg/rl/generation"
	"github.com/gomlx/grpo/pkg/rl/logprobs"
	"github.com/gomlx/grpo/pkg/rl/loss"
	"github.com/gomlx/grpo/pkg/rl/reporting"
	"github.com/gomlx/grpo/pkg/rl/rewards"
	"github.com/gomlx/grpo/pkg/rl/template"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Trainer runs the GRPO step. Create it with Build.
//
// It implements train.Dataset: each Yield prepares the inputs of one train step.
type Trainer struct {
	cfg     Config
	rt      collective.Runtime
	backend backends.Backend
	ctx     *context.Context
	model   logprobs.Model
	runCtx  stdcontext.Context
	prompts PromptSource

	dispatcher  *generation.Dispatcher
	reference   *logprobs.Reference
	aggregator  *rewards.Aggregator
	normalizer  *advantages.Normalizer
	sink        *reporting.Sink
	completions *reporting.CompletionsWriter

	klMetric, lengthMetric metrics.Interface
}

var _ train.Dataset = (*Trainer)(nil)

// Config used by the trainer.
func (t *Trainer) Config() Config { return t.cfg }

// Sink with the accumulated step metrics.
func (t *Trainer) Sink() *reporting.Sink { return t.sink }

// CompletionsPath is the path of the completions log, or "" if completions are not logged by this process.
func (t *Trainer) CompletionsPath() string {
	if t.completions == nil {
		return ""
	}
	return t.completions.Path()
}

// ReferenceKind describes the reference policy.
func (t *Trainer) ReferenceKind() string {
	if t.reference.AdaptersDisabled() {
		return "policy with adapters disabled"
	}
	return "frozen model"
}

// Name implements train.Dataset.
func (t *Trainer) Name() string { return "grpo" }

// Reset implements train.Dataset, restarting the prompt source.
func (t *Trainer) Reset() {
	if t.prompts != nil {
		t.prompts.Reset()
	}
}

// StepSpec is the spec yielded with each step: the train graphs are specialized for the completion window.
type StepSpec struct {
	LogitsToKeep int
}

// String implements fmt.Stringer.
func (s StepSpec) String() string { return fmt.Sprintf("grpo(logits_to_keep=%d)", s.LogitsToKeep) }

// StepInputs is the result of PrepareInputs, for the local shard.
type StepInputs struct {
	Step     int64
	Prepared *generation.PreparedBatch

	// Scores of the global batch.
	Scores *rewards.Scores

	// Advantages of the local samples.
	Advantages []float32

	// RefLogProbs shaped [batch, logitsToKeep].
	RefLogProbs *tensors.Tensor
}

// Tensors returns the step as yielded by the dataset: inputs are [input_ids, attention_mask] and labels are
// [reference log-probabilities, advantages, completion mask].
func (s *StepInputs) Tensors() (spec any, inputs, labels []*tensors.Tensor) {
	inputIDs, attentionMask := s.Prepared.Batch.Tensors()
	spec = StepSpec{LogitsToKeep: s.Prepared.LogitsToKeep}
	inputs = []*tensors.Tensor{inputIDs, attentionMask}
	labels = []*tensors.Tensor{s.RefLogProbs, tensors.FromValue(s.Advantages), s.Prepared.MaskTensor()}
	return
}

// Yield implements train.Dataset. It returns io.EOF when the prompt source is exhausted.
func (t *Trainer) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	step, err := t.PrepareInputs()
	if err != nil {
		return nil, nil, nil, err
	}
	spec, inputs, labels = step.Tensors()
	return
}

// promptsBatch is broadcast by the main process with the prompts of a step.
type promptsBatch struct {
	Records []template.Record
	EOF     bool
	Err     string
}

// localPrompts returns the local shard of the step's groups: the main process reads the prompts and
// broadcasts them, and each prompt is repeated NumGenerations times.
func (t *Trainer) localPrompts() ([]template.Record, error) {
	localSize := t.cfg.PerDeviceTrainBatchSize
	numPrompts := localSize * t.rt.WorldSize() / t.cfg.NumGenerations
	var batch promptsBatch
	if t.rt.IsMainProcess() {
		records, err := t.prompts.Next(numPrompts)
		switch {
		case errors.Is(err, io.EOF):
			batch.EOF = true
		case err != nil:
			batch.Err = err.Error()
		default:
			batch.Records = records
		}
	}
	batch, err := collective.BroadcastValue(t.rt, batch, 0)
	if err != nil {
		return nil, errors.WithMessage(err, "broadcasting prompts")
	}
	if batch.EOF {
		return nil, io.EOF
	}
	if batch.Err != "" {
		return nil, errors.Errorf("reading prompts: %s", batch.Err)
	}
	if len(batch.Records) != numPrompts {
		return nil, errors.Errorf("got %d prompts, expected %d", len(batch.Records), numPrompts)
	}
	return collective.LocalShard(repeatPrompts(batch.Records, t.cfg.NumGenerations), t.rt.Rank(), localSize)
}

func groupMemberID(promptID string, member int) string {
	return fmt.Sprintf("%s/%d", promptID, member)
}

// PrepareInputs runs the data side of a GRPO step for the local shard: generation, reference
// log-probabilities, rewards (gathered) and advantages. It records the reward metrics and, if enabled,
// logs the completions.
func (t *Trainer) PrepareInputs() (*StepInputs, error) {
	globalStep := optimizers.GetGlobalStep(t.ctx)
	records, err := t.localPrompts()
	if err != nil {
		return nil, err
	}
	prepared, err := t.dispatcher.Generate(t.runCtx, globalStep, records)
	if err != nil {
		return nil, err
	}
	if err := t.runCtx.Err(); err != nil {
		return nil, err
	}
	step := &StepInputs{Step: globalStep, Prepared: prepared}
	inputIDs, attentionMask := prepared.Batch.Tensors()
	step.RefLogProbs, err = t.reference.Compute(inputIDs, attentionMask, prepared.LogitsToKeep)
	if err != nil {
		return nil, err
	}

	step.Scores, err = t.aggregator.Score(t.rt, prepared.Records)
	if err != nil {
		return nil, err
	}
	globalRewards := make([]float32, len(step.Scores.Rewards))
	for i, r := range step.Scores.Rewards {
		globalRewards[i] = float32(r)
	}
	normalized, err := t.normalizer.Compute(globalRewards, t.rt.Rank(), len(records))
	if err != nil {
		return nil, err
	}
	step.Advantages = normalized.Local

	for i, mean := range step.Scores.ColumnMeans() {
		t.sink.Append(reporting.RewardMetric(step.Scores.Names[i]), mean)
	}
	t.sink.Append(reporting.MetricReward, collective.Mean(step.Scores.Rewards))
	t.sink.Append(reporting.MetricRewardStd, normalized.StdMean)

	if reporting.ShouldLogCompletions(t.cfg.LogCompletions, globalStep, t.cfg.LoggingSteps) {
		if err := t.logCompletions(globalStep, prepared.Records, step.Scores.Rewards); err != nil {
			return nil, err
		}
	}
	klog.V(2).Infof("step %d: %d local samples, logits_to_keep=%d, mean reward %.4f", globalStep, len(records),
		prepared.LogitsToKeep, collective.Mean(step.Scores.Rewards))
	return step, nil
}

// logCompletions gathers the completed records (every process) and writes them (main process).
func (t *Trainer) logCompletions(step int64, local []template.Record, globalRewards []float64) error {
	global, err := collective.Gather(t.rt, local)
	if err != nil {
		return errors.WithMessage(err, "gathering completions")
	}
	if t.completions == nil {
		return nil
	}
	rows, err := reporting.NewCompletions(step, global, globalRewards)
	if err != nil {
		return err
	}
	return t.completions.Write(rows)
}

// ModelFn is the train.ModelFn of the GRPO step: it returns the policy per-token log-probabilities
// of the completion window, shaped [batch, logitsToKeep].
func (t *Trainer) ModelFn(ctx *context.Context, spec any, inputs []*Node) []*Node {
	stepSpec, ok := spec.(StepSpec)
	if !ok {
		exceptions.Panicf("grpo.ModelFn: spec must be a grpo.StepSpec, got %T", spec)
	}
	if len(inputs) != 2 {
		exceptions.Panicf("grpo.ModelFn: expected inputs [input_ids, attention_mask], got %d inputs", len(inputs))
	}
	return []*Node{logprobs.PerToken(ctx, t.model, inputs[0], inputs[1], stepSpec.LogitsToKeep)}
}

// ComputeLoss returns the loss function of the train step. Returning the model outputs along with the loss
// is not supported: returnOutputs must be false.
func (t *Trainer) ComputeLoss(returnOutputs bool) (func(labels, predictions []*Node) *Node, error) {
	if err := loss.Check(returnOutputs); err != nil {
		return nil, err
	}
	beta := t.cfg.Beta
	return func(labels, predictions []*Node) *Node {
		if len(labels) != 3 || len(predictions) != 1 {
			exceptions.Panicf("grpo loss: expected 3 labels and 1 prediction, got %d and %d", len(labels), len(predictions))
		}
		return loss.GRPO(predictions[0], labels[0], labels[1], labels[2], beta)
	}, nil
}

// Metric names of the train step metrics.
const (
	KLMetricName               = "KL"
	CompletionLengthMetricName = "Completion Length"
)

func newMetrics() (kl, length metrics.Interface) {
	kl = metrics.NewBaseMetric(KLMetricName, "kl", "kl",
		func(_ *context.Context, labels, predictions []*Node) *Node {
			return loss.MeanKL(predictions[0], labels[0], labels[2])
		}, nil)
	length = metrics.NewBaseMetric(CompletionLengthMetricName, "len", "length",
		func(_ *context.Context, labels, _ []*Node) *Node {
			return loss.CompletionLength(labels[2])
		}, nil)
	return
}

// Metrics returns the train metrics of the GRPO step: mean KL and mean completion length.
func (t *Trainer) Metrics() []metrics.Interface {
	return []metrics.Interface{t.klMetric, t.lengthMetric}
}

// NewTrainer creates the train.Trainer for the policy, using ModelFn, ComputeLoss and Metrics.
func (t *Trainer) NewTrainer(optimizer optimizers.Interface) (*train.Trainer, error) {
	lossFn, err := t.ComputeLoss(false)
	if err != nil {
		return nil, err
	}
	return train.NewTrainer(t.backend, t.ctx, t.ModelFn, lossFn, optimizer, t.Metrics(), nil), nil
}

// MetricsHookName is the name of the loop hook registered by Attach.
const MetricsHookName = "grpo metrics"

// Attach registers a hook in loop that, after every step, gathers the loss, KL and completion length across
// processes (mean) and appends them to the Sink.
//
// Every process must attach it, since it gathers across processes.
func (t *Trainer) Attach(loop *train.Loop) {
	loop.OnStep(MetricsHookName, 10, func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
		return t.recordStepMetrics(loop.Trainer.TrainMetrics(), stepMetrics)
	})
}

func (t *Trainer) recordStepMetrics(trainMetrics []metrics.Interface, values []*tensors.Tensor) error {
	if len(values) < len(trainMetrics) {
		return errors.Errorf("got %d metric values for %d metrics", len(values), len(trainMetrics))
	}
	lossRecorded := false
	for i, m := range trainMetrics {
		var name string
		switch {
		case m.Name() == t.klMetric.Name():
			name = reporting.MetricKL
		case m.Name() == t.lengthMetric.Name():
			name = reporting.MetricCompletionLength
		case m.MetricType() == metrics.LossMetricType && !lossRecorded:
			name, lossRecorded = reporting.MetricLoss, true
		default:
			continue
		}
		value, err := scalarValue(values[i])
		if err != nil {
			return errors.WithMessagef(err, "metric %q", m.Name())
		}
		mean, err := collective.GatherForMetrics(t.rt, value)
		if err != nil {
			return err
		}
		t.sink.Append(name, mean)
	}
	return nil
}

func scalarValue(t *tensors.Tensor) (float64, error) {
	switch v := t.Value().(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return 0, errors.Errorf("expected a float scalar, got %s", t.Shape())
	}
}
