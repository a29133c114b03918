// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package generation

import (
	"slices"
	"sync"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/decode/sample"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/grpo/pkg/rl/logprobs"
	"github.com/gomlx/grpo/pkg/rl/template"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Sampler generates completions autoregressively with a logprobs.Model over the weights in its context.
//
// Prompts of equal length are generated together in a token buffer of fixed width promptLen+MaxTokens,
// so a single compiled graph serves every decoding position: the position is an input of the graph.
type Sampler struct {
	backend backends.Backend
	ctx     *context.Context
	model   logprobs.Model
	tmpl    template.Template

	// MaxBatchSize limits the number of sequences generated together. 0 means no limit.
	MaxBatchSize int

	mu    sync.Mutex
	execs map[RequestConfig]*context.Exec
}

// NewSampler creates a Sampler using the variables of ctx. Missing variables are created and initialized
// on first use.
func NewSampler(backend backends.Backend, ctx *context.Context, model logprobs.Model, tmpl template.Template) *Sampler {
	return &Sampler{backend: backend, ctx: ctx, model: model, tmpl: tmpl, execs: make(map[RequestConfig]*context.Exec)}
}

// Context holding the weights used for generation.
func (s *Sampler) Context() *context.Context { return s.ctx }

// Generate implements Engine.Infer.
func (s *Sampler) Generate(records []template.Record, cfg RequestConfig) ([]Response, error) {
	if cfg.MaxTokens <= 0 {
		return nil, errors.Errorf("MaxTokens must be > 0, got %d", cfg.MaxTokens)
	}
	prompts, err := s.encodePrompts(records)
	if err != nil {
		return nil, err
	}
	exec, err := s.exec(cfg)
	if err != nil {
		return nil, err
	}

	// Group prompts by length.
	byLength := make(map[int][]int)
	for i, prompt := range prompts {
		byLength[len(prompt)] = append(byLength[len(prompt)], i)
	}
	lengths := make([]int, 0, len(byLength))
	for length := range byLength {
		lengths = append(lengths, length)
	}
	slices.Sort(lengths)

	responses := make([]Response, len(records))
	for _, promptLen := range lengths {
		group := byLength[promptLen]
		chunkSize := len(group)
		if s.MaxBatchSize > 0 {
			chunkSize = min(chunkSize, s.MaxBatchSize)
		}
		for start := 0; start < len(group); start += chunkSize {
			indices := group[start:min(start+chunkSize, len(group))]
			rows := make([][]int32, len(indices))
			for i, idx := range indices {
				rows[i] = prompts[idx]
			}
			choices, err := s.generateGroup(exec, rows, promptLen, cfg)
			if err != nil {
				return nil, err
			}
			for i, idx := range indices {
				responses[idx] = Response{Choices: []Choice{choices[i]}}
			}
		}
	}
	return responses, nil
}

// encodePrompts encodes the prompts of the records with the template in an inference mode.
func (s *Sampler) encodePrompts(records []template.Record) ([][]int32, error) {
	mode := s.tmpl.Mode()
	if !mode.IsInference() {
		s.tmpl.SetMode(template.ModeInfer)
		defer s.tmpl.SetMode(mode)
	}
	prompts := make([][]int32, len(records))
	for i, rec := range records {
		enc, err := s.tmpl.Encode(rec)
		if err != nil {
			return nil, errors.WithMessagef(err, "encoding prompt #%d for generation", i)
		}
		if len(enc.InputIDs) == 0 {
			return nil, errors.Errorf("prompt #%d (id=%s) is empty", i, rec.ID)
		}
		prompts[i] = enc.InputIDs
	}
	return prompts, nil
}

// exec returns the next-token graph for the sampling configuration, compiled once per buffer shape.
func (s *Sampler) exec(cfg RequestConfig) (*context.Exec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exec, found := s.execs[cfg]; found {
		return exec, nil
	}
	strategy := cfg.Strategy()
	penalty := cfg.repetitionPenalty()
	exec, err := context.NewExec(s.backend, s.ctx, func(ctx *context.Context, tokens, mask, position *Node) *Node {
		g := tokens.Graph()
		ctx.SetTraining(g, false)
		logits := s.model.Logits(ctx, tokens, mask)
		width := tokens.Shape().Dimensions[1]
		selector := OneHot(position, width, logits.DType())
		logits = Einsum("bwv,w->bv", logits, selector)
		if penalty != 1 {
			logits = applyRepetitionPenalty(logits, tokens, mask, penalty)
		}
		return sampleNext(ctx, logits, cfg)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create generation graph")
	}
	klog.V(1).Infof("generation graph created: strategy=%s, temperature=%g, top_k=%d, top_p=%g, repetition_penalty=%g",
		strategy, cfg.Temperature, cfg.TopK, cfg.TopP, penalty)
	s.execs[cfg] = exec
	return exec, nil
}

// sampleNext samples one token per row of logits ([batch, vocab]).
func sampleNext(ctx *context.Context, logits *Node, cfg RequestConfig) *Node {
	strategy := cfg.Strategy()
	vocabSize := logits.Shape().Dimensions[logits.Rank()-1]
	if strategy == sample.StrategyTopP && cfg.TopK > 0 && cfg.TopK < vocabSize {
		logits = Where(TopKMask(logits, cfg.TopK, -1), logits, Infinity(logits.Graph(), logits.DType(), -1))
	}
	return sample.SampleWithStrategy(ctx, logits, strategy, cfg.Temperature, cfg.TopK, cfg.TopP)
}

// applyRepetitionPenalty penalizes the logits ([batch, vocab]) of every token present in the valid
// positions of tokens ([batch, width]).
func applyRepetitionPenalty(logits, tokens, mask *Node, penalty float64) *Node {
	dtype := logits.DType()
	vocabSize := logits.Shape().Dimensions[1]
	valid := InsertAxes(ConvertDType(mask, dtype), -1)
	presence := ReduceMax(Mul(OneHot(tokens, vocabSize, dtype), valid), 1)
	penalized := Where(GreaterThan(logits, ZerosLike(logits)), DivScalar(logits, penalty), MulScalar(logits, penalty))
	return Where(GreaterThan(presence, ZerosLike(presence)), penalized, logits)
}

// generateGroup generates for prompts of the same length promptLen.
func (s *Sampler) generateGroup(exec *context.Exec, prompts [][]int32, promptLen int, cfg RequestConfig) ([]Choice, error) {
	tok := s.tmpl.Tokenizer()
	eos, pad := int32(tok.EOS()), int32(tok.Pad())
	batchSize, width := len(prompts), promptLen+cfg.MaxTokens
	tokens := make([]int32, batchSize*width)
	mask := make([]int32, batchSize*width)
	for i, prompt := range prompts {
		row := tokens[i*width : (i+1)*width]
		copy(row, prompt)
		for j := promptLen; j < width; j++ {
			row[j] = pad
		}
		for j := range promptLen {
			mask[i*width+j] = 1
		}
	}

	generated := make([][]int, batchSize)
	choices := make([]Choice, batchSize)
	done := make([]bool, batchSize)
	numDone := 0
	for step := 0; step < cfg.MaxTokens && numDone < batchSize; step++ {
		position := promptLen + step - 1
		var outputs []*tensors.Tensor
		var err error
		if panicErr := exceptions.TryCatch[error](func() {
			outputs, err = exec.Exec(
				tensors.FromFlatDataAndDimensions(tokens, batchSize, width),
				tensors.FromFlatDataAndDimensions(mask, batchSize, width),
				tensors.FromScalar(int32(position)))
		}); panicErr != nil {
			err = panicErr
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "generation step %d failed", step)
		}
		next := tensors.MustCopyFlatData[int32](outputs[0])
		for i, token := range next {
			if done[i] {
				continue
			}
			tokens[i*width+position+1] = token
			mask[i*width+position+1] = 1
			if token == eos {
				done[i], choices[i].FinishReason = true, FinishStop
				numDone++
				continue
			}
			generated[i] = append(generated[i], int(token))
		}
	}
	for i := range choices {
		if !done[i] {
			choices[i].FinishReason = FinishLength
		}
		choices[i].Message = template.Message{Role: template.RoleAssistant, Content: tok.Decode(generated[i])}
	}
	return choices, nil
}
