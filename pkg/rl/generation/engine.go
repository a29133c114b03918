// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package generation produces the completions of a GRPO step and prepares them for the loss.
//
// Two engines are available: LocalEngine generates with the live policy weights in every process, and
// CentralizedEngine generates the whole global batch in the main process, on its own copy of the weights
// (possibly on a dedicated device). The Dispatcher picks one at construction, moves records and results
// across processes, and re-encodes the completed conversations for training.
package generation

import (
	"github.com/gomlx/gomlx/pkg/ml/decode/sample"
	"github.com/gomlx/grpo/pkg/rl/template"
)

// Finish reasons of a Choice.
const (
	// FinishStop means the end-of-sequence token was generated.
	FinishStop = "stop"

	// FinishLength means MaxTokens were generated without an end-of-sequence token.
	FinishLength = "length"
)

// RequestConfig holds the sampling parameters.
type RequestConfig struct {
	// MaxTokens is the maximum number of generated tokens per completion.
	MaxTokens int

	// Temperature 0 means greedy decoding.
	Temperature float64

	// TopP enables nucleus sampling when in (0, 1).
	TopP float64

	// TopK enables top-k sampling when > 0. If TopP is also set, the nucleus is taken among the top-k tokens.
	TopK int

	// RepetitionPenalty divides positive (and multiplies negative) logits of tokens already present in the
	// sequence. 1 (or 0) disables it.
	RepetitionPenalty float64
}

// Strategy returns the sampling strategy selected by the configuration.
//
// With both TopK and TopP set it returns sample.StrategyTopP: the sampler masks the logits to the top-k
// before the nucleus cutoff.
func (c RequestConfig) Strategy() sample.Strategy {
	switch {
	case c.Temperature <= 0:
		return sample.StrategyGreedy
	case c.TopP > 0 && c.TopP < 1:
		return sample.StrategyTopP
	case c.TopK > 0:
		return sample.StrategyTopK
	default:
		return sample.StrategyTemperature
	}
}

func (c RequestConfig) repetitionPenalty() float64 {
	if c.RepetitionPenalty <= 0 {
		return 1
	}
	return c.RepetitionPenalty
}

// Choice is one generated reply.
type Choice struct {
	Message      template.Message
	FinishReason string
}

// Response to one record.
type Response struct {
	Choices []Choice
}

// Engine generates one reply per record.
type Engine interface {
	// Infer returns one Response per record, in the same order. The records' existing replies are ignored.
	Infer(records []template.Record, cfg RequestConfig) ([]Response, error)
}
