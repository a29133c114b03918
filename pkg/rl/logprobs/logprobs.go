// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package logprobs computes per-token log-probabilities of the completion tokens of a batch under a
// language model.
//
// Only the trailing logitsToKeep positions (the longest completion span of the batch) are computed.
// Models implementing WindowedModel compute only those logits; others go through the full forward pass,
// and the logits are sliced afterwards. Both give the same values.
package logprobs

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// ParamAdaptersDisabled is the graph parameter that, when set to true, makes models skip their
// adapters (e.g. LoRA), computing the base model instead.
const ParamAdaptersDisabled = "adapters_disabled"

// Model is a causal language model forward pass.
type Model interface {
	// Logits returns the next-token logits for all positions, shaped [batch, seqLen, vocabSize].
	Logits(ctx *context.Context, inputIDs, attentionMask *Node) *Node
}

// WindowedModel is a Model that can restrict the output to the logits predicting the last
// logitsToKeep tokens, saving the memory of the full sequence logits.
type WindowedModel interface {
	Model

	// WindowedLogits returns logits shaped [batch, logitsToKeep, vocabSize], where position i predicts
	// token seqLen-logitsToKeep+i.
	WindowedLogits(ctx *context.Context, inputIDs, attentionMask *Node, logitsToKeep int) *Node
}

// Multimodal is implemented by models that may take non-text inputs.
type Multimodal interface {
	IsMultimodal() bool
}

// IsMultimodal returns whether model implements Multimodal and reports being multimodal.
func IsMultimodal(model Model) bool {
	mm, ok := model.(Multimodal)
	return ok && mm.IsMultimodal()
}

// Adapters is implemented by models with trainable adapters that ParamAdaptersDisabled turns off.
type Adapters interface {
	HasAdapters() bool
}

// HasAdapters returns whether model implements Adapters and reports having adapters enabled.
func HasAdapters(model Model) bool {
	a, ok := model.(Adapters)
	return ok && a.HasAdapters()
}

// SelectiveLogSoftmax returns log(softmax(logits))[..., ids], i.e. the log-probability of each chosen token,
// without materializing the probabilities.
//
// logits are shaped [..., vocabSize], ids [...] with an integer dtype. The result has the shape of ids.
func SelectiveLogSoftmax(logits, ids *Node) *Node {
	vocabSize := logits.Shape().Dimensions[logits.Rank()-1]
	if ids.Rank() != logits.Rank()-1 {
		exceptions.Panicf("SelectiveLogSoftmax: ids shape %s incompatible with logits shape %s", ids.Shape(), logits.Shape())
	}
	logProbs := LogSoftmax(logits, -1)
	return ReduceSum(Mul(logProbs, OneHot(ids, vocabSize, logits.DType())), -1)
}

// PerToken returns the log-probabilities of the last logitsToKeep tokens of inputIDs, shaped
// [batch, logitsToKeep].
//
// It uses the model's WindowedLogits if available and the model is not multimodal, otherwise PerTokenGeneral.
func PerToken(ctx *context.Context, model Model, inputIDs, attentionMask *Node, logitsToKeep int) *Node {
	checkWindow(inputIDs, logitsToKeep)
	windowed, ok := model.(WindowedModel)
	if !ok || IsMultimodal(model) {
		return PerTokenGeneral(ctx, model, inputIDs, attentionMask, logitsToKeep)
	}
	logits := windowed.WindowedLogits(ctx, inputIDs, attentionMask, logitsToKeep)
	return SelectiveLogSoftmax(logits, lastTokens(inputIDs, logitsToKeep))
}

// PerTokenGeneral computes PerToken from the full sequence logits: the logits are sliced to
// [-(logitsToKeep+1):-1], since the last position predicts a token past the end of the sequence.
func PerTokenGeneral(ctx *context.Context, model Model, inputIDs, attentionMask *Node, logitsToKeep int) *Node {
	checkWindow(inputIDs, logitsToKeep)
	logits := model.Logits(ctx, inputIDs, attentionMask)
	seqLen := logits.Shape().Dimensions[1]
	logits = Slice(logits, AxisRange(), AxisRange(seqLen-logitsToKeep-1, seqLen-1))
	return SelectiveLogSoftmax(logits, lastTokens(inputIDs, logitsToKeep))
}

// lastTokens returns inputIDs[:, -logitsToKeep:].
func lastTokens(inputIDs *Node, logitsToKeep int) *Node {
	seqLen := inputIDs.Shape().Dimensions[1]
	return Slice(inputIDs, AxisRange(), AxisRange(seqLen-logitsToKeep, seqLen))
}

func checkWindow(inputIDs *Node, logitsToKeep int) {
	if inputIDs.Rank() != 2 {
		exceptions.Panicf("inputIDs must be shaped [batch, seqLen], got %s", inputIDs.Shape())
	}
	seqLen := inputIDs.Shape().Dimensions[1]
	if logitsToKeep <= 0 || logitsToKeep >= seqLen {
		exceptions.Panicf("logitsToKeep=%d must be in [1, seqLen-1] (seqLen=%d): "+
			"the first token has no preceding position to predict it", logitsToKeep, seqLen)
	}
}
