// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package loss implements the GRPO objective and its per-step metrics.
//
// All inputs are shaped [batch, logitsToKeep] (log-probabilities and completion mask) or [batch]
// (advantages). The completion mask selects the generated tokens.
package loss

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
)

// ErrReturnOutputs is returned when the caller asks the loss computation to also return the model outputs.
var ErrReturnOutputs = errors.New("the GRPO trainer does not support returning outputs")

// Check validates the loss computation request, before any graph is built.
func Check(returnOutputs bool) error {
	if returnOutputs {
		return ErrReturnOutputs
	}
	return nil
}

// PerTokenKL returns the "k3" estimator of KL(policy||reference) per token:
//
//	exp(ref - pol) - (ref - pol) - 1
//
// It is always >= 0, and 0 where both log-probabilities are equal.
func PerTokenKL(policyLogProbs, refLogProbs *Node) *Node {
	delta := Sub(refLogProbs, policyLogProbs)
	return AddScalar(Sub(Exp(delta), delta), -1)
}

// Surrogate returns exp(pol - stopGradient(pol)) * advantages: its value is the advantage itself,
// and its gradient is the gradient of pol scaled by the advantage.
func Surrogate(policyLogProbs, advantages *Node) *Node {
	ratio := Exp(Sub(policyLogProbs, StopGradient(policyLogProbs)))
	return Mul(ratio, InsertAxes(advantages, -1))
}

// PerTokenLoss returns -(Surrogate - beta*PerTokenKL).
func PerTokenLoss(policyLogProbs, refLogProbs, advantages *Node, beta float64) *Node {
	perToken := Surrogate(policyLogProbs, advantages)
	if beta != 0 {
		perToken = Sub(perToken, MulScalar(PerTokenKL(policyLogProbs, refLogProbs), beta))
	}
	return Neg(perToken)
}

// MaskedRowMean returns the mean of x over the masked positions of each row. Rows with an empty
// mask yield 0. The result is shaped [batch].
func MaskedRowMean(x, mask *Node) *Node {
	mask = ConvertDType(mask, x.DType())
	sum := ReduceSum(Mul(x, mask), -1)
	count := ReduceSum(mask, -1)
	return Div(sum, Max(count, OnesLike(count)))
}

// GRPO returns the scalar loss: the masked mean of PerTokenLoss over each completion, averaged over the batch.
func GRPO(policyLogProbs, refLogProbs, advantages, completionMask *Node, beta float64) *Node {
	checkShapes(policyLogProbs, refLogProbs, advantages, completionMask)
	return ReduceAllMean(MaskedRowMean(PerTokenLoss(policyLogProbs, refLogProbs, advantages, beta), completionMask))
}

// CompletionLength returns the mean number of completion tokens per row, a scalar.
func CompletionLength(completionMask *Node) *Node {
	return ReduceAllMean(ReduceSum(ConvertDType(completionMask, dtypes.Float32), -1))
}

// MeanKL returns the batch mean of the per-row masked mean of PerTokenKL, a scalar.
func MeanKL(policyLogProbs, refLogProbs, completionMask *Node) *Node {
	return ReduceAllMean(MaskedRowMean(PerTokenKL(policyLogProbs, refLogProbs), completionMask))
}

func checkShapes(policyLogProbs, refLogProbs, advantages, completionMask *Node) {
	if policyLogProbs.Rank() != 2 {
		exceptions.Panicf("loss: policy log-probabilities must be shaped [batch, logitsToKeep], got %s",
			policyLogProbs.Shape())
	}
	if !policyLogProbs.Shape().Equal(refLogProbs.Shape()) {
		exceptions.Panicf("loss: policy (%s) and reference (%s) log-probabilities shapes differ",
			policyLogProbs.Shape(), refLogProbs.Shape())
	}
	batchSize := policyLogProbs.Shape().Dimensions[0]
	if advantages.Rank() != 1 || advantages.Shape().Dimensions[0] != batchSize {
		exceptions.Panicf("loss: advantages must be shaped [%d], got %s", batchSize, advantages.Shape())
	}
	if completionMask.Rank() != 2 || completionMask.Shape().Dimensions[0] != batchSize ||
		completionMask.Shape().Dimensions[1] != policyLogProbs.Shape().Dimensions[1] {
		exceptions.Panicf("loss: completion mask shape %s doesn't match log-probabilities shape %s",
			completionMask.Shape(), policyLogProbs.Shape())
	}
}
