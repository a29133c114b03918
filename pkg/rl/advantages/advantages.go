// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package advantages converts the global reward vector into group-normalized advantages.
//
// Rewards are laid out in groups of numGenerations consecutive completions of the same prompt.
// Each reward is centered on its group mean and scaled by the group standard deviation:
//
//	advantage = (reward - groupMean) / (groupStd + Epsilon)
//
// A group where all completions got the same reward yields zero advantages.
package advantages

import (
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/grpo/pkg/rl/collective"
	"github.com/pkg/errors"
)

// Epsilon added to the group standard deviation.
const Epsilon = 1e-4

// GroupNormalize returns the advantages for rewards (shaped [N], N divisible by numGenerations) and the
// standard deviation of the group of each reward (also [N]).
//
// If unbiased is true the sample standard deviation (divided by numGenerations-1) is used, otherwise
// the population one.
func GroupNormalize(rewards *Node, numGenerations int, unbiased bool) (advantages, groupStd *Node) {
	if rewards.Rank() != 1 {
		exceptions.Panicf("advantages.GroupNormalize: rewards must be a vector, got %s", rewards.Shape())
	}
	n := rewards.Shape().Dimensions[0]
	if numGenerations < 1 || n%numGenerations != 0 {
		exceptions.Panicf("advantages.GroupNormalize: number of rewards (%d) not divisible by numGenerations=%d",
			n, numGenerations)
	}
	if unbiased && numGenerations < 2 {
		exceptions.Panicf("advantages.GroupNormalize: the sample standard deviation requires numGenerations >= 2")
	}
	grouped := Reshape(rewards, n/numGenerations, numGenerations)
	mean := ReduceAndKeep(grouped, ReduceMean, -1)
	centered := Sub(grouped, mean)
	sumSquares := ReduceAndKeep(Square(centered), ReduceSum, -1)
	denominator := numGenerations
	if unbiased {
		denominator--
	}
	std := Sqrt(DivScalar(sumSquares, float64(denominator)))
	advantages = Div(centered, AddScalar(std, Epsilon))
	groupStd = BroadcastToDims(std, n/numGenerations, numGenerations)
	return Reshape(advantages, n), Reshape(groupStd, n)
}

// Normalizer computes advantages on the host side of the pipeline.
type Normalizer struct {
	numGenerations int
	unbiased       bool
	exec           *Exec
}

// NewNormalizer compiles (lazily, per batch size) the GroupNormalize graph on backend.
func NewNormalizer(backend backends.Backend, numGenerations int, unbiased bool) (*Normalizer, error) {
	if numGenerations < 1 || (unbiased && numGenerations < 2) {
		return nil, errors.Errorf("numGenerations=%d too small for advantages normalization (unbiased std=%v)",
			numGenerations, unbiased)
	}
	nz := &Normalizer{numGenerations: numGenerations, unbiased: unbiased}
	var err error
	nz.exec, err = NewExec(backend, func(rewards *Node) (advantages, stdMean *Node) {
		var groupStd *Node
		advantages, groupStd = GroupNormalize(rewards, numGenerations, unbiased)
		return advantages, ReduceAllMean(groupStd)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create advantages graph")
	}
	return nz, nil
}

// Result of Normalizer.Compute.
type Result struct {
	// Local advantages: the slice of the global advantages belonging to the calling process.
	Local []float32

	// StdMean is the mean of the per-group reward standard deviation, reported as "reward_std".
	StdMean float64
}

// Compute normalizes the global rewards (ordered rank-major, as gathered) and returns the slice
// [rank*localSize, (rank+1)*localSize) of the advantages.
func (nz *Normalizer) Compute(globalRewards []float32, rank, localSize int) (Result, error) {
	if len(globalRewards) == 0 || len(globalRewards)%nz.numGenerations != 0 {
		return Result{}, errors.Errorf("number of rewards (%d) must be a positive multiple of numGenerations=%d",
			len(globalRewards), nz.numGenerations)
	}
	var outputs []*tensors.Tensor
	var err error
	if panicErr := exceptions.TryCatch[error](func() {
		outputs, err = nz.exec.Exec(tensors.FromValue(globalRewards))
	}); panicErr != nil {
		err = panicErr
	}
	if err != nil {
		return Result{}, errors.WithMessage(err, "computing advantages")
	}
	global := tensors.MustCopyFlatData[float32](outputs[0])
	local, err := collective.LocalShard(global, rank, localSize)
	if err != nil {
		return Result{}, err
	}
	return Result{Local: local, StdMean: float64(tensors.ToScalar[float32](outputs[1]))}, nil
}
