// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package collective defines the distributed runtime the GRPO step needs: process rank and world size,
// plus the gather, broadcast and barrier collectives.
//
// Every process must call the same collectives in the same order, otherwise the group deadlocks.
// Global order is always rank-major: process 0's shard first, then process 1's, etc.
//
// Two implementations are provided: Single, for a one-process run, and NewLocalGroup, which runs
// the ranks as goroutines of the same program (used for tests and for single-host demos).
package collective

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Runtime is the process-group interface consumed by the GRPO pipeline.
type Runtime interface {
	// Rank of this process, from 0 to WorldSize()-1.
	Rank() int

	// WorldSize is the number of cooperating processes.
	WorldSize() int

	// LocalWorldSize is the number of processes running on this host, each bound to one device.
	LocalWorldSize() int

	// IsMainProcess returns whether this is the designated process (rank 0).
	IsMainProcess() bool

	// GatherObjects concatenates the local values of all processes in rank-major order.
	// Every process receives the full list.
	GatherObjects(local []any) ([]any, error)

	// Broadcast returns the value given by the process fromRank. Values given by other processes are ignored.
	Broadcast(value any, fromRank int) (any, error)

	// Barrier blocks until every process reached it.
	Barrier() error
}

// Gather is a typed version of Runtime.GatherObjects.
func Gather[T any](rt Runtime, local []T) ([]T, error) {
	objs := make([]any, len(local))
	for i, v := range local {
		objs[i] = v
	}
	gathered, err := rt.GatherObjects(objs)
	if err != nil {
		return nil, err
	}
	result := make([]T, len(gathered))
	for i, obj := range gathered {
		v, ok := obj.(T)
		if !ok {
			return nil, errors.Errorf("collective.Gather: element #%d has type %T, expected %T", i, obj, v)
		}
		result[i] = v
	}
	return result, nil
}

// BroadcastValue is a typed version of Runtime.Broadcast.
func BroadcastValue[T any](rt Runtime, value T, fromRank int) (T, error) {
	var zero T
	obj, err := rt.Broadcast(value, fromRank)
	if err != nil {
		return zero, err
	}
	v, ok := obj.(T)
	if !ok {
		return zero, errors.Errorf("collective.BroadcastValue: received type %T, expected %T", obj, zero)
	}
	return v, nil
}

// GatherRows gathers a row-major matrix with numCols columns from all processes.
// The local matrix is given flat, with len(local) a multiple of numCols.
func GatherRows[T any](rt Runtime, local []T, numCols int) ([]T, error) {
	if numCols <= 0 || len(local)%numCols != 0 {
		return nil, errors.Errorf("collective.GatherRows: local size %d is not a multiple of the number of columns %d",
			len(local), numCols)
	}
	rows := make([][]T, len(local)/numCols)
	for i := range rows {
		rows[i] = local[i*numCols : (i+1)*numCols]
	}
	gathered, err := Gather(rt, rows)
	if err != nil {
		return nil, err
	}
	flat := make([]T, 0, len(gathered)*numCols)
	for _, row := range gathered {
		flat = append(flat, row...)
	}
	return flat, nil
}

// GatherForMetrics gathers per-process metric values and returns their mean over all processes,
// so that a spike on a single process is averaged away.
func GatherForMetrics[T constraints.Integer | constraints.Float](rt Runtime, values ...T) (float64, error) {
	gathered, err := Gather(rt, values)
	if err != nil {
		return 0, errors.WithMessage(err, "gathering metrics")
	}
	return Mean(gathered), nil
}

// Mean of values, 0 if empty.
func Mean[T constraints.Integer | constraints.Float](values []T) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += float64(v)
	}
	return sum / float64(len(values))
}

// ProcessSlice returns the [start, end) range of the shard owned by rank in a rank-major global list,
// when every process contributed localSize elements.
func ProcessSlice(rank, localSize int) (start, end int) {
	return rank * localSize, (rank + 1) * localSize
}

// LocalShard returns global[rank*localSize : (rank+1)*localSize].
func LocalShard[T any](global []T, rank, localSize int) ([]T, error) {
	start, end := ProcessSlice(rank, localSize)
	if rank < 0 || localSize < 0 || end > len(global) {
		return nil, errors.Errorf("shard [%d:%d] of rank %d out of range for a global list of %d elements",
			start, end, rank, len(global))
	}
	return global[start:end], nil
}
