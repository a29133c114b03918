// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package generation

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/grpo/pkg/rl/template"
	"github.com/pkg/errors"
)

// ComputeLogitsToKeep returns the length of the trailing window that covers the completion of every row:
// the maximum over rows of len(row) minus the index of the first label that is not template.IgnoreIndex.
//
// Rows without any completion label contribute 0.
func ComputeLogitsToKeep(labels [][]int32) int {
	var logitsToKeep int
	for _, row := range labels {
		for i, label := range row {
			if label != template.IgnoreIndex {
				logitsToKeep = max(logitsToKeep, len(row)-i)
				break
			}
		}
	}
	return logitsToKeep
}

// CompletionMask returns labels[:, -logitsToKeep:] != template.IgnoreIndex, as 0/1 values.
func CompletionMask(labels [][]int32, logitsToKeep int) ([][]float32, error) {
	mask := make([][]float32, len(labels))
	for i, row := range labels {
		if logitsToKeep > len(row) {
			return nil, errors.Errorf("logitsToKeep=%d larger than the length %d of row #%d", logitsToKeep, len(row), i)
		}
		window := row[len(row)-logitsToKeep:]
		mask[i] = make([]float32, logitsToKeep)
		for j, label := range window {
			if label != template.IgnoreIndex {
				mask[i][j] = 1
			}
		}
	}
	return mask, nil
}

// PreparedBatch is the local shard of a step after generation: the records with their generated replies,
// re-encoded for training.
type PreparedBatch struct {
	Records []template.Record
	Batch   *template.Batch

	// FinishReasons of the generated replies, one per record.
	FinishReasons []string

	// LogitsToKeep is the width of the completion window, see ComputeLogitsToKeep.
	LogitsToKeep int

	// CompletionMask is shaped [batch, LogitsToKeep], see CompletionMask.
	CompletionMask [][]float32
}

// Completions returns the generated reply of each record.
func (p *PreparedBatch) Completions() []string {
	completions := make([]string, len(p.Records))
	for i, rec := range p.Records {
		completions[i] = rec.Completion()
	}
	return completions
}

// MaskTensor returns the completion mask as a float32 tensor shaped [batch, LogitsToKeep].
func (p *PreparedBatch) MaskTensor() *tensors.Tensor {
	return tensors.FromValue(p.CompletionMask)
}
