// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewards

import (
	"runtime"

	"github.com/gomlx/grpo/internal/workerspool"
	"github.com/gomlx/grpo/pkg/rl/collective"
	"github.com/gomlx/grpo/pkg/rl/template"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Aggregator evaluates every reward source on the local completions, gathers the reward matrix from all
// processes and combines the columns with the weights.
type Aggregator struct {
	sources []Source
	weights []float64
	pool    *workerspool.Pool
}

// NewAggregator validates the sources and weights. Empty weights means weight 1 for every source.
func NewAggregator(sources []Source, weights []float64) (*Aggregator, error) {
	if len(sources) == 0 {
		return nil, ErrNoRewardSource
	}
	for _, source := range sources {
		if err := checkSource(source); err != nil {
			return nil, err
		}
	}
	if len(weights) == 0 {
		weights = make([]float64, len(sources))
		for i := range weights {
			weights[i] = 1
		}
	} else if len(weights) != len(sources) {
		return nil, errors.Wrapf(ErrWeightsMismatch, "number of reward weights (%d) must match number of reward "+
			"functions (%d)", len(weights), len(sources))
	}
	return &Aggregator{
		sources: sources,
		weights: weights,
		pool:    workerspool.New().SetMaxParallelism(runtime.NumCPU()),
	}, nil
}

// SetMaxParallelism sets how many Callable sources are evaluated concurrently. 0 evaluates them inline.
func (a *Aggregator) SetMaxParallelism(n int) *Aggregator {
	a.pool.SetMaxParallelism(n)
	return a
}

// Names of the sources, in column order.
func (a *Aggregator) Names() []string {
	names := make([]string, len(a.sources))
	for i, source := range a.sources {
		names[i] = source.Name()
	}
	return names
}

// Weights of the sources, in column order.
func (a *Aggregator) Weights() []float64 { return a.weights }

// Scores of a global batch.
type Scores struct {
	// Names of the sources, one per column.
	Names []string

	// Matrix holds one row per global sample (rank-major) and one column per source.
	Matrix [][]float64

	// Rewards is the weighted sum of each row of Matrix.
	Rewards []float64
}

// ColumnMeans returns the mean reward of each source over the global batch, reported as "rewards/<name>".
func (s *Scores) ColumnMeans() []float64 {
	means := make([]float64, len(s.Names))
	if len(s.Matrix) == 0 {
		return means
	}
	for _, row := range s.Matrix {
		for j, v := range row {
			means[j] += v
		}
	}
	for j := range means {
		means[j] /= float64(len(s.Matrix))
	}
	return means
}

// Score evaluates the local records (which must hold their completions as the last assistant message),
// gathers the result from all processes and applies the weights.
//
// Every process of rt must call Score, since it gathers across processes.
func (a *Aggregator) Score(rt collective.Runtime, records []template.Record) (*Scores, error) {
	local, err := a.LocalMatrix(records)
	if err != nil {
		return nil, err
	}
	numCols := len(a.sources)
	flat := make([]float64, 0, len(local)*numCols)
	for _, row := range local {
		flat = append(flat, row...)
	}
	globalFlat, err := collective.GatherRows(rt, flat, numCols)
	if err != nil {
		return nil, errors.WithMessage(err, "gathering rewards")
	}
	scores := &Scores{
		Names:   a.Names(),
		Matrix:  make([][]float64, len(globalFlat)/numCols),
		Rewards: make([]float64, len(globalFlat)/numCols),
	}
	for i := range scores.Matrix {
		row := globalFlat[i*numCols : (i+1)*numCols]
		scores.Matrix[i] = row
		for j, v := range row {
			scores.Rewards[i] += v * a.weights[j]
		}
	}
	return scores, nil
}

// LocalMatrix returns the rewards of every source for the local records, shaped [len(records)][numSources].
func (a *Aggregator) LocalMatrix(records []template.Record) ([][]float64, error) {
	columns := make([][]float64, len(a.sources))
	completions := make([]string, len(records))
	for i, rec := range records {
		completions[i] = rec.Completion()
	}
	fields := recordFields(records)

	// Callables run concurrently: each one fills its own column.
	var callables []int
	for i, source := range a.sources {
		if _, ok := source.(Callable); ok {
			callables = append(callables, i)
		}
	}
	err := a.pool.RunAll(len(callables), func(idx int) error {
		col := callables[idx]
		source := a.sources[col].(Callable)
		scores, err := source.Score(completions, fields)
		if err != nil {
			return errors.WithMessagef(err, "reward function %q failed", source.Name())
		}
		columns[col] = scores
		return nil
	})
	if err != nil {
		return nil, err
	}

	for col, source := range a.sources {
		model, ok := source.(ScoringModel)
		if _, isCallable := source.(Callable); !ok || isCallable {
			continue
		}
		columns[col], err = scoreWithModel(model, records)
		if err != nil {
			return nil, err
		}
	}

	matrix := make([][]float64, len(records))
	for i := range matrix {
		matrix[i] = make([]float64, len(a.sources))
	}
	for col, column := range columns {
		if len(column) != len(records) {
			return nil, errors.Errorf("reward source %q returned %d scores for %d completions",
				a.sources[col].Name(), len(column), len(records))
		}
		for i, v := range column {
			matrix[i][col] = v
		}
	}
	klog.V(2).Infof("rewards: scored %d completions with %d sources", len(records), len(a.sources))
	return matrix, nil
}

// scoreWithModel encodes the full conversations with the model's own template, without truncation.
func scoreWithModel(model ScoringModel, records []template.Record) ([]float64, error) {
	tmpl := model.Template()
	var scores []float64
	err := template.WithEncodingOverrides(tmpl, func() error {
		batch, err := template.EncodeBatch(tmpl, records)
		if err != nil {
			return err
		}
		scores, err = model.Score(batch)
		return err
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "reward model %q failed", model.Name())
	}
	return scores, nil
}
