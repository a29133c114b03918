// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rewards scores completions with a set of reward sources and combines them into one reward per sample.
//
// A source is either a Callable (a rule-based function of the completion texts and the record fields) or a
// ScoringModel (a learned model with its own template, whose first output channel is the score).
// Sources can be given directly, or by the name of a registered constructor (see Register and Build).
package rewards

import (
	"strings"

	"github.com/gomlx/grpo/pkg/rl/template"
	"github.com/pkg/errors"
)

var (
	// ErrUnknownReward is returned by Build for configured rewards that are neither a registered name nor a Source.
	ErrUnknownReward = errors.New("reward function is not implemented")

	// ErrNoRewardSource is returned when no reward source is configured.
	ErrNoRewardSource = errors.New("you must specify reward functions or a reward model")

	// ErrWeightsMismatch is returned when the number of weights doesn't match the number of sources.
	ErrWeightsMismatch = errors.New("number of reward weights must match number of reward sources")
)

// Source of rewards: it must also implement either Callable or ScoringModel.
type Source interface {
	// Name used in the "rewards/<name>" metric.
	Name() string
}

// Callable is a rule-based reward source.
type Callable interface {
	Source

	// Score returns one reward per completion. fields holds, for every key of the records' fields (plus
	// "messages"), the list of values for each completion, in the same order.
	Score(completions []string, fields map[string][]any) ([]float64, error)
}

// ScoringModel is a learned reward source.
type ScoringModel interface {
	Source

	// Template used to encode the full conversations (prompt and completion) for the model.
	Template() template.Template

	// Score returns the first output channel of the model for each row of the batch, computed without gradients.
	Score(batch *template.Batch) ([]float64, error)
}

// FuncSource adapts a function to a Callable.
func FuncSource(name string, fn func(completions []string, fields map[string][]any) ([]float64, error)) Callable {
	return &funcSource{name: name, fn: fn}
}

type funcSource struct {
	name string
	fn   func(completions []string, fields map[string][]any) ([]float64, error)
}

func (f *funcSource) Name() string { return f.name }

func (f *funcSource) Score(completions []string, fields map[string][]any) ([]float64, error) {
	return f.fn(completions, fields)
}

// ModelName returns the name reported for a model loaded from path (a local path or a hub repository id):
// its last path component.
func ModelName(path string) string {
	path = strings.TrimRight(path, "/")
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

// checkSource verifies that source is one of the two source kinds.
func checkSource(source Source) error {
	switch source.(type) {
	case Callable, ScoringModel:
		return nil
	default:
		return errors.Wrapf(ErrUnknownReward, "reward source %q of type %T is neither a Callable nor a ScoringModel",
			source.Name(), source)
	}
}

// recordFields returns the per-key columns of the records' fields, plus the "messages" column.
func recordFields(records []template.Record) map[string][]any {
	fields := make(map[string][]any)
	for i, rec := range records {
		for key, value := range rec.Fields {
			column, found := fields[key]
			if !found {
				column = make([]any, len(records))
				fields[key] = column
			}
			column[i] = value
		}
	}
	messages := make([]any, len(records))
	for i, rec := range records {
		messages[i] = rec.Messages
	}
	fields["messages"] = messages
	return fields
}
