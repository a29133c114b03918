// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package reporting

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/grpo/pkg/rl/template"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CompletionsFile is the name of the completions log, in the output directory.
const CompletionsFile = "completions.jsonl"

// Completion is one logged sample: the prompt messages (without the generated reply), the reply and
// its total reward.
type Completion struct {
	Step       int64              `json:"step"`
	Messages   []template.Message `json:"messages"`
	Completion string             `json:"completion"`
	Reward     float64            `json:"reward"`
}

// NewCompletions pairs records (with their generated replies) and rewards, for step.
func NewCompletions(step int64, records []template.Record, rewards []float64) ([]Completion, error) {
	if len(records) != len(rewards) {
		return nil, errors.Errorf("%d records but %d rewards", len(records), len(rewards))
	}
	rows := make([]Completion, len(records))
	for i, rec := range records {
		rows[i] = Completion{
			Step:       step,
			Messages:   rec.Prompt(),
			Completion: rec.Completion(),
			Reward:     rewards[i],
		}
	}
	return rows, nil
}

// ShouldLogCompletions returns whether completions of step are logged: enabled and step a multiple of
// loggingSteps (every step if loggingSteps <= 1).
func ShouldLogCompletions(enabled bool, step int64, loggingSteps int) bool {
	if !enabled {
		return false
	}
	return loggingSteps <= 1 || step%int64(loggingSteps) == 0
}

// CompletionsWriter appends completions as JSON lines to <outputDir>/completions.jsonl.
// Only the main process should write.
type CompletionsWriter struct {
	mu   sync.Mutex
	path string
}

// NewCompletionsWriter creates outputDir if needed.
func NewCompletionsWriter(outputDir string) (*CompletionsWriter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create output directory %q", outputDir)
	}
	return &CompletionsWriter{path: filepath.Join(outputDir, CompletionsFile)}, nil
}

// Path of the completions log.
func (w *CompletionsWriter) Path() string { return w.path }

// Write appends one line per completion.
func (w *CompletionsWriter) Write(rows []Completion) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "failed to open completions log %q", w.path)
	}
	enc := json.NewEncoder(f)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "failed to write completions log %q", w.path)
		}
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close completions log %q", w.path)
	}
	klog.V(2).Infof("%d completions written to %s", len(rows), w.path)
	return nil
}

// ReadCompletions reads back a completions log.
func ReadCompletions(path string) ([]Completion, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open completions log %q", path)
	}
	defer func() { _ = f.Close() }()
	var rows []Completion
	dec := json.NewDecoder(f)
	for dec.More() {
		var row Completion
		if err := dec.Decode(&row); err != nil {
			return nil, errors.Wrapf(err, "failed to parse completions log %q, entry #%d", path, len(rows))
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// CompletionsTable returns a dataframe with columns step, prompt (the last prompt message), completion
// and reward.
func CompletionsTable(rows []Completion) dataframe.DataFrame {
	steps := make([]int, len(rows))
	prompts := make([]string, len(rows))
	completions := make([]string, len(rows))
	rewards := make([]float64, len(rows))
	for i, row := range rows {
		steps[i] = int(row.Step)
		if n := len(row.Messages); n > 0 {
			prompts[i] = row.Messages[n-1].Content
		}
		completions[i] = row.Completion
		rewards[i] = row.Reward
	}
	return dataframe.New(
		series.New(steps, series.Int, "step"),
		series.New(prompts, series.String, "prompt"),
		series.New(completions, series.String, "completion"),
		series.New(rewards, series.Float, "reward"),
	)
}
