// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package reporting accumulates the GRPO step metrics and logs the generated completions.
package reporting

import (
	"maps"
	"slices"
	"sync"

	"github.com/gomlx/grpo/pkg/rl/collective"
)

// Metric names.
const (
	MetricReward           = "reward"
	MetricRewardStd        = "reward_std"
	MetricCompletionLength = "completion_length"
	MetricKL               = "kl"
	MetricLoss             = "loss"

	// RewardPrefix prefixes the per-source reward metrics, see RewardMetric.
	RewardPrefix = "rewards/"
)

// RewardMetric returns the metric name for the mean reward of the source sourceName.
func RewardMetric(sourceName string) string {
	return RewardPrefix + sourceName
}

// Sink accumulates metric values by name until Reset. It is safe for concurrent use.
type Sink struct {
	mu     sync.Mutex
	values map[string][]float64
}

// NewSink creates an empty Sink.
func NewSink() *Sink {
	return &Sink{values: make(map[string][]float64)}
}

// Append a value to the metric name.
func (s *Sink) Append(name string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = append(s.values[name], value)
}

// Snapshot returns a copy of the accumulated values.
func (s *Sink) Snapshot() map[string][]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[string][]float64, len(s.values))
	for name, values := range s.values {
		snapshot[name] = slices.Clone(values)
	}
	return snapshot
}

// Means returns the mean of the accumulated values of each metric.
func (s *Sink) Means() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	means := make(map[string]float64, len(s.values))
	for name, values := range s.values {
		means[name] = collective.Mean(values)
	}
	return means
}

// Names of the metrics with values, sorted.
func (s *Sink) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.values))
}

// Reset drops all accumulated values, typically after they were logged.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.values)
}
