// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package grpo

import (
	"io"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/grpo/pkg/rl/template"
	"github.com/pkg/errors"
)

// PromptSource provides the prompts of each step.
type PromptSource interface {
	// Next returns the next numPrompts prompts, or io.EOF if the source is exhausted.
	Next(numPrompts int) ([]template.Record, error)

	// Reset restarts the source.
	Reset()
}

// SlicePrompts is an in-memory PromptSource.
type SlicePrompts struct {
	records  []template.Record
	order    []int
	next     int
	infinite bool
	rng      *rand.Rand
}

var _ PromptSource = (*SlicePrompts)(nil)

// NewSlicePrompts creates a PromptSource over records, in order.
func NewSlicePrompts(records []template.Record) *SlicePrompts {
	s := &SlicePrompts{records: records, order: make([]int, len(records))}
	for i := range s.order {
		s.order[i] = i
	}
	return s
}

// Infinite makes the source restart (and reshuffle, if shuffling) when exhausted.
func (s *SlicePrompts) Infinite(infinite bool) *SlicePrompts {
	s.infinite = infinite
	return s
}

// Shuffle the prompts with the given seed, at every restart.
func (s *SlicePrompts) Shuffle(seed uint64) *SlicePrompts {
	s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	s.shuffle()
	return s
}

func (s *SlicePrompts) shuffle() {
	if s.rng != nil {
		s.rng.Shuffle(len(s.order), func(i, j int) { s.order[i], s.order[j] = s.order[j], s.order[i] })
	}
}

// Len is the number of prompts.
func (s *SlicePrompts) Len() int { return len(s.records) }

// Next implements PromptSource. A partial last batch is dropped.
func (s *SlicePrompts) Next(numPrompts int) ([]template.Record, error) {
	if numPrompts <= 0 {
		return nil, errors.Errorf("invalid number of prompts %d", numPrompts)
	}
	if numPrompts > len(s.records) {
		return nil, errors.Errorf("%d prompts requested, but the source only has %d", numPrompts, len(s.records))
	}
	if s.next+numPrompts > len(s.order) {
		if !s.infinite {
			return nil, io.EOF
		}
		s.Reset()
	}
	batch := make([]template.Record, numPrompts)
	for i, idx := range s.order[s.next : s.next+numPrompts] {
		batch[i] = s.records[idx].Clone()
	}
	s.next += numPrompts
	return batch, nil
}

// Reset implements PromptSource.
func (s *SlicePrompts) Reset() {
	s.next = 0
	s.shuffle()
}

// repeatPrompts returns each prompt repeated numGenerations times, consecutively: the groups of the global batch.
// Copies of a prompt get distinct IDs.
func repeatPrompts(prompts []template.Record, numGenerations int) []template.Record {
	repeated := make([]template.Record, 0, len(prompts)*numGenerations)
	for _, prompt := range prompts {
		for range numGenerations {
			rec := prompt.Clone()
			rec.Messages = slices.Clone(prompt.Prompt())
			repeated = append(repeated, rec)
		}
	}
	for i := range repeated {
		repeated[i].ID = groupMemberID(repeated[i].ID, i%numGenerations)
	}
	return repeated
}
