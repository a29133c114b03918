// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package template converts chat records into token sequences and batches.
//
// A Template is stateful: its Mode and MaxLength change how records are encoded.
// WithEncodingOverrides and WithoutPostEncodeHooks change that state for the duration of a call,
// and always restore it.
package template

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// IgnoreIndex is the label sentinel of positions that are not part of a completion.
const IgnoreIndex = -100

// Mode of a Template.
type Mode string

const (
	// ModeInfer encodes only the prompt, for in-process generation.
	ModeInfer Mode = "infer"

	// ModeServe encodes only the prompt, for a centralized (batched) generation engine.
	ModeServe Mode = "serve"

	// ModeTrain encodes prompt and reply, with labels marking the reply tokens.
	ModeTrain Mode = "train"
)

// IsInference returns whether the mode encodes prompts for generation.
func (m Mode) IsInference() bool {
	return m == ModeInfer || m == ModeServe
}

// Encoded is one tokenized record.
type Encoded struct {
	InputIDs []int32

	// Labels has the same length as InputIDs, with IgnoreIndex on non-completion positions.
	// It is nil for inference modes.
	Labels []int32

	// Extra holds values added by post-encode hooks (e.g. multimodal encoder outputs).
	Extra map[string]any
}

// Batch of encoded records, right padded to the same length.
type Batch struct {
	InputIDs      [][]int32
	AttentionMask [][]int32
	Labels        [][]int32
}

// Size is the number of rows in the batch.
func (b *Batch) Size() int { return len(b.InputIDs) }

// SeqLen is the padded length of the rows.
func (b *Batch) SeqLen() int {
	if len(b.InputIDs) == 0 {
		return 0
	}
	return len(b.InputIDs[0])
}

// Tensors returns input_ids and attention_mask as int32 tensors shaped [batch, seqLen].
func (b *Batch) Tensors() (inputIDs, attentionMask *tensors.Tensor) {
	return tensors.FromValue(b.InputIDs), tensors.FromValue(b.AttentionMask)
}

// Hook post-processes an encoded record.
type Hook func(enc *Encoded) error

// Template encodes records and collates them into batches.
type Template interface {
	Tokenizer() Tokenizer

	// Encode one record according to the current Mode and MaxLength.
	Encode(rec Record) (Encoded, error)

	// Collate right-pads encoded records into a Batch.
	Collate(encoded []Encoded) (*Batch, error)

	Mode() Mode
	SetMode(mode Mode)

	// MaxLength of an encoded record; 0 means unlimited.
	MaxLength() int
	SetMaxLength(maxLength int)
}

// PostEncodeHooks is implemented by templates of multimodal models, whose encoded records are
// post-processed (e.g. by a vision encoder) before being used.
type PostEncodeHooks interface {
	// RemovePostEncodeHooks unregisters and returns the current hooks.
	RemovePostEncodeHooks() []Hook

	// RegisterPostEncodeHooks registers hooks to be called after each Encode.
	RegisterPostEncodeHooks(hooks []Hook)
}

// WithEncodingOverrides runs fn with truncation disabled (MaxLength 0) and, if the template is in an
// inference mode, with ModeTrain. The previous mode and max length are restored on every exit path,
// including errors and panics.
//
// Prompt and completion lengths are bounded before this point, so encoding for training must not truncate.
func WithEncodingOverrides(tmpl Template, fn func() error) error {
	mode, maxLength := tmpl.Mode(), tmpl.MaxLength()
	defer func() {
		tmpl.SetMode(mode)
		tmpl.SetMaxLength(maxLength)
	}()
	if mode.IsInference() {
		tmpl.SetMode(ModeTrain)
	}
	tmpl.SetMaxLength(0)
	return fn()
}

// WithoutPostEncodeHooks runs fn with the template's post-encode hooks removed, and registers them back
// on every exit path.
//
// It returns an error if the template doesn't support hooks.
func WithoutPostEncodeHooks(tmpl Template, fn func() error) error {
	hooked, ok := tmpl.(PostEncodeHooks)
	if !ok {
		return errors.Errorf("template %T doesn't support post-encode hooks, required for multimodal models", tmpl)
	}
	hooks := hooked.RemovePostEncodeHooks()
	defer hooked.RegisterPostEncodeHooks(hooks)
	return fn()
}

// EncodeBatch encodes all records and collates them.
func EncodeBatch(tmpl Template, records []Record) (*Batch, error) {
	encoded := make([]Encoded, len(records))
	for i, rec := range records {
		var err error
		encoded[i], err = tmpl.Encode(rec)
		if err != nil {
			return nil, errors.WithMessagef(err, "encoding record #%d (id=%s)", i, rec.ID)
		}
	}
	return tmpl.Collate(encoded)
}
