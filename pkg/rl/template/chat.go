// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package template

import (
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// ErrMaxLengthExceeded is returned by ChatTemplate.Encode when a record is longer than MaxLength.
var ErrMaxLengthExceeded = errors.New("encoded record exceeds max length")

// ChatTemplate renders conversations as
//
//	<|system|>...\n<|user|>...\n<|assistant|>...<EOS>
//
// and tokenizes them with its Tokenizer.
type ChatTemplate struct {
	tok       Tokenizer
	mode      Mode
	maxLength int
	hooks     []Hook

	// DefaultSystem is prepended as a system message to conversations that don't have one. Empty disables it.
	DefaultSystem string
}

var (
	_ Template        = (*ChatTemplate)(nil)
	_ PostEncodeHooks = (*ChatTemplate)(nil)
)

// NewChatTemplate creates a ChatTemplate in ModeInfer with unlimited length.
func NewChatTemplate(tok Tokenizer) *ChatTemplate {
	return &ChatTemplate{tok: tok, mode: ModeInfer}
}

func (t *ChatTemplate) Tokenizer() Tokenizer       { return t.tok }
func (t *ChatTemplate) Mode() Mode                 { return t.mode }
func (t *ChatTemplate) SetMode(mode Mode)          { t.mode = mode }
func (t *ChatTemplate) MaxLength() int             { return t.maxLength }
func (t *ChatTemplate) SetMaxLength(maxLength int) { t.maxLength = maxLength }

// RemovePostEncodeHooks implements PostEncodeHooks.
func (t *ChatTemplate) RemovePostEncodeHooks() []Hook {
	hooks := t.hooks
	t.hooks = nil
	return hooks
}

// RegisterPostEncodeHooks implements PostEncodeHooks.
func (t *ChatTemplate) RegisterPostEncodeHooks(hooks []Hook) {
	t.hooks = append(t.hooks, hooks...)
}

func rolePrefix(role string) string {
	return "<|" + role + "|>"
}

// RenderPrompt returns the text of the prompt messages followed by the assistant generation prefix.
func (t *ChatTemplate) RenderPrompt(messages []Message) string {
	var sb strings.Builder
	if t.DefaultSystem != "" && (len(messages) == 0 || messages[0].Role != RoleSystem) {
		sb.WriteString(rolePrefix(RoleSystem) + t.DefaultSystem + "\n")
	}
	for _, msg := range messages {
		sb.WriteString(rolePrefix(msg.Role) + msg.Content + "\n")
	}
	sb.WriteString(rolePrefix(RoleAssistant))
	return sb.String()
}

// Encode implements Template.
//
// In inference modes only the prompt is encoded (an existing reply is ignored).
// In ModeTrain the record must end with an assistant reply, whose tokens (plus EOS) are the labels.
func (t *ChatTemplate) Encode(rec Record) (Encoded, error) {
	promptIDs := t.tok.Encode(t.RenderPrompt(rec.Prompt()))
	var enc Encoded
	if t.mode.IsInference() {
		enc.InputIDs = toInt32(promptIDs)
	} else {
		if !rec.HasResponse() {
			return Encoded{}, errors.Errorf("record %s has no assistant reply to encode in mode %q", rec.ID, t.mode)
		}
		replyIDs := append(t.tok.Encode(rec.Completion()), t.tok.EOS())
		enc.InputIDs = toInt32(slices.Concat(promptIDs, replyIDs))
		enc.Labels = make([]int32, len(enc.InputIDs))
		for i := range len(promptIDs) {
			enc.Labels[i] = IgnoreIndex
		}
		copy(enc.Labels[len(promptIDs):], toInt32(replyIDs))
	}
	if t.maxLength > 0 && len(enc.InputIDs) > t.maxLength {
		return Encoded{}, errors.Wrapf(ErrMaxLengthExceeded, "record %s has %d tokens, max length is %d",
			rec.ID, len(enc.InputIDs), t.maxLength)
	}
	for _, hook := range t.hooks {
		if err := hook(&enc); err != nil {
			return Encoded{}, errors.WithMessagef(err, "post-encode hook failed for record %s", rec.ID)
		}
	}
	return enc, nil
}

// Collate implements Template: rows are right padded with the tokenizer's pad token, attention mask 0
// and IgnoreIndex labels.
func (t *ChatTemplate) Collate(encoded []Encoded) (*Batch, error) {
	if len(encoded) == 0 {
		return nil, errors.New("cannot collate an empty batch")
	}
	seqLen := 0
	withLabels := encoded[0].Labels != nil
	for i, enc := range encoded {
		seqLen = max(seqLen, len(enc.InputIDs))
		if (enc.Labels != nil) != withLabels {
			return nil, errors.Errorf("record #%d labels presence doesn't match the first record's", i)
		}
	}
	pad := int32(t.tok.Pad())
	batch := &Batch{
		InputIDs:      make([][]int32, len(encoded)),
		AttentionMask: make([][]int32, len(encoded)),
	}
	if withLabels {
		batch.Labels = make([][]int32, len(encoded))
	}
	for i, enc := range encoded {
		n := len(enc.InputIDs)
		ids, mask := make([]int32, seqLen), make([]int32, seqLen)
		copy(ids, enc.InputIDs)
		for j := range seqLen {
			if j < n {
				mask[j] = 1
			} else {
				ids[j] = pad
			}
		}
		batch.InputIDs[i], batch.AttentionMask[i] = ids, mask
		if withLabels {
			labels := make([]int32, seqLen)
			copy(labels, enc.Labels)
			for j := n; j < seqLen; j++ {
				labels[j] = IgnoreIndex
			}
			batch.Labels[i] = labels
		}
	}
	return batch, nil
}

func toInt32(ids []int) []int32 {
	out := make([]int32, len(ids))
	for i, id := range ids {
		out[i] = int32(id)
	}
	return out
}

// ToInts converts int32 token ids back to int.
func ToInts(ids []int32) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}
