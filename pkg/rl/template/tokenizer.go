// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package template

import (
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Tokenizer converts text to token ids and back.
type Tokenizer interface {
	Encode(text string) []int
	Decode(ids []int) string

	// VocabSize is the number of token ids, special tokens included.
	VocabSize() int

	// EOS is the end-of-sequence token id, which stops generation.
	EOS() int

	// Pad is the token id used to pad batches.
	Pad() int
}

// ByteTokenizer maps each byte to its own token, plus a few special tokens after the 256 byte values.
type ByteTokenizer struct{}

// Special tokens of ByteTokenizer.
const (
	BytePad = 256 + iota
	ByteBOS
	ByteEOS
	byteVocabSize
)

var _ Tokenizer = ByteTokenizer{}

func (ByteTokenizer) Encode(text string) []int {
	ids := make([]int, len(text))
	for i := range len(text) {
		ids[i] = int(text[i])
	}
	return ids
}

// Decode skips special tokens.
func (ByteTokenizer) Decode(ids []int) string {
	buf := make([]byte, 0, len(ids))
	for _, id := range ids {
		if id >= 0 && id < 256 {
			buf = append(buf, byte(id))
		}
	}
	return string(buf)
}

func (ByteTokenizer) VocabSize() int { return byteVocabSize }
func (ByteTokenizer) EOS() int       { return ByteEOS }
func (ByteTokenizer) Pad() int       { return BytePad }

// HuggingFaceTokenizer wraps a tokenizer downloaded from the HuggingFace hub.
type HuggingFaceTokenizer struct {
	api.Tokenizer
	vocabSize, eos, pad int
}

var _ Tokenizer = (*HuggingFaceTokenizer)(nil)

// NewHuggingFaceTokenizer downloads (or reuses the cached) tokenizer of the model repoID.
//
// vocabSize must match the embedding table of the policy model.
func NewHuggingFaceTokenizer(repoID string, vocabSize int) (*HuggingFaceTokenizer, error) {
	repo := hub.New(repoID).WithProgressBar(true)
	if err := repo.DownloadInfo(false); err != nil {
		return nil, errors.WithMessagef(err, "failed to get info of HuggingFace repo %q", repoID)
	}
	tok, err := tokenizers.New(repo)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create tokenizer for %q", repoID)
	}
	eos, err := tok.SpecialTokenID(api.TokEndOfSentence)
	if err != nil {
		return nil, errors.WithMessagef(err, "tokenizer of %q has no end-of-sentence token", repoID)
	}
	pad, err := tok.SpecialTokenID(api.TokPad)
	if err != nil {
		klog.Warningf("tokenizer of %q has no padding token, using end-of-sentence (%d) for padding", repoID, eos)
		pad = eos
	}
	return &HuggingFaceTokenizer{Tokenizer: tok, vocabSize: vocabSize, eos: eos, pad: pad}, nil
}

func (t *HuggingFaceTokenizer) VocabSize() int { return t.vocabSize }
func (t *HuggingFaceTokenizer) EOS() int       { return t.eos }
func (t *HuggingFaceTokenizer) Pad() int       { return t.pad }
