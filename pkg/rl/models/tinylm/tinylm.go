// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tinylm implements a small causal transformer language model with optional LoRA adapters.
//
// It is the policy used by the GRPO demo and tests: it implements logprobs.Model (full logits),
// logprobs.WindowedModel (logits only for the trailing tokens) and a scalar Score head usable as a
// learned reward model.
//
// When LoRA is enabled (ParamLoRARank > 0), the base weights are frozen and only the adapters are
// trained; the adapters are skipped in graphs where logprobs.ParamAdaptersDisabled is set, which
// turns the model back into the base model (the reference policy).
package tinylm

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/grpo/pkg/rl/logprobs"
)

// Hyperparameter keys.
const (
	ParamVocabSize   = "tinylm_vocab_size"
	ParamEmbedDim    = "tinylm_embed_dim"
	ParamNumHeads    = "tinylm_num_heads"
	ParamHeadDim     = "tinylm_head_dim"
	ParamNumLayers   = "tinylm_num_layers"
	ParamMaxPosEmbed = "tinylm_max_pos_embed"

	// ParamLoRARank enables LoRA adapters on the feed-forward and output projections, if > 0.
	ParamLoRARank = "tinylm_lora_rank"

	// ParamLoRAAlpha scales the adapters' contribution by alpha/rank.
	ParamLoRAAlpha = "tinylm_lora_alpha"
)

// loraScope is the scope name of the adapter variables.
const loraScope = "lora"

// Model configuration. It holds no weights: those live in the context given to each method.
type Model struct {
	VocabSize, EmbedDim, NumHeads, HeadDim, NumLayers, MaxPosEmbed int
	LoRARank                                                       int
	LoRAAlpha                                                      float64
	DType                                                          dtypes.DType
}

var (
	_ logprobs.Model         = (*Model)(nil)
	_ logprobs.WindowedModel = (*Model)(nil)
	_ logprobs.Adapters      = (*Model)(nil)
)

// New creates the model configuration from the context hyperparameters.
func New(ctx *context.Context) *Model {
	return &Model{
		VocabSize:   context.GetParamOr(ctx, ParamVocabSize, 259),
		EmbedDim:    context.GetParamOr(ctx, ParamEmbedDim, 32),
		NumHeads:    context.GetParamOr(ctx, ParamNumHeads, 2),
		HeadDim:     context.GetParamOr(ctx, ParamHeadDim, 16),
		NumLayers:   context.GetParamOr(ctx, ParamNumLayers, 2),
		MaxPosEmbed: context.GetParamOr(ctx, ParamMaxPosEmbed, 256),
		LoRARank:    context.GetParamOr(ctx, ParamLoRARank, 0),
		LoRAAlpha:   context.GetParamOr(ctx, ParamLoRAAlpha, 16.0),
		DType:       dtypes.Float32,
	}
}

// HasAdapters returns whether LoRA adapters are enabled.
func (m *Model) HasAdapters() bool { return m.LoRARank > 0 }

// Logits returns the next-token logits for every position, shaped [batch, seqLen, vocabSize].
func (m *Model) Logits(ctx *context.Context, inputIDs, attentionMask *Node) *Node {
	ctx = ctx.Checked(false)
	logits := m.project(ctx, m.hidden(ctx, inputIDs, attentionMask))
	m.freezeBaseWeights(ctx)
	return logits
}

// WindowedLogits returns the logits that predict the last logitsToKeep tokens, shaped
// [batch, logitsToKeep, vocabSize]. The vocabulary projection is only computed for those positions.
func (m *Model) WindowedLogits(ctx *context.Context, inputIDs, attentionMask *Node, logitsToKeep int) *Node {
	ctx = ctx.Checked(false)
	h := m.hidden(ctx, inputIDs, attentionMask)
	seqLen := h.Shape().Dimensions[1]
	h = Slice(h, AxisRange(), AxisRange(seqLen-logitsToKeep-1, seqLen-1))
	logits := m.project(ctx, h)
	m.freezeBaseWeights(ctx)
	return logits
}

// Score returns one scalar per row, read from the hidden state of the last non-padding token.
// Shape is [batch, 1].
func (m *Model) Score(ctx *context.Context, inputIDs, attentionMask *Node) *Node {
	ctx = ctx.Checked(false)
	h := m.hidden(ctx, inputIDs, attentionMask)
	seqLen := inputIDs.Shape().Dimensions[1]
	lastIdx := AddScalar(ReduceSum(attentionMask, -1), -1)
	selector := OneHot(lastIdx, seqLen, h.DType()) // [batch, seqLen]
	last := Einsum("bs,bsd->bd", selector, h)
	return layers.Dense(ctx.In("reward_head"), last, true, 1)
}

func (m *Model) hidden(ctx *context.Context, inputIDs, attentionMask *Node) *Node {
	g := inputIDs.Graph()
	if inputIDs.Rank() != 2 {
		exceptions.Panicf("tinylm: inputIDs must be shaped [batch, seqLen], got %s", inputIDs.Shape())
	}
	seqLen := inputIDs.Shape().Dimensions[1]
	if seqLen > m.MaxPosEmbed {
		exceptions.Panicf("tinylm: sequence length %d larger than the max position embedding %d", seqLen, m.MaxPosEmbed)
	}

	x := layers.Embedding(ctx.In("token_embed"), inputIDs, m.DType, m.VocabSize, m.EmbedDim)
	posEmbed := ctx.In("pos_embed").
		VariableWithShape("embeddings", shapes.Make(m.DType, m.MaxPosEmbed, m.EmbedDim)).
		ValueGraph(g)
	posEmbed = Slice(posEmbed, AxisRange(0, seqLen))
	x = Add(x, InsertAxes(posEmbed, 0))

	keyMask := ConvertDType(attentionMask, dtypes.Bool)
	for layer := range m.NumLayers {
		layerCtx := ctx.In(fmt.Sprintf("layer_%d", layer))
		attn := attention.MultiHeadAttention(layerCtx.In("attn"), x, x, x, m.NumHeads, m.HeadDim).
			WithKeyMask(keyMask).
			WithCausalMask(true).
			Done()
		x = layers.LayerNormalization(layerCtx.In("norm1"), Add(x, attn), -1).Done()
		ff := m.dense(layerCtx.In("ff1"), x, 4*m.EmbedDim)
		ff = Tanh(ff)
		ff = m.dense(layerCtx.In("ff2"), ff, m.EmbedDim)
		x = layers.LayerNormalization(layerCtx.In("norm2"), Add(x, ff), -1).Done()
	}
	return x
}

func (m *Model) project(ctx *context.Context, h *Node) *Node {
	return m.dense(ctx.In("output"), h, m.VocabSize)
}

// dense is a linear projection of the last axis of x (rank 3), plus a LoRA adapter if enabled.
func (m *Model) dense(ctx *context.Context, x *Node, outDim int) *Node {
	g := x.Graph()
	inDim := x.Shape().Dimensions[x.Rank()-1]
	weights := ctx.VariableWithShape("weights", shapes.Make(m.DType, inDim, outDim)).ValueGraph(g)
	biases := ctx.VariableWithValue("biases", make([]float32, outDim)).ValueGraph(g)
	y := Add(Einsum("bsi,io->bso", x, weights), Reshape(biases, 1, 1, outDim))
	if m.LoRARank <= 0 || context.GetGraphParamOr(ctx, g, logprobs.ParamAdaptersDisabled, false) {
		return y
	}
	loraCtx := ctx.In(loraScope)
	a := loraCtx.VariableWithShape("a", shapes.Make(m.DType, inDim, m.LoRARank)).ValueGraph(g)
	b := loraCtx.VariableWithValue("b", xslices.Slice2DWithValue(float32(0), m.LoRARank, outDim)).ValueGraph(g)
	delta := Einsum("bsr,ro->bso", Einsum("bsi,ir->bsr", x, a), b)
	return Add(y, MulScalar(delta, m.LoRAAlpha/float64(m.LoRARank)))
}

// freezeBaseWeights marks every non-adapter variable under ctx as not trainable, when LoRA is enabled.
func (m *Model) freezeBaseWeights(ctx *context.Context) {
	if m.LoRARank <= 0 {
		return
	}
	for v := range ctx.IterVariablesInScope() {
		if !strings.Contains(v.Scope(), "/"+loraScope) {
			v.SetTrainable(false)
		}
	}
}
