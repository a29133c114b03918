// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package onnxrm provides learned reward models stored as ONNX sequence-classification models.
//
// The ONNX graph is converted to GoMLX with onnx-gomlx and its weights loaded into a separate context, so
// the reward model runs on the same backend as the policy. The reward is the first output logit.
package onnxrm

import (
	"slices"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/grpo/pkg/rl/rewards"
	"github.com/gomlx/grpo/pkg/rl/template"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/gomlx/onnx-gomlx/onnx/parser"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultModelFile is the ONNX file looked up in HuggingFace repositories.
const DefaultModelFile = "onnx/model.onnx"

// Model is a rewards.ScoringModel backed by an ONNX model.
type Model struct {
	*rewards.GraphScorer
	onnxModel onnx.Model
}

var _ rewards.ScoringModel = (*Model)(nil)

// New loads the ONNX model at onnxPath. name is the model's name or path, reported by its last path
// component. tmpl encodes the conversations for this model.
func New(backend backends.Backend, name, onnxPath string, tmpl template.Template) (*Model, error) {
	onnxModel, err := parser.ParseFile(onnxPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load ONNX reward model from %q", onnxPath)
	}
	inputNames, _ := onnxModel.Inputs()
	outputNames, _ := onnxModel.Outputs()
	klog.V(1).Infof("reward model %q: inputs=%v, outputs=%v", name, inputNames, outputNames)
	if !slices.Contains(inputNames, "input_ids") || !slices.Contains(inputNames, "attention_mask") {
		closeModel(name, onnxModel)
		return nil, errors.Errorf("reward model %q must take inputs \"input_ids\" and \"attention_mask\", got %v",
			name, inputNames)
	}
	hasTokenTypeIDs := slices.Contains(inputNames, "token_type_ids")

	ctx := context.New()
	if err := onnxModel.VariablesToContext(ctx); err != nil {
		closeModel(name, onnxModel)
		return nil, errors.WithMessagef(err, "failed to load weights of reward model %q", name)
	}
	for v := range ctx.IterVariables() {
		v.SetTrainable(false)
	}

	scoreFn := func(ctx *context.Context, inputIDs, attentionMask *Node) *Node {
		g := inputIDs.Graph()
		inputs := map[string]*Node{
			"input_ids":      ConvertDType(inputIDs, dtypes.Int64),
			"attention_mask": ConvertDType(attentionMask, dtypes.Int64),
		}
		if hasTokenTypeIDs {
			inputs["token_type_ids"] = ZerosLike(inputs["input_ids"])
		}
		logits := onnxModel.CallGraph(ctx, g, inputs)[0]
		switch logits.Rank() {
		case 1:
			logits = InsertAxes(logits, -1)
		case 2:
		default:
			exceptions.Panicf("reward model %q returned logits shaped %s, expected [batch, numLabels]",
				name, logits.Shape())
		}
		return ConvertDType(logits, dtypes.Float32)
	}
	scorer, err := rewards.NewGraphScorer(backend, rewards.ModelName(name), tmpl, ctx, scoreFn)
	if err != nil {
		closeModel(name, onnxModel)
		return nil, err
	}
	return &Model{GraphScorer: scorer, onnxModel: onnxModel}, nil
}

// FromHub downloads (or reuses the cached) ONNX model file modelFile and the tokenizer of the HuggingFace
// repository repoID, and loads them. If modelFile is empty, DefaultModelFile is used.
func FromHub(backend backends.Backend, repoID, modelFile string) (*Model, error) {
	if modelFile == "" {
		modelFile = DefaultModelFile
	}
	repo := hub.New(repoID).WithProgressBar(true)
	if err := repo.DownloadInfo(false); err != nil {
		return nil, errors.WithMessagef(err, "failed to get info of HuggingFace repo %q", repoID)
	}
	onnxPath, err := repo.DownloadFile(modelFile)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to download %q from %q", modelFile, repoID)
	}
	tok, err := template.NewHuggingFaceTokenizer(repoID, 0)
	if err != nil {
		return nil, err
	}
	return New(backend, repoID, onnxPath, template.NewChatTemplate(tok))
}

// Close releases the ONNX model.
func (m *Model) Close() error {
	return errors.WithMessagef(m.onnxModel.Close(), "failed to close reward model %q", m.Name())
}

// closeModel releases a model that failed to load, logging any error.
func closeModel(name string, onnxModel onnx.Model) {
	if err := onnxModel.Close(); err != nil {
		klog.Warningf("failed to close reward model %q: %+v", name, err)
	}
}
