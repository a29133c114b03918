// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// grpo trains a small language model on synthetic arithmetic prompts with Group Relative Policy Optimization.
//
// The policy is a tiny byte-level transformer (or one sized for a HuggingFace tokenizer, see -hf_tokenizer),
// rewarded for answering "<answer>N</answer>" with the right sum.
//
// Hyperparameters are set with -set, e.g.: -set="grpo_num_generations=4;grpo_beta=0.02;learning_rate=1e-3".
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/grpo/pkg/rl/collective"
	"github.com/gomlx/grpo/pkg/rl/grpo"
	"github.com/gomlx/grpo/pkg/rl/models/tinylm"
	"github.com/gomlx/grpo/pkg/rl/reporting"
	"github.com/gomlx/grpo/pkg/rl/rewards/onnxrm"
	"github.com/gomlx/grpo/pkg/rl/template"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagSteps          = flag.Int("steps", 100, "Number of GRPO steps to run.")
	flagNumPrompts     = flag.Int("prompts", 256, "Number of synthetic arithmetic prompts.")
	flagSeed           = flag.Uint64("seed", 42, "Seed used to generate and shuffle the prompts.")
	flagRewards        = flag.String("rewards", "accuracy,format", "Comma-separated list of registered reward functions.")
	flagRewardModel    = flag.String("reward_model", "", "Optional ONNX reward model file, used as an extra reward source.")
	flagHFTokenizer    = flag.String("hf_tokenizer", "", "HuggingFace repo of the tokenizer to use. If empty, bytes are used as tokens.")
	flagCheckpoint     = flag.String("checkpoint", "", "Directory save and load checkpoints from. If left empty, no checkpoints are created.")
	flagCheckpointKeep = flag.Int("checkpoint_keep", 3, "Number of checkpoints to keep, if --checkpoint is set.")
	flagShowLast       = flag.Int("show", 8, "Number of logged completions to display at the end, if log_completions is set.")
	flagVerbosity      = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

// createDefaultContext sets the default hyperparameters of the demo.
func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:     "adam",
		optimizers.ParamLearningRate:  1e-3,
		tinylm.ParamVocabSize:         259,
		tinylm.ParamEmbedDim:          64,
		tinylm.ParamNumHeads:          4,
		tinylm.ParamHeadDim:           16,
		tinylm.ParamNumLayers:         2,
		tinylm.ParamMaxPosEmbed:       160,
		tinylm.ParamLoRARank:          0,
		grpo.ParamNumGenerations:      4,
		grpo.ParamBeta:                0.04,
		grpo.ParamTrainBatchSize:      8,
		grpo.ParamMaxCompletionLength: 32,
		grpo.ParamTemperature:         0.9,
		grpo.ParamTopK:                50,
		grpo.ParamRewardWeights:       []float64{},
		grpo.ParamLogCompletions:      true,
		grpo.ParamLoggingSteps:        10,
		grpo.ParamOutputDir:           "grpo_output",
	})
	return ctx
}

// arithmeticPrompts generates n prompts "a+b", with the sum as the "solution" field.
func arithmeticPrompts(n int, seed uint64) []template.Record {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	records := make([]template.Record, n)
	for i := range records {
		a, b := rng.IntN(50), rng.IntN(50)
		records[i] = template.NewRecord([]template.Message{
			{Role: template.RoleSystem, Content: "Think, then answer with <answer>N</answer>."},
			{Role: template.RoleUser, Content: fmt.Sprintf("%d+%d", a, b)},
		}, map[string]any{"solution": fmt.Sprint(a + b)})
	}
	return records
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if *flagVerbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	} else if *flagVerbosity >= 1 && len(paramsSet) > 0 {
		fmt.Println(commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	backend := backends.MustNew()
	if *flagVerbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	var tok template.Tokenizer = template.ByteTokenizer{}
	if *flagHFTokenizer != "" {
		hfTok, err := template.NewHuggingFaceTokenizer(*flagHFTokenizer, context.GetParamOr(ctx, tinylm.ParamVocabSize, 0))
		if err != nil {
			klog.Fatalf("Failed to load tokenizer: %+v", err)
		}
		tok = hfTok
	}
	tmpl := template.NewChatTemplate(tok)
	model := tinylm.New(ctx)

	var rewardSpecs []any
	for _, name := range strings.Split(*flagRewards, ",") {
		if name = strings.TrimSpace(name); name != "" {
			rewardSpecs = append(rewardSpecs, name)
		}
	}
	if *flagRewardModel != "" {
		rm, err := onnxrm.New(backend, *flagRewardModel, *flagRewardModel, tmpl)
		if err != nil {
			klog.Fatalf("Failed to load reward model: %+v", err)
		}
		defer func() {
			if err := rm.Close(); err != nil {
				klog.Warningf("%+v", err)
			}
		}()
		rewardSpecs = append(rewardSpecs, rm)
	}

	// Checkpoints are loaded before the trainer is built, so the reference copies the restored policy.
	var checkpoint *checkpoints.Handler
	if *flagCheckpoint != "" {
		checkpoint = must.M1(checkpoints.Build(ctx).Dir(*flagCheckpoint).Keep(*flagCheckpointKeep).Done())
	}

	prompts := grpo.NewSlicePrompts(arithmeticPrompts(*flagNumPrompts, *flagSeed)).Infinite(true).Shuffle(*flagSeed)
	grpoTrainer, err := grpo.Build(collective.Single(), backend, ctx, model, tmpl).
		Prompts(prompts).
		Rewards(rewardSpecs...).
		Done()
	if err != nil {
		klog.Fatalf("Failed to configure GRPO: %+v", err)
	}
	trainer := must.M1(grpoTrainer.NewTrainer(optimizers.FromContext(ctx)))
	loop := train.NewLoop(trainer)
	grpoTrainer.Attach(loop)
	if *flagVerbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}
	if checkpoint != nil {
		train.PeriodicCallback(loop, time.Minute, true, "saving checkpoint", 100,
			func(*train.Loop, []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	globalStep := optimizers.GetGlobalStep(ctx)
	if globalStep >= int64(*flagSteps) {
		fmt.Printf("\t - target steps=%d already reached at global step %d.\n", *flagSteps, globalStep)
		return
	}
	start := time.Now()
	_, err = loop.RunSteps(grpoTrainer, *flagSteps-int(globalStep))
	if err != nil {
		klog.Fatalf("Failed training: %+v", err)
	}
	fmt.Println()
	report(grpoTrainer, optimizers.GetGlobalStep(ctx)-globalStep, time.Since(start))
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
	headerStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2).Align(lipgloss.Center)
	cellStyle   = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
)

// report prints the mean of each metric and the last logged completions.
func report(grpoTrainer *grpo.Trainer, numSteps int64, elapsed time.Duration) {
	sink := grpoTrainer.Sink()
	means := sink.Means()
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("Metric", "Mean")
	for _, name := range sink.Names() {
		table.Row(name, humanize.FormatFloat("#,###.####", means[name]))
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("GRPO: %s steps in %s", humanize.Comma(numSteps),
		elapsed.Round(time.Second))))
	fmt.Println(table.Render())

	path := grpoTrainer.CompletionsPath()
	if path == "" || *flagShowLast <= 0 {
		return
	}
	rows, err := reporting.ReadCompletions(path)
	if err != nil {
		klog.Errorf("Failed to read completions: %+v", err)
		return
	}
	numLogged := len(rows)
	if numLogged > *flagShowLast {
		rows = slices.Clone(rows[numLogged-*flagShowLast:])
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("Last completions (of %s logged in %s)",
		humanize.Comma(int64(numLogged)), path)))
	fmt.Fprintln(os.Stdout, reporting.CompletionsTable(rows))
}
