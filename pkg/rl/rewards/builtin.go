// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewards

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/grpo/pkg/rl/template"
	"github.com/pkg/errors"
)

// Hyperparameters of the built-in reward functions.
const (
	ParamCosineMinLenValueWrong   = "cosine_min_len_value_wrong"
	ParamCosineMaxLenValueWrong   = "cosine_max_len_value_wrong"
	ParamCosineMinLenValueCorrect = "cosine_min_len_value_correct"
	ParamCosineMaxLenValueCorrect = "cosine_max_len_value_correct"

	// ParamCosineMaxLen is the length (in tokens) at which the cosine schedule ends. If 0,
	// ParamMaxCompletionLength is used.
	ParamCosineMaxLen = "cosine_max_len"

	ParamRepetitionNGrams     = "repetition_n_grams"
	ParamRepetitionMaxPenalty = "repetition_max_penalty"

	ParamSoftMaxLength   = "soft_max_length"
	ParamSoftCacheLength = "soft_cache_length"

	// ParamMaxCompletionLength is shared with the trainer configuration.
	ParamMaxCompletionLength = "max_completion_length"

	// ParamSolutionField is the record field holding the reference answer for accuracy rewards.
	ParamSolutionField = "reward_solution_field"
)

func init() {
	Register("accuracy", func(ctx *context.Context, _ template.Tokenizer) (Callable, error) {
		return &Accuracy{SolutionField: context.GetParamOr(ctx, ParamSolutionField, "solution")}, nil
	})
	Register("format", func(*context.Context, template.Tokenizer) (Callable, error) {
		return NewRegexpFormat("format", `^<think>.*?</think>\s*<answer>.*?</answer>$`), nil
	})
	Register("react_format", func(*context.Context, template.Tokenizer) (Callable, error) {
		return NewRegexpFormat("react_format", `^.*?Thought:.*?Action:.*?Action Input:.*?$`), nil
	})
	Register("cosine", NewCosine)
	Register("repetition", NewRepetition)
	Register("soft_overlong", NewSoftOverlong)
}

var (
	answerTagRegexp = regexp.MustCompile(`(?s)<answer>(.*?)</answer>`)
	numberRegexp    = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
)

// ExtractAnswer returns the content of the <answer> tag if present, otherwise the last number in the text,
// otherwise the trimmed text.
func ExtractAnswer(text string) string {
	if m := answerTagRegexp.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if numbers := numberRegexp.FindAllString(text, -1); len(numbers) > 0 {
		return numbers[len(numbers)-1]
	}
	return strings.TrimSpace(text)
}

func answersMatch(got, want string) bool {
	got, want = strings.TrimSpace(got), strings.TrimSpace(want)
	if got == want {
		return true
	}
	gotNum, err := strconv.ParseFloat(got, 64)
	if err != nil {
		return false
	}
	wantNum, err := strconv.ParseFloat(want, 64)
	if err != nil {
		return false
	}
	return math.Abs(gotNum-wantNum) < 1e-6
}

// Accuracy rewards 1 for completions whose answer matches the record's solution field, 0 otherwise.
type Accuracy struct {
	SolutionField string
}

func (a *Accuracy) Name() string { return "accuracy" }

func (a *Accuracy) Score(completions []string, fields map[string][]any) ([]float64, error) {
	solutions, err := stringField(fields, a.SolutionField, len(completions))
	if err != nil {
		return nil, err
	}
	scores := make([]float64, len(completions))
	for i, completion := range completions {
		if answersMatch(ExtractAnswer(completion), ExtractAnswer(solutions[i])) {
			scores[i] = 1
		}
	}
	return scores, nil
}

func stringField(fields map[string][]any, name string, n int) ([]string, error) {
	column, found := fields[name]
	if !found {
		return nil, errors.Errorf("reward requires the field %q in the dataset records", name)
	}
	if len(column) != n {
		return nil, errors.Errorf("field %q has %d values, expected %d", name, len(column), n)
	}
	values := make([]string, n)
	for i, v := range column {
		switch s := v.(type) {
		case string:
			values[i] = s
		case nil:
			return nil, errors.Errorf("field %q missing for completion #%d", name, i)
		default:
			values[i] = fmt.Sprint(s)
		}
	}
	return values, nil
}

// RegexpFormat rewards 1 for completions fully matching a pattern, 0 otherwise.
type RegexpFormat struct {
	name    string
	pattern *regexp.Regexp
}

// NewRegexpFormat creates a format reward. The pattern is matched with "." also matching new lines.
func NewRegexpFormat(name, pattern string) *RegexpFormat {
	return &RegexpFormat{name: name, pattern: regexp.MustCompile("(?s)" + pattern)}
}

func (f *RegexpFormat) Name() string { return f.name }

func (f *RegexpFormat) Score(completions []string, _ map[string][]any) ([]float64, error) {
	scores := make([]float64, len(completions))
	for i, completion := range completions {
		if f.pattern.MatchString(completion) {
			scores[i] = 1
		}
	}
	return scores, nil
}

// Cosine scales the accuracy reward by the completion length along a cosine schedule: short correct
// answers get MinLenValueCorrect, long ones MaxLenValueCorrect; short wrong answers get MinLenValueWrong,
// long ones MaxLenValueWrong.
type Cosine struct {
	Accuracy
	tok template.Tokenizer

	MinLenValueWrong   float64
	MaxLenValueWrong   float64
	MinLenValueCorrect float64
	MaxLenValueCorrect float64

	// MaxLen is the completion length, in tokens, where the schedule ends.
	MaxLen int
}

// NewCosine is the Constructor of the "cosine" reward.
func NewCosine(ctx *context.Context, tok template.Tokenizer) (Callable, error) {
	c := &Cosine{
		Accuracy:           Accuracy{SolutionField: context.GetParamOr(ctx, ParamSolutionField, "solution")},
		tok:                tok,
		MinLenValueWrong:   context.GetParamOr(ctx, ParamCosineMinLenValueWrong, -0.5),
		MaxLenValueWrong:   context.GetParamOr(ctx, ParamCosineMaxLenValueWrong, 0.0),
		MinLenValueCorrect: context.GetParamOr(ctx, ParamCosineMinLenValueCorrect, 1.0),
		MaxLenValueCorrect: context.GetParamOr(ctx, ParamCosineMaxLenValueCorrect, 0.5),
		MaxLen:             context.GetParamOr(ctx, ParamCosineMaxLen, 0),
	}
	if c.MaxLen <= 0 {
		c.MaxLen = context.GetParamOr(ctx, ParamMaxCompletionLength, 512)
	}
	if tok == nil {
		return nil, errors.New("cosine reward requires a tokenizer")
	}
	return c, nil
}

func (c *Cosine) Name() string { return "cosine" }

func (c *Cosine) Score(completions []string, fields map[string][]any) ([]float64, error) {
	accuracy, err := c.Accuracy.Score(completions, fields)
	if err != nil {
		return nil, err
	}
	scores := make([]float64, len(completions))
	for i, completion := range completions {
		// The schedule goes from maxValue at length 0 to minValue at MaxLen.
		minValue, maxValue := c.MaxLenValueWrong, c.MinLenValueWrong
		if accuracy[i] >= 1 {
			minValue, maxValue = c.MaxLenValueCorrect, c.MinLenValueCorrect
		}
		genLen := min(len(c.tok.Encode(completion)), c.MaxLen)
		progress := float64(genLen) / float64(c.MaxLen)
		scores[i] = minValue + 0.5*(maxValue-minValue)*(1+math.Cos(progress*math.Pi))
	}
	return scores, nil
}

// Repetition penalizes repeated word n-grams: the reward is MaxPenalty times the fraction of
// repeated n-grams. Completions shorter than NGrams words get 0.
type Repetition struct {
	NGrams     int
	MaxPenalty float64
}

// NewRepetition is the Constructor of the "repetition" reward.
func NewRepetition(ctx *context.Context, _ template.Tokenizer) (Callable, error) {
	r := &Repetition{
		NGrams:     context.GetParamOr(ctx, ParamRepetitionNGrams, 3),
		MaxPenalty: context.GetParamOr(ctx, ParamRepetitionMaxPenalty, -1.0),
	}
	if r.NGrams < 1 {
		return nil, errors.Errorf("%s must be >= 1, got %d", ParamRepetitionNGrams, r.NGrams)
	}
	if r.MaxPenalty > 0 {
		return nil, errors.Errorf("%s must be <= 0, got %g", ParamRepetitionMaxPenalty, r.MaxPenalty)
	}
	return r, nil
}

func (r *Repetition) Name() string { return "repetition" }

func (r *Repetition) Score(completions []string, _ map[string][]any) ([]float64, error) {
	scores := make([]float64, len(completions))
	for i, completion := range completions {
		words := strings.Fields(strings.ToLower(completion))
		if len(words) < r.NGrams {
			continue
		}
		unique := make(map[string]struct{})
		total := 0
		for start := 0; start+r.NGrams <= len(words); start++ {
			unique[strings.Join(words[start:start+r.NGrams], " ")] = struct{}{}
			total++
		}
		scaling := 1 - float64(len(unique))/float64(total)
		scores[i] = scaling * r.MaxPenalty
	}
	return scores, nil
}

// SoftOverlong linearly penalizes completions that enter the last CacheLength tokens before MaxLength:
// from 0 at MaxLength-CacheLength down to -1 at MaxLength.
type SoftOverlong struct {
	tok                    template.Tokenizer
	MaxLength, CacheLength int
}

// NewSoftOverlong is the Constructor of the "soft_overlong" reward.
func NewSoftOverlong(ctx *context.Context, tok template.Tokenizer) (Callable, error) {
	s := &SoftOverlong{
		tok:         tok,
		MaxLength:   context.GetParamOr(ctx, ParamSoftMaxLength, 0),
		CacheLength: context.GetParamOr(ctx, ParamSoftCacheLength, 0),
	}
	if s.MaxLength <= 0 {
		s.MaxLength = context.GetParamOr(ctx, ParamMaxCompletionLength, 512)
	}
	if s.CacheLength <= 0 || s.CacheLength >= s.MaxLength {
		return nil, errors.Errorf("%s=%d must be in [1, %d)", ParamSoftCacheLength, s.CacheLength, s.MaxLength)
	}
	if tok == nil {
		return nil, errors.New("soft_overlong reward requires a tokenizer")
	}
	return s, nil
}

func (s *SoftOverlong) Name() string { return "soft_overlong" }

func (s *SoftOverlong) Score(completions []string, _ map[string][]any) ([]float64, error) {
	expectedLen := s.MaxLength - s.CacheLength
	scores := make([]float64, len(completions))
	for i, completion := range completions {
		exceed := len(s.tok.Encode(completion)) - expectedLen
		scores[i] = min(-float64(exceed)/float64(s.CacheLength), 0)
	}
	return scores, nil
}
