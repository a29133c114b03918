// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewards

import (
	"maps"
	"slices"
	"sync"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/grpo/pkg/rl/template"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Constructor creates a registered Callable. It reads its configuration from the context hyperparameters.
// tok is the policy's tokenizer, for rewards that measure lengths in tokens.
type Constructor func(ctx *context.Context, tok template.Tokenizer) (Callable, error)

var (
	registryMu sync.Mutex
	registry   = make(map[string]Constructor)
)

// Register a Callable constructor under name, so it can be configured by name. Registering a name
// twice replaces the previous constructor.
func Register(name string, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, found := registry[name]; found {
		klog.Warningf("reward function %q registered more than once, the last one is used", name)
	}
	registry[name] = constructor
}

// Registered returns the sorted names of the registered reward functions.
func Registered() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	return slices.Sorted(maps.Keys(registry))
}

// Build converts the configured reward functions into sources. Each configured value is either the name of a
// registered reward function, or a Source (Callable or ScoringModel) used as is.
//
// Anything else fails with ErrUnknownReward.
func Build(ctx *context.Context, tok template.Tokenizer, configured []any) ([]Source, error) {
	sources := make([]Source, 0, len(configured))
	for i, value := range configured {
		switch v := value.(type) {
		case string:
			registryMu.Lock()
			constructor, found := registry[v]
			registryMu.Unlock()
			if !found {
				return nil, errors.Wrapf(ErrUnknownReward, "reward function %q (registered: %q)", v, Registered())
			}
			callable, err := constructor(ctx, tok)
			if err != nil {
				return nil, errors.WithMessagef(err, "failed to build reward function %q", v)
			}
			sources = append(sources, callable)
		case Source:
			if err := checkSource(v); err != nil {
				return nil, err
			}
			sources = append(sources, v)
		default:
			return nil, errors.Wrapf(ErrUnknownReward, "reward function #%d of type %T", i, value)
		}
	}
	return sources, nil
}
