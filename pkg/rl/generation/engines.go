// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package generation

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/grpo/pkg/rl/logprobs"
	"github.com/gomlx/grpo/pkg/rl/template"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LocalEngine generates with the live policy weights, in the calling process.
type LocalEngine struct {
	*Sampler
}

var _ Engine = (*LocalEngine)(nil)

// NewLocalEngine creates an engine over the policy context, so generation always sees the latest weights.
func NewLocalEngine(backend backends.Backend, policyCtx *context.Context, model logprobs.Model,
	tmpl template.Template) *LocalEngine {
	return &LocalEngine{Sampler: NewSampler(backend, policyCtx, model, tmpl)}
}

// Infer implements Engine.
func (e *LocalEngine) Infer(records []template.Record, cfg RequestConfig) ([]Response, error) {
	return e.Generate(records, cfg)
}

// DeviceAuto selects the centralized generation device automatically: device 0 if the backend has a single
// device, otherwise the first device after the ones used for training.
const DeviceAuto = -1

// ErrDeviceUnavailable is returned when the centralized generation device doesn't exist.
var ErrDeviceUnavailable = errors.New("centralized generation device is not available")

// ResolveDevice returns the device used for centralized generation, given the configured device (or
// DeviceAuto), the number of devices of the backend and the number of local training processes
// (each using the device of its local rank).
//
// It fails if the device doesn't exist, and logs a warning if it is also used for training.
func ResolveDevice(device, numDevices, localWorldSize int) (int, error) {
	if device == DeviceAuto {
		if numDevices == 1 {
			device = 0
		} else {
			device = localWorldSize
		}
	}
	if device < 0 || device >= numDevices {
		return 0, errors.Wrapf(ErrDeviceUnavailable, "the available devices are %d, but device %d was selected for "+
			"generation: consider setting num_processes to %d, leaving one device for generation",
			numDevices, device, numDevices-1)
	}
	if device < localWorldSize {
		klog.Warningf("the device %d is also used for training: this may cause out-of-memory errors, consider "+
			"a dedicated generation device", device)
	}
	return device, nil
}

// CentralizedEngine generates in the main process over its own copy of the policy weights, placed on a
// dedicated device. The weights are refreshed with LoadWeights.
type CentralizedEngine struct {
	*Sampler
	backend backends.Backend
	device  int
}

var _ Engine = (*CentralizedEngine)(nil)

// NewCentralizedEngine validates the device (see ResolveDevice) and creates an engine with an empty context
// sharing the hyperparameters of policyCtx. Call LoadWeights before the first Infer.
func NewCentralizedEngine(backend backends.Backend, policyCtx *context.Context, model logprobs.Model,
	tmpl template.Template, device, localWorldSize int) (*CentralizedEngine, error) {
	device, err := ResolveDevice(device, int(backend.NumDevices()), localWorldSize)
	if err != nil {
		return nil, err
	}
	engineCtx := context.New()
	policyCtx.EnumerateParams(func(scope, key string, value any) {
		engineCtx.InAbsPath(scope).SetParam(key, value)
	})
	klog.V(1).Infof("centralized generation on device #%d of %d", device, backend.NumDevices())
	return &CentralizedEngine{
		Sampler: NewSampler(backend, engineCtx, model, tmpl),
		backend: backend,
		device:  device,
	}, nil
}

// Device used for generation.
func (e *CentralizedEngine) Device() int { return e.device }

// LoadWeights copies all variables of policyCtx into the engine's context, on the engine's device.
func (e *CentralizedEngine) LoadWeights(policyCtx *context.Context) error {
	if policyCtx.NeedsInitialization() {
		if err := policyCtx.InitializeVariables(e.backend, nil); err != nil {
			return errors.WithMessage(err, "initializing policy variables")
		}
	}
	var count int
	for v := range policyCtx.IterVariables() {
		value, err := v.Value()
		if err != nil {
			return errors.WithMessagef(err, "reading policy variable %s", v.ScopeAndName())
		}
		onDevice, err := value.OnDeviceClone(e.backend, backends.DeviceNum(e.device))
		if err != nil {
			return errors.WithMessagef(err, "copying policy variable %s to device #%d", v.ScopeAndName(), e.device)
		}
		target := e.ctx.GetVariableByScopeAndName(v.Scope(), v.Name())
		if target == nil {
			target, err = v.CloneToContext(e.ctx)
			if err != nil {
				return errors.WithMessagef(err, "creating variable %s for generation", v.ScopeAndName())
			}
		}
		if err := target.SetValue(onDevice); err != nil {
			return errors.WithMessagef(err, "setting variable %s for generation", v.ScopeAndName())
		}
		count++
	}
	klog.V(1).Infof("loaded %d variables into the centralized generation engine", count)
	return nil
}

// Infer implements Engine.
func (e *CentralizedEngine) Infer(records []template.Record, cfg RequestConfig) ([]Response, error) {
	return e.Generate(records, cfg)
}

// String implements fmt.Stringer.
func (e *CentralizedEngine) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CentralizedEngine(device=%d", e.device)
	if e.MaxBatchSize > 0 {
		fmt.Fprintf(&sb, ", max_batch_size=%d", e.MaxBatchSize)
	}
	sb.WriteString(")")
	return sb.String()
}
