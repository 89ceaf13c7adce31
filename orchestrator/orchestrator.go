// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"genstream/common/usage"
	"genstream/orchestrator/llm"
	"genstream/orchestrator/lock"
	"genstream/shared/logger"
)

// ErrBusy is returned when the requester already has a generation running.
var ErrBusy = errors.New("a generation is already in progress")

// releaseTimeout bounds the lock release after a generation ends.
const releaseTimeout = 5 * time.Second

// AdapterError carries the text of an adapter's Error event verbatim.
type AdapterError struct {
	Adapter string
	Message string
}

func (e *AdapterError) Error() string {
	return e.Message
}

// UsageRecorder persists the outcome of a generation.
type UsageRecorder interface {
	RecordGeneration(ctx context.Context, ev usage.GenerationEvent) error
}

// Options configures an Orchestrator. Only Registry is required.
type Options struct {
	Registry *llm.Registry

	// Locker defaults to an in-process lock.
	Locker      lock.Locker
	LockTimeout time.Duration

	// Defaults are server-side settings merged under request settings.
	Defaults map[string]llm.Settings

	// DefaultService is used when a request names no adapter.
	DefaultService string

	Metrics *Metrics
	Usage   UsageRecorder
	Logger  *logger.Logger
}

// Orchestrator runs generations: one per identity at a time, dispatched to
// the adapter the request names.
type Orchestrator struct {
	registry       *llm.Registry
	locker         lock.Locker
	lockTimeout    time.Duration
	defaults       map[string]llm.Settings
	defaultService string
	metrics        *Metrics
	usage          UsageRecorder
	log            *logger.Logger
}

// Result is a completed generation.
type Result struct {
	Text     string            `json:"response"`
	Meta     *llm.ResponseMeta `json:"meta,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Registry == nil {
		panic("orchestrator: registry is required")
	}
	o := &Orchestrator{
		registry:       opts.Registry,
		locker:         opts.Locker,
		lockTimeout:    opts.LockTimeout,
		defaults:       opts.Defaults,
		defaultService: opts.DefaultService,
		metrics:        opts.Metrics,
		usage:          opts.Usage,
		log:            opts.Logger,
	}
	if o.locker == nil {
		o.locker = lock.NewMemoryLocker()
	}
	if o.lockTimeout <= 0 {
		o.lockTimeout = lock.DefaultTimeout
	}
	if o.log == nil {
		o.log = logger.Nop()
	}
	return o
}

// Registry returns the adapter registry.
func (o *Orchestrator) Registry() *llm.Registry {
	return o.registry
}

// DefaultService returns the adapter used when a request names none.
func (o *Orchestrator) DefaultService() string {
	return o.defaultService
}

// Generate runs req to completion without forwarding intermediate events.
func (o *Orchestrator) Generate(ctx context.Context, req *llm.GenerationRequest) (*Result, error) {
	return o.GenerateStream(ctx, req, nil)
}

// GenerateStream runs req, passing Prompt, Partial and Warning events to
// handler as they arrive. A handler error aborts the generation. The lock
// for the requester is held for the duration of the call.
func (o *Orchestrator) GenerateStream(ctx context.Context, req *llm.GenerationRequest, handler func(llm.Event) error) (*Result, error) {
	start := time.Now()

	adapter, r, err := o.resolve(req)
	if err != nil {
		o.metrics.generation(o.metricLabel(req), outcomeConfigError, 0)
		return nil, err
	}
	id := adapter.Descriptor.ID
	key := r.Identity()

	ok, err := o.locker.Obtain(ctx, key, o.lockTimeout)
	if err != nil {
		o.metrics.generation(id, outcomeLockError, 0)
		o.log.ErrorWithCode(key, r.RequestID, "Generation lock unavailable", 500, err, nil)
		return nil, fmt.Errorf("failed to obtain generation lock: %w", err)
	}
	if !ok {
		o.metrics.lockBusy()
		o.metrics.generation(id, outcomeBusy, 0)
		o.record(ctx, r, id, nil, usage.OutcomeBusy, 0)
		return nil, ErrBusy
	}
	defer o.release(ctx, key, r.RequestID)

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.log.Debug(key, r.RequestID, "Generation started", map[string]interface{}{
		"adapter": id,
		"stream":  r.Stream,
	})

	var (
		final      *llm.Event
		adapterErr *AdapterError
		handlerErr error
		warnings   []string
	)
	for ev := range adapter.Handler(genCtx, r) {
		switch ev.Kind {
		case llm.EventFinal:
			e := ev
			final = &e
			continue
		case llm.EventError:
			adapterErr = &AdapterError{Adapter: id, Message: ev.Text}
			continue
		case llm.EventPartial:
			o.metrics.partial(id)
		case llm.EventWarning:
			warnings = append(warnings, ev.Text)
		}

		if handler == nil || handlerErr != nil {
			continue
		}
		if err := handler(ev); err != nil {
			handlerErr = err
			cancel()
		}
	}

	elapsed := time.Since(start)

	switch {
	case handlerErr != nil:
		o.metrics.generation(id, outcomeCanceled, elapsed)
		o.log.Warn(key, r.RequestID, "Generation aborted by caller", map[string]interface{}{
			"adapter": id,
			"error":   handlerErr.Error(),
		})
		o.record(ctx, r, id, nil, usage.OutcomeCanceled, elapsed)
		return nil, fmt.Errorf("generation aborted: %w", handlerErr)

	case final == nil && ctx.Err() != nil:
		o.metrics.generation(id, outcomeCanceled, elapsed)
		o.record(ctx, r, id, nil, usage.OutcomeCanceled, elapsed)
		return nil, ctx.Err()

	case adapterErr != nil:
		o.metrics.generation(id, outcomeAdapterError, elapsed)
		o.log.Error(key, r.RequestID, "Generation failed", map[string]interface{}{
			"adapter": id,
			"error":   adapterErr.Message,
		})
		o.record(ctx, r, id, nil, usage.OutcomeError, elapsed)
		return nil, adapterErr

	case final == nil:
		o.metrics.generation(id, outcomeAdapterError, elapsed)
		o.record(ctx, r, id, nil, usage.OutcomeError, elapsed)
		return nil, &AdapterError{Adapter: id, Message: adapter.Descriptor.Label + " request failed: adapter produced no response"}
	}

	meta := final.Meta
	if meta == nil {
		meta = &llm.ResponseMeta{Adapter: id}
	}

	o.metrics.generation(id, outcomeSuccess, elapsed)
	o.log.InfoWithDuration(key, r.RequestID, "Generation completed", float64(elapsed.Milliseconds()), map[string]interface{}{
		"adapter":           id,
		"model":             meta.Model,
		"prompt_tokens":     meta.Usage.PromptTokens,
		"completion_tokens": meta.Usage.CompletionTokens,
		"streamed":          meta.Streamed,
	})
	o.record(ctx, r, id, meta, usage.OutcomeSuccess, elapsed)

	return &Result{Text: final.Text, Meta: meta, Warnings: warnings}, nil
}

// resolve picks the adapter and fills settings from server defaults. The
// caller's request is not modified.
func (o *Orchestrator) resolve(req *llm.GenerationRequest) (llm.Adapter, *llm.GenerationRequest, error) {
	if req == nil {
		return llm.Adapter{}, nil, &llm.ConfigError{Code: llm.ErrCodeMissingService, Message: "empty generation request"}
	}
	if req.Identity() == "" {
		return llm.Adapter{}, nil, &llm.ConfigError{
			Code:    llm.ErrCodeMissingIdentity,
			Message: "a user id or guest id is required",
		}
	}

	id := req.AdapterID()
	if id == "" {
		id = o.defaultService
	}
	if id == "" {
		return llm.Adapter{}, nil, &llm.ConfigError{
			Code:    llm.ErrCodeMissingService,
			Message: "no service selected",
		}
	}

	adapter, err := o.registry.Get(id)
	if err != nil {
		return llm.Adapter{}, nil, err
	}

	r := *req
	r.Service = id
	r.Settings = llm.MergeSettings(req.Settings, o.defaults[id])
	if r.Settings == nil {
		if zero, err := llm.NewSettings(id); err == nil {
			r.Settings = zero
		}
	}
	return adapter, &r, nil
}

// metricLabel keeps label cardinality bounded to registered adapters.
func (o *Orchestrator) metricLabel(req *llm.GenerationRequest) string {
	if req == nil {
		return "none"
	}
	id := req.AdapterID()
	if id == "" {
		id = o.defaultService
	}
	if !o.registry.Has(id) {
		return "unknown"
	}
	return id
}

func (o *Orchestrator) release(ctx context.Context, key, requestID string) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := o.locker.Release(relCtx, key); err != nil {
		o.log.Error(key, requestID, "Failed to release generation lock", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (o *Orchestrator) record(ctx context.Context, r *llm.GenerationRequest, adapter string, meta *llm.ResponseMeta, outcome string, elapsed time.Duration) {
	if o.usage == nil {
		return
	}

	ev := usage.GenerationEvent{
		RequestID: r.RequestID,
		Identity:  r.Identity(),
		Adapter:   adapter,
		Latency:   elapsed,
		Streamed:  r.Stream,
		Outcome:   outcome,
	}
	if meta != nil {
		ev.Model = meta.Model
		ev.PromptTokens = meta.Usage.PromptTokens
		ev.CompletionTokens = meta.Usage.CompletionTokens
		ev.Estimated = meta.Usage.Estimated
	} else if outcome != usage.OutcomeBusy {
		// Busy requests never reached the backend.
		est := llm.EstimateUsage(r.Prompt, "")
		ev.PromptTokens = est.PromptTokens
		ev.Estimated = true
	}

	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	// Failures are logged by the recorder.
	_ = o.usage.RecordGeneration(recCtx, ev)
}
