/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package executor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	v1 "github.com/wewatchwall/stark-orchestrator/pkg/apis/v1"
	"github.com/wewatchwall/stark-orchestrator/pkg/errs"
	"github.com/wewatchwall/stark-orchestrator/pkg/log"
	"github.com/wewatchwall/stark-orchestrator/pkg/metrics"
)

// Entrypoint is a pack's exported function, located by name
// (spec.md §9 "Dynamic dispatch / duck typing": a polymorphic set
// located by a registration table or export lookup, rather than
// evaluated from downloaded bundle bytes at runtime).
type Entrypoint func(ctx context.Context, ec *ExecutionContext, args []byte) (any, error)

// EntrypointTable resolves a downloaded bundle to a runnable
// Entrypoint by pack identity and exported name.
type EntrypointTable struct {
	mu    sync.RWMutex
	funcs map[string]Entrypoint
}

// NewEntrypointTable returns an empty table.
func NewEntrypointTable() *EntrypointTable {
	return &EntrypointTable{funcs: map[string]Entrypoint{}}
}

// Register binds an Entrypoint to (packId, version, name).
func (t *EntrypointTable) Register(packId, version, name string, fn Entrypoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.funcs[entrypointKey(packId, version, name)] = fn
}

// Resolve looks up a registered Entrypoint.
func (t *EntrypointTable) Resolve(packId, version, name string) (Entrypoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.funcs[entrypointKey(packId, version, name)]
	return fn, ok
}

func entrypointKey(packId, version, name string) string { return packId + "@" + version + "#" + name }

// Result is the outcome of a pack execution (spec.md §4.3).
type Result struct {
	Success     bool
	ReturnValue any
	Error       string
	ErrorStack  string
	DurationMs  int64
	ExitCode    int
	MemoryUsage int64
}

// Config configures the Pack Executor (spec.md §6 "Executor").
type Config struct {
	BundleDir               string `validate:"required"`
	OrchestratorURL         string
	AuthToken               string
	DefaultTimeout          time.Duration // 0 = infinite
	MaxConcurrent           int           `validate:"gte=0"`
	MaxMemoryMB             int           `validate:"gte=0"`
	GracefulShutdownTimeout time.Duration
	RuntimeType             string // this executor's own runtime identity, e.g. "node"
	EntrypointName          string // default export name, e.g. "default"
}

// Validate rejects a Config the Executor cannot run with.
func (c Config) Validate() error {
	return validator.New().Struct(c)
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.GracefulShutdownTimeout <= 0 {
		c.GracefulShutdownTimeout = 5 * time.Second
	}
	if c.RuntimeType == "" {
		c.RuntimeType = "node"
	}
	if c.EntrypointName == "" {
		c.EntrypointName = "default"
	}
	return c
}

// ExecuteOptions overrides per-execution parameters.
type ExecuteOptions struct {
	Env            map[string]string
	Timeout        time.Duration
	ServiceId      string
	AuthToken      string
	RefreshToken   string
	TokenExpiresAt time.Time
}

// Handle is the caller-visible execution handle (spec.md §4.3
// "ExecutionHandle").
type Handle struct {
	ExecutionId string
	PodId       string
	StartedAt   time.Time

	cancel context.CancelFunc
	ec     *ExecutionContext
	sink   *LogSink

	resultCh  chan Result
	resolveOnce sync.Once
	cancelled atomic.Bool
	done      atomic.Bool
}

// IsDone reports whether the execution has resolved (naturally or forced).
func (h *Handle) IsDone() bool { return h.done.Load() }

// Wait blocks until the execution resolves or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case r, ok := <-h.resultCh:
		if !ok {
			return Result{}, errs.New(errs.Internal, "execution handle closed without a result")
		}
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// IsCancelled reports whether Cancel or ForceTerminate was invoked.
func (h *Handle) IsCancelled() bool { return h.cancelled.Load() }

// Cancel signals cooperative stop without waiting for completion.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
	h.cancel()
}

// ForceTerminate resolves the handle immediately with a cancelled
// outcome (spec.md: "kills immediately"). The worker goroutine, once it
// notices context cancellation, still runs its own cleanup in the
// background; this only unblocks callers awaiting the promise.
func (h *Handle) ForceTerminate() {
	h.cancelled.Store(true)
	h.cancel()
	h.finish(Result{Success: false, Error: "force terminated", ExitCode: -1,
		DurationMs: time.Since(h.StartedAt).Milliseconds()})
}

// GracefulStop flips the lifecycle to stopping, races registered
// shutdown handlers against the configured timeout, then force
// terminates (spec.md §4.3 "Graceful stop").
func (h *Handle) GracefulStop(ctx context.Context, reason string, timeout time.Duration) {
	if h.ec == nil {
		h.ForceTerminate()
		return
	}
	deadline := time.Now().Add(timeout)
	h.ec.lifecycle.beginShutdown(reason, deadline)

	handlers := h.ec.shutdownHandlers()
	done := make(chan struct{})
	go func() {
		defer close(done)
		var mu sync.Mutex
		var combined error
		g, gctx := errgroup.WithContext(ctx)
		for _, handler := range handlers {
			handler := handler
			g.Go(func() error {
				if err := handler(gctx); err != nil {
					mu.Lock()
					combined = multierr.Append(combined, err)
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
		if combined != nil {
			log.FromContext(ctx).Warnw("shutdown handlers reported errors", "executionId", h.ExecutionId, "error", combined)
		}
	}()

	select {
	case <-done:
	case <-time.After(timeout):
	case <-ctx.Done():
	}
	h.ForceTerminate()
}

func (h *Handle) finish(r Result) {
	h.resolveOnce.Do(func() {
		defer h.done.Store(true)
		if h.ec != nil {
			h.ec.lifecycle.setPhase(PhaseTerminated)
			if h.ec.Ephemeral != nil {
				h.ec.Ephemeral.Dispose()
			}
		}
		if h.sink != nil {
			_ = h.sink.Close()
		}
		h.resultCh <- r
		close(h.resultCh)
	})
}

// Executor runs pack entrypoints in a bounded worker pool (spec.md §4.3).
type Executor struct {
	cfg     Config
	bundles *BundleSource
	table   *EntrypointTable

	sem   chan struct{} // size MaxConcurrent: worker execution slots
	queue chan struct{} // size 2*MaxConcurrent: admission slots

	mu     sync.Mutex
	active map[string]*Handle // podId -> handle, enforces one execution per pod
}

// NewExecutor constructs an Executor. Panics if cfg fails validation,
// since an invalid executor config is a startup-time programmer error.
func NewExecutor(cfg Config, bundles *BundleSource, table *EntrypointTable) *Executor {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid executor config: %v", err))
	}
	return &Executor{
		cfg:     cfg,
		bundles: bundles,
		table:   table,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		queue:   make(chan struct{}, 2*cfg.MaxConcurrent),
		active:  map[string]*Handle{},
	}
}

// UpdateAuthToken propagates a refreshed token to the bundle source, so
// storage: bundle fetches pick up the new credential in place rather
// than requiring a reconnect (spec.md §4.4 "Token refresh").
func (e *Executor) UpdateAuthToken(token string) {
	e.cfg.AuthToken = token
	if e.bundles != nil {
		e.bundles.UpdateAuthToken(token)
	}
}

// Active returns the handle for a pod's in-flight execution, if any.
func (e *Executor) Active(podId string) (*Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.active[podId]
	if !ok || h.IsDone() {
		return nil, false
	}
	return h, true
}

// Execute starts a pack execution for pod, returning its Handle
// immediately; the handle's Wait resolves once the entrypoint returns
// (spec.md §4.3). Root-capability packs run outside the worker pool's
// semaphore (main-thread execution).
func (e *Executor) Execute(ctx context.Context, pack *v1.Pack, pod *v1.Pod, opts ExecuteOptions) (*Handle, error) {
	if pack.RuntimeTag != "universal" && pack.RuntimeTag != e.cfg.RuntimeType {
		return nil, errs.New(errs.RuntimeIncompatible, fmt.Sprintf("pack runtime %q incompatible with executor runtime %q", pack.RuntimeTag, e.cfg.RuntimeType))
	}

	e.mu.Lock()
	if existing, ok := e.active[pod.Id]; ok && !existing.IsDone() {
		e.mu.Unlock()
		return nil, errs.New(errs.AlreadyRunning, "an execution is already in flight for this pod")
	}
	e.mu.Unlock()

	entrypointName := e.cfg.EntrypointName
	if n, ok := pack.Metadata.Env["STARK_ENTRYPOINT"]; ok && n != "" {
		entrypointName = n
	}
	fn, ok := e.table.Resolve(pack.Id, pack.Version, entrypointName)
	if !ok {
		return nil, errs.New(errs.Validation, fmt.Sprintf("no entrypoint %q registered for pack %s@%s", entrypointName, pack.Id, pack.Version))
	}

	bundle, err := e.bundles.Resolve(ctx, pack)
	if err != nil {
		return nil, err
	}
	_ = bundle // the resolved bundle is handed to the entrypoint via args in a real worker boundary; the Go table already holds the compiled function.

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = pack.Metadata.Timeout
	}
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	execCtx, cancel := context.WithCancel(ctx)
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	ec := &ExecutionContext{
		ExecutionId:    "exec-" + pod.Id + "-" + fmt.Sprint(time.Now().UnixNano()),
		PodId:          pod.Id,
		PackId:         pack.Id,
		PackVersion:    pack.Version,
		PackName:       pack.Name,
		RuntimeTag:     pack.RuntimeTag,
		Env:            mergeEnv(pack.Metadata.Env, opts.Env, pod.Id, pack.Id),
		Timeout:        timeout,
		ServiceId:      opts.ServiceId,
		AuthToken:      opts.AuthToken,
		RefreshToken:   opts.RefreshToken,
		TokenExpiresAt: opts.TokenExpiresAt,
		lifecycle:      newLifecycle(),
	}
	if pack.Metadata.EnableEphemeral {
		ec.Ephemeral = NewEphemeral()
	}

	sink := NewLogSink()
	handle := &Handle{
		ExecutionId: ec.ExecutionId,
		PodId:       pod.Id,
		StartedAt:   time.Now(),
		cancel:      cancel,
		ec:          ec,
		sink:        sink,
		resultCh:    make(chan Result, 1),
	}

	e.mu.Lock()
	e.active[pod.Id] = handle
	e.mu.Unlock()
	metrics.ExecutionsActiveGauge.Inc()

	root := pack.HasCapability("root")
	if root {
		go e.run(execCtx, handle, fn, bundle, root)
	} else {
		select {
		case e.queue <- struct{}{}:
			go e.run(execCtx, handle, fn, bundle, root)
		default:
			cancel()
			e.mu.Lock()
			delete(e.active, pod.Id)
			e.mu.Unlock()
			metrics.ExecutionsActiveGauge.Dec()
			return nil, errs.New(errs.RateLimit, "executor admission queue is full")
		}
	}
	return handle, nil
}

func (e *Executor) run(ctx context.Context, h *Handle, fn Entrypoint, bundle []byte, root bool) {
	defer func() {
		e.mu.Lock()
		delete(e.active, h.PodId)
		e.mu.Unlock()
		if !root {
			<-e.sem
			<-e.queue
		}
		metrics.ExecutionsActiveGauge.Dec()
	}()

	if root {
		// Root-capability packs run on the "main thread": yield once
		// before starting work so they never starve the event loop
		// (spec.md §4.3).
		runtime.Gosched()
	} else {
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			h.finish(Result{Success: false, Error: "cancelled before a worker slot was available", ExitCode: -1,
				DurationMs: time.Since(h.StartedAt).Milliseconds()})
			return
		}
	}

	h.ec.lifecycle.setPhase(PhaseRunning)

	resultCh := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- Result{Success: false, Error: fmt.Sprintf("panic: %v", r), ExitCode: 1,
					DurationMs: time.Since(h.StartedAt).Milliseconds()}
			}
		}()
		val, err := fn(ctx, h.ec, bundle)
		if err != nil {
			outcome := Result{Success: false, Error: err.Error(), ExitCode: 1,
				DurationMs: time.Since(h.StartedAt).Milliseconds()}
			if ctx.Err() != nil {
				outcome.ExitCode = -1
			}
			resultCh <- outcome
			return
		}
		resultCh <- Result{Success: true, ReturnValue: val, ExitCode: 0,
			DurationMs: time.Since(h.StartedAt).Milliseconds()}
	}()

	select {
	case r := <-resultCh:
		metrics.ExecutionsCompletedCounter.WithLabelValues(outcomeLabel(r)).Inc()
		h.finish(r)
	case <-ctx.Done():
		r := Result{Success: false, Error: "cancelled", ExitCode: -1, DurationMs: time.Since(h.StartedAt).Milliseconds()}
		metrics.ExecutionsCompletedCounter.WithLabelValues(outcomeLabel(r)).Inc()
		h.finish(r)
	}
}

func outcomeLabel(r Result) string {
	if r.Success {
		return "success"
	}
	if r.ExitCode == -1 {
		return "cancelled"
	}
	return "failed"
}

func mergeEnv(packEnv, optionEnv map[string]string, podId, packId string) map[string]string {
	env := map[string]string{}
	for k, v := range packEnv {
		env[k] = v
	}
	for k, v := range optionEnv {
		env[k] = v
	}
	env["STARK_POD_ID"] = podId
	env["STARK_PACK_ID"] = packId
	return env
}
