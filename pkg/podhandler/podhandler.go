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

// Package podhandler implements the Pod Handler (spec.md §4.5): the
// bridge between the Node Agent's server-initiated commands and the
// Pack Executor's worker pool. It satisfies agent.CommandHandler
// without the agent package importing the executor, keeping the
// dependency edge one-directional (spec.md §9).
package podhandler

import (
	"context"
	"time"

	"github.com/wewatchwall/stark-orchestrator/pkg/agent"
	v1 "github.com/wewatchwall/stark-orchestrator/pkg/apis/v1"
	"github.com/wewatchwall/stark-orchestrator/pkg/errs"
	"github.com/wewatchwall/stark-orchestrator/pkg/executor"
	"github.com/wewatchwall/stark-orchestrator/pkg/log"
	"github.com/wewatchwall/stark-orchestrator/pkg/registry"
	"github.com/wewatchwall/stark-orchestrator/pkg/scheduling"
)

// StatusCallback reports a pod lifecycle transition so the caller can
// forward it to the control plane, e.g. via agent.Agent.EmitStatusUpdate
// (spec.md §4.5 "status callback" / §6 "pod:status:update").
type StatusCallback func(podId string, status v1.PodStatus, errMsg string)

// Handler bridges server commands to executor invocations (spec.md
// §4.5 "lifecycle bridging"). It keeps no pod list of its own: StopAll
// looks each pod it is given up in the executor. scheduler and onStatus
// are both optional: a nil scheduler skips cluster-state transitions
// (tests that never register a pod into cluster.State), a nil
// onStatus simply drops the report.
type Handler struct {
	executor    *executor.Executor
	registry    *registry.Registry
	scheduler   *scheduling.Scheduler
	onStatus    StatusCallback
	gracePeriod time.Duration
}

// New constructs a Handler backed by ex and reg. sched and onStatus
// may be nil.
func New(ex *executor.Executor, reg *registry.Registry, sched *scheduling.Scheduler, onStatus StatusCallback, gracePeriod time.Duration) *Handler {
	if gracePeriod <= 0 {
		gracePeriod = 5 * time.Second
	}
	return &Handler{executor: ex, registry: reg, scheduler: sched, onStatus: onStatus, gracePeriod: gracePeriod}
}

// transition drives the Scheduler's status machine, if one is wired.
// Failures are logged, not propagated: the Node Agent still owns the
// local execution outcome even when cluster state can't be updated
// (e.g. a pod the scheduler never placed, as in unit tests).
func (h *Handler) transition(ctx context.Context, podId string, step func(string) error) {
	if h.scheduler == nil {
		return
	}
	if err := step(podId); err != nil {
		log.FromContext(ctx).Warnw("pod handler could not advance scheduler state", "podId", podId, "error", err)
	}
}

// emitStatus reports a lifecycle transition via onStatus, if wired
// (spec.md §4.5 "fire a status callback to the agent").
func (h *Handler) emitStatus(podId string, status v1.PodStatus, errMsg string) {
	if h.onStatus == nil {
		return
	}
	h.onStatus(podId, status, errMsg)
}

// HandleDeploy resolves the pack for a deployed pod and starts its
// execution, registering the pack first if the agent has not seen it
// before (spec.md §4.5 "pod:deploy").
func (h *Handler) HandleDeploy(ctx context.Context, payload agent.DeployPayload) agent.CommandOutcome {
	logger := log.FromContext(ctx)

	pack := payload.Pack
	if existing, err := h.registry.Get(pack.Id); err == nil {
		pack = *existing
	} else if regErr := h.registry.Register(&pack); regErr != nil && !errs.Is(regErr, errs.Conflict) {
		logger.Warnw("pod handler could not register pack", "packId", pack.Id, "error", regErr)
		return agent.CommandOutcome{Success: false, Error: regErr.Error()}
	}

	pod := payload.Pod
	handle, err := h.executor.Execute(ctx, &pack, &pod, executor.ExecuteOptions{
		ServiceId: pod.Id,
	})
	if err != nil {
		if errs.Is(err, errs.AlreadyRunning) {
			return agent.CommandOutcome{Success: true}
		}
		logger.Warnw("pod handler failed to start execution", "podId", payload.PodId, "error", err)
		h.emitStatus(payload.PodId, v1.PodFailed, err.Error())
		return agent.CommandOutcome{Success: false, Error: err.Error()}
	}

	h.transition(ctx, payload.PodId, h.scheduler.Start)
	h.emitStatus(payload.PodId, v1.PodStarting, "")
	h.transition(ctx, payload.PodId, h.scheduler.SetRunning)
	h.emitStatus(payload.PodId, v1.PodRunning, "")

	go h.awaitCompletion(payload.PodId, handle)

	return agent.CommandOutcome{Success: true}
}

// awaitCompletion watches a deployed pod's execution to completion and
// fires its terminal transition and status callback (spec.md §4.5
// "starting -> running -> stopped|failed"). It uses a background
// context rather than the request's, since HandleDeploy itself returns
// long before the execution resolves.
func (h *Handler) awaitCompletion(podId string, handle *executor.Handle) {
	result, err := handle.Wait(context.Background())
	failed := err != nil || !result.Success
	errMsg := result.Error
	if err != nil && errMsg == "" {
		errMsg = err.Error()
	}

	h.transition(context.Background(), podId, func(id string) error {
		return h.scheduler.Finish(id, failed)
	})
	status := v1.PodStopped
	if failed {
		status = v1.PodFailed
	}
	h.emitStatus(podId, status, errMsg)
}

// HandleStop gracefully stops a pod's in-flight execution. Per
// spec.md §4.5, a pod that isn't running locally is a failure, not a
// no-op success.
func (h *Handler) HandleStop(ctx context.Context, payload agent.StopPayload) agent.CommandOutcome {
	handle, ok := h.executor.Active(payload.PodId)
	if !ok {
		return agent.CommandOutcome{Success: false, Error: "pod is not running locally"}
	}
	reason := payload.Reason
	if reason == "" {
		reason = "pod:stop"
	}
	h.transition(ctx, payload.PodId, h.scheduler.Stop)
	handle.GracefulStop(ctx, reason, h.gracePeriod)
	return agent.CommandOutcome{Success: true}
}

// StopAll gracefully stops each of podIds that still has an execution
// in flight, skipping the rest; used on process shutdown so in-flight work is drained before the
// agent disconnects (spec.md §4.5 "shutdown drain").
func (h *Handler) StopAll(ctx context.Context, podIds []string) {
	for _, podId := range podIds {
		handle, ok := h.executor.Active(podId)
		if !ok {
			continue
		}
		handle.GracefulStop(ctx, "node shutdown", h.gracePeriod)
	}
}
