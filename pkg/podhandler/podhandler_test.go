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

package podhandler

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wewatchwall/stark-orchestrator/pkg/agent"
	v1 "github.com/wewatchwall/stark-orchestrator/pkg/apis/v1"
	"github.com/wewatchwall/stark-orchestrator/pkg/cluster"
	"github.com/wewatchwall/stark-orchestrator/pkg/executor"
	"github.com/wewatchwall/stark-orchestrator/pkg/registry"
	"github.com/wewatchwall/stark-orchestrator/pkg/scheduling"
	"github.com/wewatchwall/stark-orchestrator/pkg/test"
)

type noopHTTPClient struct{}

func (noopHTTPClient) Do(req *http.Request) (*http.Response, error) { return nil, nil }

func newTestHandler(t *testing.T) (*Handler, *executor.EntrypointTable, *registry.Registry) {
	t.Helper()
	table := executor.NewEntrypointTable()
	bundles := executor.NewBundleSource(t.TempDir(), noopHTTPClient{}, "", "")
	reg := registry.New()
	ex := executor.NewExecutor(executor.Config{BundleDir: t.TempDir(), MaxConcurrent: 4, RuntimeType: "node"}, bundles, table)
	return New(ex, reg, nil, nil, 100*time.Millisecond), table, reg
}

func TestHandleDeployRegistersPackAndStartsExecution(t *testing.T) {
	h, table, reg := newTestHandler(t)
	pack := test.Pack(test.PackOptions{RuntimeTag: "node"})
	table.Register(pack.Id, pack.Version, "default", func(ctx context.Context, ec *executor.ExecutionContext, args []byte) (any, error) {
		return "ok", nil
	})
	pod := test.Pod(test.PodOptions{PackId: pack.Id})

	outcome := h.HandleDeploy(context.Background(), agent.DeployPayload{PodId: pod.Id, Pack: *pack, Pod: *pod})
	assert.True(t, outcome.Success)

	_, err := reg.Get(pack.Id)
	require.NoError(t, err, "HandleDeploy must register a pack it has not seen before")
}

func TestHandleDeployReusesAlreadyRegisteredPack(t *testing.T) {
	h, table, reg := newTestHandler(t)
	pack := test.Pack(test.PackOptions{RuntimeTag: "node"})
	require.NoError(t, reg.Register(pack))
	table.Register(pack.Id, pack.Version, "default", func(ctx context.Context, ec *executor.ExecutionContext, args []byte) (any, error) {
		return nil, nil
	})
	pod := test.Pod(test.PodOptions{PackId: pack.Id})

	outcome := h.HandleDeploy(context.Background(), agent.DeployPayload{PodId: pod.Id, Pack: v1.Pack{Id: pack.Id}, Pod: *pod})
	assert.True(t, outcome.Success)
}

func TestHandleDeployAlreadyRunningIsTreatedAsSuccess(t *testing.T) {
	h, table, _ := newTestHandler(t)
	pack := test.Pack(test.PackOptions{RuntimeTag: "node"})
	release := make(chan struct{})
	table.Register(pack.Id, pack.Version, "default", func(ctx context.Context, ec *executor.ExecutionContext, args []byte) (any, error) {
		<-release
		return nil, nil
	})
	pod := test.Pod(test.PodOptions{PackId: pack.Id})

	first := h.HandleDeploy(context.Background(), agent.DeployPayload{PodId: pod.Id, Pack: *pack, Pod: *pod})
	require.True(t, first.Success)

	second := h.HandleDeploy(context.Background(), agent.DeployPayload{PodId: pod.Id, Pack: *pack, Pod: *pod})
	assert.True(t, second.Success, "a duplicate deploy for an already-running pod must be reported as success, not an error")

	close(release)
}

func TestHandleDeployRuntimeIncompatibleReportsFailure(t *testing.T) {
	h, _, _ := newTestHandler(t)
	pack := test.Pack(test.PackOptions{RuntimeTag: "python"})
	pod := test.Pod(test.PodOptions{PackId: pack.Id})

	outcome := h.HandleDeploy(context.Background(), agent.DeployPayload{PodId: pod.Id, Pack: *pack, Pod: *pod})
	assert.False(t, outcome.Success)
	assert.NotEmpty(t, outcome.Error)
}

func TestHandleStopNoActiveExecutionIsFailure(t *testing.T) {
	h, _, _ := newTestHandler(t)
	outcome := h.HandleStop(context.Background(), agent.StopPayload{PodId: "missing-pod"})
	assert.False(t, outcome.Success, "stopping a pod that isn't running locally must report failure")
	assert.NotEmpty(t, outcome.Error)
}

func TestHandleStopGracefullyStopsActiveExecution(t *testing.T) {
	h, table, _ := newTestHandler(t)
	pack := test.Pack(test.PackOptions{RuntimeTag: "node"})
	entered := make(chan struct{})
	table.Register(pack.Id, pack.Version, "default", func(ctx context.Context, ec *executor.ExecutionContext, args []byte) (any, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	pod := test.Pod(test.PodOptions{PackId: pack.Id})

	deployOutcome := h.HandleDeploy(context.Background(), agent.DeployPayload{PodId: pod.Id, Pack: *pack, Pod: *pod})
	require.True(t, deployOutcome.Success)

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("entrypoint never started")
	}

	stopOutcome := h.HandleStop(context.Background(), agent.StopPayload{PodId: pod.Id})
	assert.True(t, stopOutcome.Success)

	_, stillActive := h.executor.Active(pod.Id)
	assert.False(t, stillActive, "GracefulStop must have resolved the execution")
}

func TestStopAllDrainsEveryRunningPod(t *testing.T) {
	h, table, _ := newTestHandler(t)
	pack := test.Pack(test.PackOptions{RuntimeTag: "node"})
	table.Register(pack.Id, pack.Version, "default", func(ctx context.Context, ec *executor.ExecutionContext, args []byte) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	pods := []string{}
	for i := 0; i < 2; i++ {
		pod := test.Pod(test.PodOptions{PackId: pack.Id})
		outcome := h.HandleDeploy(context.Background(), agent.DeployPayload{PodId: pod.Id, Pack: *pack, Pod: *pod})
		require.True(t, outcome.Success)
		pods = append(pods, pod.Id)
	}

	h.StopAll(context.Background(), pods)

	for _, podId := range pods {
		_, active := h.executor.Active(podId)
		assert.False(t, active)
	}
}

func TestHandleDeployDrivesSchedulerAndStatusCallbackToRunning(t *testing.T) {
	table := executor.NewEntrypointTable()
	bundles := executor.NewBundleSource(t.TempDir(), noopHTTPClient{}, "", "")
	reg := registry.New()
	ex := executor.NewExecutor(executor.Config{BundleDir: t.TempDir(), MaxConcurrent: 4, RuntimeType: "node"}, bundles, table)

	state := cluster.New()
	sched := scheduling.NewScheduler(state, reg, scheduling.Options{})

	pack := test.Pack(test.PackOptions{RuntimeTag: "node"})
	require.NoError(t, reg.Register(pack))
	release := make(chan struct{})
	table.Register(pack.Id, pack.Version, "default", func(ctx context.Context, ec *executor.ExecutionContext, args []byte) (any, error) {
		<-release
		return "ok", nil
	})
	pod := test.Pod(test.PodOptions{PackId: pack.Id, Status: v1.PodScheduled})
	state.PutPod(pod)

	var mu sync.Mutex
	var statuses []v1.PodStatus
	onStatus := func(podId string, status v1.PodStatus, errMsg string) {
		mu.Lock()
		statuses = append(statuses, status)
		mu.Unlock()
	}

	h := New(ex, reg, sched, onStatus, 100*time.Millisecond)
	outcome := h.HandleDeploy(context.Background(), agent.DeployPayload{PodId: pod.Id, Pack: v1.Pack{Id: pack.Id}, Pod: *pod})
	require.True(t, outcome.Success)

	require.Eventually(t, func() bool {
		p, ok := state.GetPod(pod.Id)
		return ok && p.Status == v1.PodRunning
	}, time.Second, 5*time.Millisecond, "scheduler must observe starting -> running")

	mu.Lock()
	got := append([]v1.PodStatus{}, statuses...)
	mu.Unlock()
	assert.Equal(t, []v1.PodStatus{v1.PodStarting, v1.PodRunning}, got)

	close(release)

	require.Eventually(t, func() bool {
		p, ok := state.GetPod(pod.Id)
		return ok && p.Status == v1.PodStopped
	}, time.Second, 5*time.Millisecond, "scheduler must observe the terminal transition once the execution completes")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []v1.PodStatus{v1.PodStarting, v1.PodRunning, v1.PodStopped}, statuses)
}
