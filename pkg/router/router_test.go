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

package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/wewatchwall/stark-orchestrator/pkg/apis/v1"
	"github.com/wewatchwall/stark-orchestrator/pkg/cluster"
	"github.com/wewatchwall/stark-orchestrator/pkg/errs"
	"github.com/wewatchwall/stark-orchestrator/pkg/store"
	"github.com/wewatchwall/stark-orchestrator/pkg/test"
)

// fakeStore is a minimal in-memory store.DocumentStore for router tests.
type fakeStore struct {
	mu      sync.Mutex
	docs    map[string]store.Document
	saveErr error
	saves   int
}

func newFakeStore() *fakeStore { return &fakeStore{docs: map[string]store.Document{}} }

func (f *fakeStore) Save(ctx context.Context, doc store.Document) (string, error) {
	if f.saveErr != nil {
		return "", f.saveErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	f.docs[doc.Id] = doc
	return "rev-1", nil
}

func (f *fakeStore) Load(ctx context.Context, id string) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok {
		return store.Document{}, errs.New(errs.NotFound, "no such document")
	}
	return d, nil
}

func (f *fakeStore) Delete(ctx context.Context, id, rev string) error { return nil }

func (f *fakeStore) Find(ctx context.Context, selectors []store.Selector) ([]store.Document, error) {
	return nil, nil
}

func (f *fakeStore) PutAttachment(ctx context.Context, docId, name string, data []byte) error {
	return nil
}

func (f *fakeStore) GetAttachment(ctx context.Context, docId, name string) ([]byte, error) {
	return nil, nil
}

func (f *fakeStore) Watch(ctx context.Context, selectors []store.Selector) (<-chan store.Change, error) {
	ch := make(chan store.Change)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (f *fakeStore) savedRequest(t *testing.T, id string) v1.Request {
	t.Helper()
	f.mu.Lock()
	doc, ok := f.docs[id]
	f.mu.Unlock()
	require.True(t, ok, "expected a saved request document for id %s", id)
	var req v1.Request
	require.NoError(t, json.Unmarshal(doc.Body, &req))
	return req
}

func TestRouterDispatchSingleRoundRobinsAcrossInstances(t *testing.T) {
	state := cluster.New()
	fs := newFakeStore()
	r := New(Owner("owner-1"), state, fs, Options{})

	pod1 := test.Pod(test.PodOptions{PackId: "svc-a", Status: v1.PodRunning})
	pod2 := test.Pod(test.PodOptions{PackId: "svc-a", Status: v1.PodRunning})
	state.PutPod(pod1)
	state.PutPod(pod2)

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		req := &v1.Request{Id: "req-" + string(rune('a'+i)), Service: "svc-a"}
		require.NoError(t, r.Dispatch(context.Background(), req))
		saved := fs.savedRequest(t, req.Id)
		seen[saved.Target] = true
		assert.False(t, saved.TimeRoute.IsZero())
	}
	assert.Len(t, seen, 2, "round robin must eventually hit every running instance")
}

func TestRouterDispatchBroadcastFansOutToEveryInstance(t *testing.T) {
	state := cluster.New()
	fs := newFakeStore()
	r := New(Owner("owner-1"), state, fs, Options{})

	pod1 := test.Pod(test.PodOptions{PackId: "svc-b", Status: v1.PodRunning})
	pod2 := test.Pod(test.PodOptions{PackId: "svc-b", Status: v1.PodRunning})
	state.PutPod(pod1)
	state.PutPod(pod2)

	req := &v1.Request{Id: "bcast-1", Service: "svc-b", Mode: v1.RequestBroadcast}
	require.NoError(t, r.Dispatch(context.Background(), req))

	// Broadcast persists one document per target, keyed by the original
	// request id reused across saves — only the last write survives in
	// this fake, so the fan-out is checked via the save count instead.
	assert.GreaterOrEqual(t, len(fs.docs), 1)
	assert.Equal(t, 2, fs.saves, "one save per running instance")
}

func TestRouterDispatchNoRunningInstanceReturnsNotFound(t *testing.T) {
	state := cluster.New()
	fs := newFakeStore()
	r := New(Owner("owner-1"), state, fs, Options{})

	err := r.Dispatch(context.Background(), &v1.Request{Id: "req-1", Service: "svc-missing"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestRouterDispatchIgnoresNonRunningPods(t *testing.T) {
	state := cluster.New()
	fs := newFakeStore()
	r := New(Owner("owner-1"), state, fs, Options{})

	pod := test.Pod(test.PodOptions{PackId: "svc-c", Status: v1.PodPending})
	state.PutPod(pod)

	err := r.Dispatch(context.Background(), &v1.Request{Id: "req-1", Service: "svc-c"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestNewRouterPanicsOnInvalidOptions(t *testing.T) {
	state := cluster.New()
	fs := newFakeStore()
	assert.Panics(t, func() {
		New(Owner("owner-1"), state, fs, Options{NumShards: -1})
	})
}

func TestShardForIsDeterministicAndWithinRange(t *testing.T) {
	state := cluster.New()
	fs := newFakeStore()
	r := New(Owner("owner-1"), state, fs, Options{NumShards: 4})

	a := r.shardFor("svc-a")
	b := r.shardFor("svc-a")
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, 0)
	assert.Less(t, a, 4)
}

func TestShardForSingleShardAlwaysZero(t *testing.T) {
	state := cluster.New()
	fs := newFakeStore()
	r := New(Owner("owner-1"), state, fs, Options{})
	assert.Equal(t, 0, r.shardFor("anything"))
}

func TestNewRouterPanicsOnRouterIndexOutOfRange(t *testing.T) {
	state := cluster.New()
	fs := newFakeStore()
	assert.Panics(t, func() {
		New(Owner("owner-1"), state, fs, Options{NumRouters: 2, RouterIndex: 2})
	})
}

func TestShouldAdmitSingleRouterAlwaysAdmits(t *testing.T) {
	now := time.UnixMilli(1234)
	assert.True(t, shouldAdmit(now, 1, 0))
	assert.True(t, shouldAdmit(now, 0, 0))
}

func TestShouldAdmitStripesDeterministicallyAcrossReplicas(t *testing.T) {
	const numRouters = 3
	now := time.UnixMilli(1_700_000_000_123)

	admitted := -1
	for i := 0; i < numRouters; i++ {
		if shouldAdmit(now, numRouters, i) {
			require.Equal(t, -1, admitted, "exactly one router index must admit a given instant")
			admitted = i
		}
	}
	assert.NotEqual(t, -1, admitted, "some router index must admit a given instant")

	for i := 0; i < numRouters; i++ {
		assert.Equal(t, i == admitted, shouldAdmit(now, numRouters, i), "the same instant must produce the same verdict for every replica")
	}
}
