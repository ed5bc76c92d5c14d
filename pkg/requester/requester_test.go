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

package requester

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/wewatchwall/stark-orchestrator/pkg/apis/v1"
	"github.com/wewatchwall/stark-orchestrator/pkg/cluster"
	"github.com/wewatchwall/stark-orchestrator/pkg/store"
)

// fakeStore is a minimal in-memory store.DocumentStore for requester tests.
type fakeStore struct {
	mu      sync.Mutex
	docs    map[string]store.Document
	deleted []string
}

func newFakeStore() *fakeStore { return &fakeStore{docs: map[string]store.Document{}} }

func (f *fakeStore) Save(ctx context.Context, doc store.Document) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.Id] = doc
	return "rev-1", nil
}

func (f *fakeStore) Load(ctx context.Context, id string) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[id], nil
}

func (f *fakeStore) Delete(ctx context.Context, id, rev string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeStore) Find(ctx context.Context, selectors []store.Selector) ([]store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var requestId string
	for _, s := range selectors {
		if s.Field == "requestId" {
			requestId = s.Equals
		}
	}
	var out []store.Document
	for _, d := range f.docs {
		var resp v1.Response
		if err := json.Unmarshal(d.Body, &resp); err == nil && resp.RequestId == requestId && resp.RequestId != "" {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) PutAttachment(ctx context.Context, docId, name string, data []byte) error {
	return nil
}

func (f *fakeStore) GetAttachment(ctx context.Context, docId, name string) ([]byte, error) {
	return nil, nil
}

func (f *fakeStore) Watch(ctx context.Context, selectors []store.Selector) (<-chan store.Change, error) {
	ch := make(chan store.Change)
	close(ch)
	return ch, nil
}

// deposit simulates the target's Pod Handler writing a response document.
func (f *fakeStore) deposit(requestId, target string) {
	resp := v1.Response{RequestId: requestId, Target: target}
	body, _ := json.Marshal(resp)
	f.mu.Lock()
	f.docs["resp-"+requestId] = store.Document{Id: "resp-" + requestId, Body: body}
	f.mu.Unlock()
}

type fakeLocalDispatcher struct {
	mu      sync.Mutex
	running map[string]bool
	resp    v1.Response
	err     error
	calls   int
}

func (d *fakeLocalDispatcher) DispatchLocal(ctx context.Context, podId string, req v1.Request) (v1.Response, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if !d.running[podId] {
		return v1.Response{}, false, nil
	}
	return d.resp, true, d.err
}

func TestRequesterSendGoesThroughRouterPathWhenNoStickyRoute(t *testing.T) {
	fs := newFakeStore()
	state := cluster.New()
	r := New(state, fs, nil, Options{SourcePod: "pod-src", PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := r.Send(ctx, "svc-a", []byte("hi"))
		require.NoError(t, err)
		assert.Equal(t, "pod-target", resp.Target)
	}()

	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return len(fs.docs) > 0
	}, time.Second, 5*time.Millisecond)

	var requestId string
	fs.mu.Lock()
	for id := range fs.docs {
		requestId = id
	}
	fs.mu.Unlock()
	fs.deposit(requestId, "pod-target")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send never resolved")
	}
}

func TestRequesterSendDeletesRequestDocumentAfterResponseConsumed(t *testing.T) {
	fs := newFakeStore()
	state := cluster.New()
	r := New(state, fs, nil, Options{SourcePod: "pod-src", PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	var requestId string
	go func() {
		defer close(done)
		resp, err := r.Send(ctx, "svc-a", []byte("hi"))
		require.NoError(t, err)
		assert.Equal(t, "pod-target", resp.Target)
	}()

	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		for id := range fs.docs {
			requestId = id
		}
		return requestId != ""
	}, time.Second, 5*time.Millisecond)
	fs.deposit(requestId, "pod-target")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send never resolved")
	}

	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		_, stillPresent := fs.docs[requestId]
		return !stillPresent
	}, time.Second, 5*time.Millisecond, "the request document must be deleted once its response is consumed")

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Contains(t, fs.deleted, requestId)
}

func TestRequesterSendPrefersLocalDispatchWhenSticky(t *testing.T) {
	fs := newFakeStore()
	state := cluster.New()
	local := &fakeLocalDispatcher{running: map[string]bool{"pod-local": true}, resp: v1.Response{Target: "pod-local"}}
	r := New(state, fs, local, Options{SourcePod: "pod-src", PollInterval: 5 * time.Millisecond})

	r.setSticky("svc-a", "pod-local")

	resp, err := r.Send(context.Background(), "svc-a", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "pod-local", resp.Target)
	assert.Equal(t, 1, local.calls)

	fs.mu.Lock()
	n := len(fs.docs)
	fs.mu.Unlock()
	assert.Equal(t, 0, n, "a successful local dispatch must never touch the document store")
}

func TestRequesterSendClearsStickyRouteWhenLocalDispatchFails(t *testing.T) {
	fs := newFakeStore()
	state := cluster.New()
	local := &fakeLocalDispatcher{running: map[string]bool{"pod-local": true}, err: errors.New("dispatch failed")}
	r := New(state, fs, local, Options{SourcePod: "pod-src", PollInterval: 5 * time.Millisecond})
	r.setSticky("svc-a", "pod-local")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		fs.mu.Lock()
		var requestId string
		for id := range fs.docs {
			requestId = id
		}
		fs.mu.Unlock()
		if requestId != "" {
			fs.deposit(requestId, "pod-fallback")
		}
	}()

	resp, err := r.Send(ctx, "svc-a", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "pod-fallback", resp.Target)

	target, ok := r.stickyTarget("svc-a")
	require.True(t, ok)
	assert.Equal(t, "pod-fallback", target, "a failed sticky dispatch must clear the stale route, which the answering target then replaces")
}

func TestRequesterBroadcastPersistsWithoutWaitingForResponse(t *testing.T) {
	fs := newFakeStore()
	state := cluster.New()
	r := New(state, fs, nil, Options{SourcePod: "pod-src"})

	err := r.Broadcast(context.Background(), "svc-a", []byte("notify"))
	require.NoError(t, err)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Len(t, fs.docs, 1)
}

func TestRequesterCancelRemovesInFlightTracking(t *testing.T) {
	fs := newFakeStore()
	state := cluster.New()
	r := New(state, fs, nil, Options{SourcePod: "pod-src"})

	r.mu.Lock()
	r.currentRequests["req-1"] = struct{}{}
	r.mu.Unlock()

	r.Cancel("req-1")

	r.mu.Lock()
	_, ok := r.currentRequests["req-1"]
	r.mu.Unlock()
	assert.False(t, ok)
}

func TestRequesterSendAbortsWhenContextCancelled(t *testing.T) {
	fs := newFakeStore()
	state := cluster.New()
	r := New(state, fs, nil, Options{SourcePod: "pod-src", PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.Send(ctx, "svc-never-responds", []byte("hi"))
	require.Error(t, err)
}

func TestStickySetAndClear(t *testing.T) {
	fs := newFakeStore()
	state := cluster.New()
	r := New(state, fs, nil, Options{SourcePod: "pod-src"})

	r.setSticky("svc-a", "pod-1")
	target, ok := r.stickyTarget("svc-a")
	require.True(t, ok)
	assert.Equal(t, "pod-1", target)

	r.clearSticky("svc-a")
	_, ok = r.stickyTarget("svc-a")
	assert.False(t, ok)
}

func TestSetStickyIgnoresEmptyPodId(t *testing.T) {
	fs := newFakeStore()
	state := cluster.New()
	r := New(state, fs, nil, Options{SourcePod: "pod-src"})

	r.setSticky("svc-a", "")
	_, ok := r.stickyTarget("svc-a")
	assert.False(t, ok)
}

