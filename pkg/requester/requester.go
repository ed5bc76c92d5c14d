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

// Package requester implements the Requester (spec.md §4.7): the
// per-pod outbound client that sends inter-pod Requests, preferring a
// same-node shortcut over the Router's document-store path, sticking
// to a previously resolved target for a service, and retrying until
// the caller cancels.
package requester

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	v1 "github.com/wewatchwall/stark-orchestrator/pkg/apis/v1"
	"github.com/wewatchwall/stark-orchestrator/pkg/cluster"
	"github.com/wewatchwall/stark-orchestrator/pkg/errs"
	"github.com/wewatchwall/stark-orchestrator/pkg/log"
	"github.com/wewatchwall/stark-orchestrator/pkg/store"
)

// LocalDispatcher delivers a Request directly to a pod running on this
// same node, bypassing the document store entirely when possible
// (spec.md §4.7 "local shortcut").
type LocalDispatcher interface {
	// DispatchLocal returns ok=false if podId is not running locally,
	// in which case the Requester falls back to the router path.
	DispatchLocal(ctx context.Context, podId string, req v1.Request) (v1.Response, bool, error)
}

// Options configures a Requester.
type Options struct {
	SourcePod      string
	Owner          string
	DefaultTimeout time.Duration // 0 = retry until ctx is cancelled
	PollInterval   time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	return o
}

// stickyRouteTTL bounds how long a resolved sticky route is trusted
// before the Requester re-resolves it through the router path, so a
// pod that has since stopped doesn't receive traffic indefinitely.
const stickyRouteTTL = 2 * time.Minute

// Requester sends Requests on behalf of one source pod.
type Requester struct {
	state       *cluster.State
	docs        store.DocumentStore
	local       LocalDispatcher
	opts        Options
	pollLimiter *rate.Limiter // paces awaitResponse polling with jitter-free, smoothed spacing
	routes      *cache.Cache  // service -> sticky target podId

	mu              sync.Mutex
	currentRequests map[string]struct{} // requestId -> in flight
}

// New constructs a Requester for one pod.
func New(state *cluster.State, docs store.DocumentStore, local LocalDispatcher, opts Options) *Requester {
	opts = opts.withDefaults()
	return &Requester{
		state:           state,
		docs:            docs,
		local:           local,
		opts:            opts,
		pollLimiter:     rate.NewLimiter(rate.Every(opts.PollInterval), 1),
		routes:          cache.New(stickyRouteTTL, stickyRouteTTL/2),
		currentRequests: map[string]struct{}{},
	}
}

// Send delivers req.Payload to service, retrying until ctx is
// cancelled or, when Options.DefaultTimeout is set, until that timeout
// elapses (spec.md §4.7 "retry until cancelled" — modeled as an
// effectively unbounded retry budget since no fixed count is given).
func (r *Requester) Send(ctx context.Context, service string, payload []byte) (v1.Response, error) {
	if r.opts.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.DefaultTimeout)
		defer cancel()
	}
	req := v1.Request{
		Id:      uuid.NewString(),
		Service: service,
		Source:  r.opts.SourcePod,
		IsNew:   true,
		TimeNew: cluster.Now(),
		Mode:    v1.RequestSingle,
		Payload: payload,
	}

	r.mu.Lock()
	r.currentRequests[req.Id] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.currentRequests, req.Id)
		r.mu.Unlock()
	}()

	var resp v1.Response
	err := retry.Do(
		func() error {
			out, err := r.attempt(ctx, req)
			if err != nil {
				return err
			}
			resp = out
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(math.MaxInt32),
		retry.Delay(r.opts.PollInterval),
		retry.MaxDelay(5*time.Second),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return v1.Response{}, errs.Wrap(errs.Cancelled, "request send aborted", err)
	}
	return resp, nil
}

// Broadcast fans req out to every instance of service without waiting
// for a reply, used for fire-and-forget notifications.
func (r *Requester) Broadcast(ctx context.Context, service string, payload []byte) error {
	req := v1.Request{
		Id:      uuid.NewString(),
		Service: service,
		Source:  r.opts.SourcePod,
		IsNew:   true,
		TimeNew: cluster.Now(),
		Mode:    v1.RequestBroadcast,
		Payload: payload,
	}
	return r.persist(ctx, req)
}

// attempt tries the sticky target first (if one exists and is still
// running locally), otherwise goes through the router path.
func (r *Requester) attempt(ctx context.Context, req v1.Request) (v1.Response, error) {
	if sticky, ok := r.stickyTarget(req.Service); ok && r.local != nil {
		if resp, handled, err := r.local.DispatchLocal(ctx, sticky, req); handled {
			if err == nil {
				return resp, nil
			}
			r.clearSticky(req.Service)
		}
	}

	if err := r.persist(ctx, req); err != nil {
		return v1.Response{}, err
	}
	return r.awaitResponse(ctx, req.Id, req.Service)
}

func (r *Requester) persist(ctx context.Context, req v1.Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = r.docs.Save(ctx, store.Document{Id: req.Id, Body: body})
	return err
}

// awaitResponse polls the document store for a response document keyed
// by requestId, set by the target's Pod Handler once it has processed
// the request.
func (r *Requester) awaitResponse(ctx context.Context, requestId, service string) (v1.Response, error) {
	for {
		if err := r.pollLimiter.Wait(ctx); err != nil {
			return v1.Response{}, ctx.Err()
		}
		docs, err := r.docs.Find(ctx, []store.Selector{{Field: "requestId", Equals: requestId}, {Field: "kind", Equals: "response"}})
		if err != nil {
			return v1.Response{}, err
		}
		if len(docs) == 0 {
			continue
		}
		var resp v1.Response
		if err := json.Unmarshal(docs[0].Body, &resp); err != nil {
			return v1.Response{}, err
		}
		r.setSticky(service, resp.Target)
		if err := r.deleteRequest(ctx, requestId); err != nil {
			log.FromContext(ctx).Warnw("requester failed to delete consumed request document", "requestId", requestId, "error", err)
		}
		return resp, nil
	}
}

// deleteRequest marks the request document isDeleted and removes it
// once its response has been consumed (spec.md §4.7 "Response
// matching": "issue a delete for the request").
func (r *Requester) deleteRequest(ctx context.Context, requestId string) error {
	doc, err := r.docs.Load(ctx, requestId)
	if err != nil {
		return err
	}
	var req v1.Request
	if err := json.Unmarshal(doc.Body, &req); err != nil {
		return err
	}
	req.IsDeleted = true
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	rev, err := r.docs.Save(ctx, store.Document{Id: doc.Id, Rev: doc.Rev, Body: body})
	if err != nil {
		return err
	}
	return r.docs.Delete(ctx, requestId, rev)
}

func (r *Requester) stickyTarget(service string) (string, bool) {
	v, ok := r.routes.Get(service)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (r *Requester) setSticky(service, podId string) {
	if podId == "" {
		return
	}
	r.routes.SetDefault(service, podId)
}

func (r *Requester) clearSticky(service string) {
	r.routes.Delete(service)
}

// Cancel removes requestId from the set of in-flight requests (spec.md
// §4.7 "requests cancelled by the pod"). It does not abort a Send that
// is still running and leaves sticky routes unchanged.
func (r *Requester) Cancel(requestId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.currentRequests, requestId)
}
