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

// Package router implements the Router (spec.md §4.6): a per-user
// tier of stateless dispatchers that pick a target pod instance for
// each inter-pod Request and hand it off to the document store, where
// the target's Node Agent picks it up over its own change-feed
// subscription. Run handles each watched change in its own goroutine,
// so requests for one service may be dispatched in any order.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"golang.org/x/time/rate"

	v1 "github.com/wewatchwall/stark-orchestrator/pkg/apis/v1"
	"github.com/wewatchwall/stark-orchestrator/pkg/cluster"
	"github.com/wewatchwall/stark-orchestrator/pkg/errs"
	"github.com/wewatchwall/stark-orchestrator/pkg/log"
	"github.com/wewatchwall/stark-orchestrator/pkg/metrics"
	"github.com/wewatchwall/stark-orchestrator/pkg/store"
)

// Owner scopes a Router tier to one tenant, so one tenant's request
// volume never starves another's (spec.md §4.6 "per-user router tier").
type Owner string

// Options configures a Router.
type Options struct {
	NumShards     int     `validate:"gte=0"` // number of shards shardFor hashes a service into, 0 = 1; Run does not consult it
	DispatchRPS   float64 `validate:"gte=0"` // per-owner dispatch rate limit, 0 = unlimited
	DispatchBurst int     `validate:"gte=0"`
	NumRouters    int     `validate:"gte=0"` // total router replicas sharing admission duty, 0 = 1
	RouterIndex   int     `validate:"gte=0"` // this replica's index into [0, NumRouters)
}

func (o Options) withDefaults() Options {
	if o.NumShards == 0 {
		o.NumShards = 1
	}
	if o.DispatchRPS > 0 && o.DispatchBurst <= 0 {
		o.DispatchBurst = int(o.DispatchRPS)
	}
	if o.NumRouters == 0 {
		o.NumRouters = 1
	}
	return o
}

// Validate rejects Options the Router cannot run with.
func (o Options) Validate() error {
	if err := validator.New().Struct(o); err != nil {
		return err
	}
	if o.RouterIndex >= o.NumRouters {
		return fmt.Errorf("routerIndex %d out of range for numRouters %d", o.RouterIndex, o.NumRouters)
	}
	return nil
}

// packCounter round-robins across a service's running pod instances.
type packCounter struct {
	next atomic.Uint64
}

// Router dispatches Requests to a target pod instance for one tenant.
type Router struct {
	owner   Owner
	docs    store.DocumentStore
	state   *cluster.State
	opts    Options
	limiter *rate.Limiter // nil when DispatchRPS is unset, i.e. unlimited

	mu         sync.Mutex
	roundRobin map[string]*packCounter // service name -> counter
}

// New constructs a Router for owner, backed by state for pod discovery
// and docs for request/response persistence and the change feed.
// Panics if opts fails validation, mirroring the teacher's
// panic-on-invalid-startup-config convention.
func New(owner Owner, state *cluster.State, docs store.DocumentStore, opts Options) *Router {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		panic("invalid router options: " + err.Error())
	}
	var limiter *rate.Limiter
	if opts.DispatchRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.DispatchRPS), opts.DispatchBurst)
	}
	return &Router{
		owner:      owner,
		docs:       docs,
		state:      state,
		opts:       opts,
		limiter:    limiter,
		roundRobin: map[string]*packCounter{},
	}
}

// shardFor hashes a service name to one of NumShards indices, so the
// same service is always handled by the same shard (spec.md §4.6).
func (r *Router) shardFor(service string) int {
	if r.opts.NumShards <= 1 {
		return 0
	}
	var h uint32
	for i := 0; i < len(service); i++ {
		h = h*31 + uint32(service[i])
	}
	return int(h % uint32(r.opts.NumShards))
}

// Run watches this owner's new Request documents in a single loop and
// hands each change to its own goroutine until ctx is cancelled.
// Changes are not partitioned by shardFor.
func (r *Router) Run(ctx context.Context) error {
	selectors := []store.Selector{{Field: "owner", Equals: string(r.owner)}, {Field: "kind", Equals: "request"}}
	changes, err := r.docs.Watch(ctx, selectors)
	if err != nil {
		return errs.Wrap(errs.TransientIO, "watching request documents", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			if change.Deleted {
				continue
			}
			go r.handleChange(ctx, change)
		}
	}
}

func (r *Router) handleChange(ctx context.Context, change store.Change) {
	if !shouldAdmit(cluster.Now(), r.opts.NumRouters, r.opts.RouterIndex) {
		return
	}
	logger := log.FromContext(ctx)
	var req v1.Request
	if err := json.Unmarshal(change.Doc.Body, &req); err != nil {
		logger.Warnw("router discarding malformed request document", "docId", change.Doc.Id, "error", err)
		return
	}
	if req.TimeRoute.IsZero() {
		if err := r.Dispatch(ctx, &req); err != nil {
			logger.Warnw("router failed to dispatch request", "requestId", req.Id, "service", req.Service, "error", err)
		}
	}
}

// shouldAdmit reports whether this router replica is responsible for a
// request arriving right now (spec.md §4.6 "Balancing admission"): a
// deterministic function of wall-clock time stripes responsibility
// across router replicas without any coordination between them.
func shouldAdmit(now time.Time, numRouters, routerIndex int) bool {
	if numRouters <= 1 {
		return true
	}
	ms := float64(now.UnixMilli() % 500)
	idx := int(math.Round(ms * float64(numRouters-1) / 500))
	return idx == routerIndex
}

// Dispatch selects a target pod instance for req.Service and persists
// the addressed request back to the document store (spec.md §4.6
// "Dispatch"). Broadcast requests fan out to every running instance.
func (r *Router) Dispatch(ctx context.Context, req *v1.Request) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return errs.Wrap(errs.RateLimit, "router dispatch rate limit", err)
		}
	}
	req.TimeRoute = cluster.Now()

	targets := r.runningPodsFor(req.Service)
	if len(targets) == 0 {
		return errs.New(errs.NotFound, "no running instance for service "+req.Service)
	}

	if req.Mode == v1.RequestBroadcast {
		for i := range targets {
			copyReq := *req
			copyReq.Target = targets[i].Id
			copyReq.TargetPod = i
			if err := r.persist(ctx, &copyReq); err != nil {
				return err
			}
		}
		metrics.RouterDispatchedCounter.WithLabelValues(req.Service).Inc()
		return nil
	}

	idx := r.nextIndex(req.Service, len(targets))
	req.Target = targets[idx].Id
	req.TargetPod = idx
	if err := r.persist(ctx, req); err != nil {
		return err
	}
	metrics.RouterDispatchedCounter.WithLabelValues(req.Service).Inc()
	return nil
}

func (r *Router) persist(ctx context.Context, req *v1.Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = r.docs.Save(ctx, store.Document{Id: req.Id, Body: body})
	return err
}

// runningPodsFor returns every running pod backed by a pack named
// service, in stable id order so round-robin indices stay meaningful
// across calls.
func (r *Router) runningPodsFor(service string) []*v1.Pod {
	all := r.state.ListPods()
	running := lo.Filter(all, func(p *v1.Pod, _ int) bool {
		return p.Status == v1.PodRunning && p.PackId == service
	})
	sort.Slice(running, func(i, j int) bool { return running[i].Id < running[j].Id })
	return running
}

func (r *Router) nextIndex(service string, n int) int {
	r.mu.Lock()
	c, ok := r.roundRobin[service]
	if !ok {
		c = &packCounter{}
		r.roundRobin[service] = c
	}
	r.mu.Unlock()
	return int(c.next.Add(1) % uint64(n))
}
