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

package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	v1 "github.com/wewatchwall/stark-orchestrator/pkg/apis/v1"
	"github.com/wewatchwall/stark-orchestrator/pkg/cluster"
	"github.com/wewatchwall/stark-orchestrator/pkg/errs"
	"github.com/wewatchwall/stark-orchestrator/pkg/log"
	"github.com/wewatchwall/stark-orchestrator/pkg/metrics"
	"github.com/wewatchwall/stark-orchestrator/pkg/registry"
)

// Options configures the Scheduler (spec.md §4.1).
type Options struct {
	EnablePreemption bool
	DefaultPriority  int64
}

// CreatePodInput is the admission-time description of a pod to schedule.
type CreatePodInput struct {
	PackId            string `validate:"required"`
	PackVersion       string `validate:"required"`
	Namespace         string `validate:"required"`
	Labels            map[string]string
	Annotations       map[string]string
	PriorityClassName string
	PreemptionPolicy  v1.PreemptionPolicy
	ResourceRequests  v1.Resources
	ResourceLimits    v1.Resources
	Scheduling        v1.Scheduling
}

// Validate rejects a CreatePodInput the Scheduler cannot admit.
func (in CreatePodInput) Validate() error {
	return validator.New().Struct(in)
}

// Result reports the outcome of a scheduling attempt.
type Result struct {
	Scheduled bool
	NodeId    string
	Reason    string
	Preempted []string
}

// Scheduler implements node filtering, scoring, admission, and
// priority-based preemption (spec.md §4.1).
type Scheduler struct {
	state    *cluster.State
	registry *registry.Registry
	opts     Options
	topology *Topology

	mu sync.Mutex // serializes admission: filter->choose->preempt->allocate must see a consistent snapshot
}

// NewScheduler constructs a Scheduler bound to cluster state and a pack registry.
func NewScheduler(state *cluster.State, reg *registry.Registry, opts Options) *Scheduler {
	return &Scheduler{state: state, registry: reg, opts: opts, topology: NewTopology()}
}

// resolvePriority implements the priority resolution rules of spec.md §4.1.
func (s *Scheduler) resolvePriority(className string) (priority int64, resolvedClass *v1.PriorityClass) {
	if className != "" {
		if c, ok := s.state.GetPriorityClass(className); ok {
			return c.Value, c
		}
	}
	if c, ok := s.state.GlobalDefaultClass(); ok {
		return c.Value, c
	}
	return s.opts.DefaultPriority, nil
}

// CreateAndSchedule admits a new pod: resolves its frozen priority,
// attempts placement, and returns the pod record alongside the
// scheduling outcome.
func (s *Scheduler) CreateAndSchedule(ctx context.Context, input CreatePodInput, actor cluster.Actor) (*v1.Pod, Result, error) {
	if err := input.Validate(); err != nil {
		return nil, Result{}, errs.Wrap(errs.Validation, "invalid pod input", err)
	}
	pack, err := s.registry.Get(input.PackId)
	if err != nil {
		return nil, Result{}, err
	}
	if input.PackVersion != "" && pack.Version != input.PackVersion {
		return nil, Result{}, errs.New(errs.NotFound, "pack version mismatch")
	}

	priority, class := s.resolvePriority(input.PriorityClassName)
	preemptionPolicy := input.PreemptionPolicy
	if preemptionPolicy == "" && class != nil {
		preemptionPolicy = class.PreemptionPolicy
	}
	if preemptionPolicy == "" {
		preemptionPolicy = v1.PreemptLowerPriority
	}

	now := time.Now()
	pod := &v1.Pod{
		Id:                uuid.NewString(),
		PackId:            input.PackId,
		PackVersion:       pack.Version,
		Namespace:         input.Namespace,
		Labels:            input.Labels,
		Annotations:       input.Annotations,
		Priority:          priority,
		PriorityClassName: input.PriorityClassName,
		PreemptionPolicy:  preemptionPolicy,
		ResourceRequests:  input.ResourceRequests,
		ResourceLimits:    input.ResourceLimits,
		Scheduling:        input.Scheduling,
		Status:            v1.PodPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.state.PutPod(pod)

	result, err := s.schedule(ctx, pod, pack)
	if err != nil {
		return pod, result, err
	}
	return pod, result, nil
}

// schedule runs the filter -> score -> (preempt) -> allocate algorithm
// for a pending pod. It takes s.mu itself and holds it for the whole
// critical section (filter through allocate), per spec.md's atomicity
// requirement.
func (s *Scheduler) schedule(ctx context.Context, pod *v1.Pod, pack *v1.Pack) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pod.Status != v1.PodPending {
		return Result{}, errs.New(errs.AlreadyScheduled, "pod already scheduled")
	}

	candidates := s.filter(pod, pack)
	if node, ok := s.score(candidates, pod); ok {
		s.allocate(pod, node, nil)
		metrics.PodsScheduledCounter.WithLabelValues(node.Id).Inc()
		return Result{Scheduled: true, NodeId: node.Id}, nil
	}

	if !s.opts.EnablePreemption || pod.PreemptionPolicy != v1.PreemptLowerPriority {
		s.markPending(pod, "no_feasible_node")
		return Result{Scheduled: false, Reason: "noFeasibleNode"}, nil
	}

	// Preemption candidates: nodes passing selector/taint/anti-affinity/
	// runtime filters, but not necessarily fit, since that's the gap
	// preemption must close.
	preemptable := s.filterIgnoringFit(pod, pack)
	if len(preemptable) == 0 {
		s.markPending(pod, "no_feasible_node")
		return Result{Scheduled: false, Reason: "noFeasibleNode"}, nil
	}
	// Stable order for deterministic node trial order.
	sort.Slice(preemptable, func(i, j int) bool { return preemptable[i].insertionIdx < preemptable[j].insertionIdx })

	var rejections error
	for _, c := range preemptable {
		victims, err := s.planPreemption(c.node, pod)
		if err != nil {
			rejections = multierr.Append(rejections, err)
			continue
		}
		s.allocate(pod, c.node, victims)
		metrics.PodsScheduledCounter.WithLabelValues(c.node.Id).Inc()
		ids := lo.Map(victims, func(v *v1.Pod, _ int) string { return v.Id })
		return Result{Scheduled: true, NodeId: c.node.Id, Preempted: ids}, nil
	}

	if rejections != nil {
		log.FromContext(ctx).Debugw("preemption exhausted every candidate node", "podId", pod.Id, "reasons", rejections)
	}
	s.markPending(pod, "insufficientCapacityEvenWithPreemption")
	return Result{Scheduled: false, Reason: "insufficientCapacityEvenWithPreemption"}, nil
}

func (s *Scheduler) markPending(pod *v1.Pod, reason string) {
	s.state.PutPod(withStatus(pod, v1.PodPending))
	metrics.PodsUnschedulableCounter.WithLabelValues(reason).Inc()
}

func withStatus(pod *v1.Pod, status v1.PodStatus) *v1.Pod {
	pod.Status = status
	pod.UpdatedAt = time.Now()
	return pod
}

type candidate struct {
	node         *v1.Node
	insertionIdx int
}

func runtimeCompatible(nodeRuntimeType, packRuntimeTag string) bool {
	return nodeRuntimeType == "universal" || nodeRuntimeType == packRuntimeTag
}

// filter implements spec.md §4.1 step 1: node selector, taints vs
// tolerations, anti-affinity, and fit.
func (s *Scheduler) filter(pod *v1.Pod, pack *v1.Pack) []candidate {
	selector := NewLabelRequirements(pod.Scheduling.NodeSelector)
	var out []candidate
	for idx, n := range s.state.ListNodes() {
		if n.Status != v1.NodeOnline {
			continue
		}
		if !runtimeCompatible(n.RuntimeType, pack.RuntimeTag) {
			continue
		}
		if !selector.Matches(n.Labels) {
			continue
		}
		if !Tolerates(n.Taints, pod.Scheduling.Tolerations) {
			continue
		}
		if AntiAffinityExcludes(s.topology, n.Id, pod.Scheduling) {
			continue
		}
		if !n.Available().Fits(pod.ResourceRequests) {
			continue
		}
		out = append(out, candidate{node: n, insertionIdx: idx})
	}
	return out
}

// filterIgnoringFit applies every filter predicate except resource
// fit, used to find nodes worth attempting preemption on.
func (s *Scheduler) filterIgnoringFit(pod *v1.Pod, pack *v1.Pack) []candidate {
	selector := NewLabelRequirements(pod.Scheduling.NodeSelector)
	var out []candidate
	for idx, n := range s.state.ListNodes() {
		if n.Status != v1.NodeOnline {
			continue
		}
		if !runtimeCompatible(n.RuntimeType, pack.RuntimeTag) {
			continue
		}
		if !selector.Matches(n.Labels) {
			continue
		}
		if !Tolerates(n.Taints, pod.Scheduling.Tolerations) {
			continue
		}
		if AntiAffinityExcludes(s.topology, n.Id, pod.Scheduling) {
			continue
		}
		out = append(out, candidate{node: n, insertionIdx: idx})
	}
	return out
}

// score picks the highest scoring candidate: least allocated fraction
// first, affinity match as a secondary nudge, stable insertion order
// as the final tie-break (spec.md §4.1 step 2).
func (s *Scheduler) score(candidates []candidate, pod *v1.Pod) (*v1.Node, bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		fa := a.node.Allocated.Fraction(a.node.Allocatable)
		fb := b.node.Allocated.Fraction(b.node.Allocatable)
		if fa != fb {
			return fa < fb
		}
		ba := AffinityBoost(s.topology, a.node.Id, pod.Scheduling)
		bb := AffinityBoost(s.topology, b.node.Id, pod.Scheduling)
		if ba != bb {
			return ba > bb
		}
		return a.insertionIdx < b.insertionIdx
	})
	return candidates[0].node, true
}

// isSystemCritical reports whether pod's resolved priority class is
// one of the reserved system-critical classes (spec.md §9 Open Question).
func (s *Scheduler) isSystemCritical(pod *v1.Pod) bool {
	if pod.PriorityClassName == "" {
		return false
	}
	c, ok := s.state.GetPriorityClass(pod.PriorityClassName)
	return ok && c.IsSystemCritical()
}

// planPreemption selects victims on node n to free enough capacity for
// pod, per spec.md §4.1 "Preemption". Returns a non-nil error naming
// why n cannot host pod even after preempting every eligible victim.
func (s *Scheduler) planPreemption(n *v1.Node, pod *v1.Pod) ([]*v1.Pod, error) {
	incomingCritical := s.isSystemCritical(pod)

	var candidates []*v1.Pod
	for _, p := range s.state.ListPodsOnNode(n.Id) {
		if p.Status != v1.PodScheduled && p.Status != v1.PodStarting && p.Status != v1.PodRunning {
			continue
		}
		if p.Priority >= pod.Priority {
			continue
		}
		victimCritical := s.isSystemCritical(p)
		if victimCritical && !(incomingCritical && pod.Priority > p.Priority) {
			continue
		}
		candidates = append(candidates, p)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})

	available := n.Available()
	if available.Fits(pod.ResourceRequests) {
		return nil, errs.New(errs.Internal, "node "+n.Id+" already fits pod without preemption")
	}
	var chosen []*v1.Pod
	freed := v1.Resources{}
	for _, c := range candidates {
		freed = freed.Add(c.ResourceRequests)
		chosen = append(chosen, c)
		if available.Add(freed).Fits(pod.ResourceRequests) {
			return chosen, nil
		}
	}
	return nil, errs.New(errs.PreemptionBlocked, "node "+n.Id+" has no victim combination freeing enough capacity")
}

// allocate atomically evicts victims (if any), allocates requests on
// n, and transitions pod to scheduled. Must be called with s.mu held.
func (s *Scheduler) allocate(pod *v1.Pod, n *v1.Node, victims []*v1.Pod) {
	ids := lo.Map(victims, func(v *v1.Pod, _ int) string { return v.Id })
	ids = append(ids, pod.Id)

	s.state.MutateNodeAndPods(n.Id, ids, func(node *v1.Node, pods map[string]*v1.Pod) {
		now := time.Now()
		for _, v := range victims {
			victim := pods[v.Id]
			if victim == nil {
				continue
			}
			node.Allocated = node.Allocated.Sub(victim.ResourceRequests)
			victim.Status = v1.PodEvicted
			victim.NodeId = ""
			victim.UpdatedAt = now
			s.topology.Forget(n.Id, victim.Labels)
			metrics.PodsEvictedCounter.WithLabelValues(n.Id).Inc()
		}
		target := pods[pod.Id]
		if target == nil {
			target = pod
		}
		node.Allocated = node.Allocated.Add(pod.ResourceRequests)
		target.Status = v1.PodScheduled
		target.NodeId = n.Id
		target.UpdatedAt = now
		s.topology.Record(n.Id, target.Labels)
	})
}

// Start transitions a scheduled pod to starting, called by the Node
// Agent once it has accepted the pod:deploy command.
func (s *Scheduler) Start(podId string) error {
	return s.transition(podId, []v1.PodStatus{v1.PodScheduled}, v1.PodStarting)
}

// SetRunning transitions a starting pod to running.
func (s *Scheduler) SetRunning(podId string) error {
	return s.transition(podId, []v1.PodStatus{v1.PodStarting}, v1.PodRunning)
}

// Stop transitions a running (or starting) pod to stopping.
func (s *Scheduler) Stop(podId string) error {
	return s.transition(podId, []v1.PodStatus{v1.PodRunning, v1.PodStarting}, v1.PodStopping)
}

// Finish marks a pod terminal after the executor reports completion.
func (s *Scheduler) Finish(podId string, failed bool) error {
	final := v1.PodStopped
	if failed {
		final = v1.PodFailed
	}
	return s.transitionFreeing(podId, []v1.PodStatus{v1.PodStopping, v1.PodRunning, v1.PodStarting}, final)
}

// Evict forcibly terminates a pod outside the normal stop path (e.g.
// an admin action, or a node going offline past grace). evicted is
// terminal: spec.md §3 invariant 5.
func (s *Scheduler) Evict(podId string, reason string) error {
	pod, ok := s.state.GetPod(podId)
	if !ok {
		return errs.New(errs.NotFound, "pod not found")
	}
	if pod.Status == v1.PodEvicted {
		return nil
	}
	if pod.Status == v1.PodPending || pod.Status == v1.PodStopped || pod.Status == v1.PodFailed {
		panic("scheduling: cannot evict a pod with no active placement")
	}
	nodeId := pod.NodeId
	ok = s.state.MutateNodeAndPods(nodeId, []string{podId}, func(node *v1.Node, pods map[string]*v1.Pod) {
		p := pods[podId]
		if p == nil {
			return
		}
		node.Allocated = node.Allocated.Sub(p.ResourceRequests)
		p.Status = v1.PodEvicted
		p.NodeId = ""
		p.UpdatedAt = time.Now()
		s.topology.Forget(nodeId, p.Labels)
	})
	if !ok {
		pod.Status = v1.PodEvicted
		pod.NodeId = ""
		pod.UpdatedAt = time.Now()
	}
	log.FromContext(context.Background()).Infow("pod evicted", "podId", podId, "reason", reason)
	return nil
}

// transition enforces the linear status machine owned jointly by the
// Scheduler (pending<->scheduled<->evicted) and the Node Agent
// (scheduled->starting->running->stopping->stopped|failed). A pod in
// evicted panics; any other source state not listed in from returns a
// Conflict error.
func (s *Scheduler) transition(podId string, from []v1.PodStatus, to v1.PodStatus) error {
	pod, ok := s.state.GetPod(podId)
	if !ok {
		return errs.New(errs.NotFound, "pod not found")
	}
	if !lo.Contains(from, pod.Status) {
		if pod.Status == v1.PodEvicted {
			panic("scheduling: cannot transition out of terminal status evicted")
		}
		return errs.New(errs.Conflict, "invalid status transition")
	}
	pod.Status = to
	pod.UpdatedAt = time.Now()
	return nil
}

// transitionFreeing behaves like transition but additionally frees the
// node allocation and clears NodeId, used for terminal stopped/failed outcomes.
func (s *Scheduler) transitionFreeing(podId string, from []v1.PodStatus, to v1.PodStatus) error {
	pod, ok := s.state.GetPod(podId)
	if !ok {
		return errs.New(errs.NotFound, "pod not found")
	}
	if !lo.Contains(from, pod.Status) {
		if pod.Status == v1.PodEvicted {
			panic("scheduling: cannot transition out of terminal status evicted")
		}
		return errs.New(errs.Conflict, "invalid status transition")
	}
	nodeId := pod.NodeId
	ok = s.state.MutateNodeAndPods(nodeId, []string{podId}, func(node *v1.Node, pods map[string]*v1.Pod) {
		p := pods[podId]
		if p == nil {
			return
		}
		node.Allocated = node.Allocated.Sub(p.ResourceRequests)
		p.Status = to
		p.NodeId = ""
		p.UpdatedAt = time.Now()
		s.topology.Forget(nodeId, p.Labels)
	})
	if !ok {
		pod.Status = to
		pod.NodeId = ""
		pod.UpdatedAt = time.Now()
	}
	return nil
}

// ReconsiderPending re-attempts scheduling for every pending pod,
// invoked on cluster change (e.g. a node coming online, or pods freed
// by an offline node) per spec.md §4.1 "Non-admissible pods ... are
// eligible for retry on cluster change".
func (s *Scheduler) ReconsiderPending(ctx context.Context) {
	for _, pod := range s.state.ListPods() {
		if pod.Status != v1.PodPending {
			continue
		}
		pack, err := s.registry.Get(pod.PackId)
		if err != nil {
			continue
		}
		_, _ = s.schedule(ctx, pod, pack)
	}
}

// FreeNodePods marks every active pod on an offline node pending again
// (spec.md §4.2: "pods on an offline node become pending after
// configurable grace"), wired as the cluster.OfflineHandler.
func (s *Scheduler) FreeNodePods(ctx context.Context, nodeId string) {
	for _, pod := range s.state.ListPodsOnNode(nodeId) {
		if pod.Status != v1.PodScheduled && pod.Status != v1.PodStarting && pod.Status != v1.PodRunning && pod.Status != v1.PodStopping {
			continue
		}
		s.mu.Lock()
		s.state.MutateNodeAndPods(nodeId, []string{pod.Id}, func(node *v1.Node, pods map[string]*v1.Pod) {
			p := pods[pod.Id]
			if p == nil {
				return
			}
			node.Allocated = node.Allocated.Sub(p.ResourceRequests)
			p.Status = v1.PodPending
			p.NodeId = ""
			p.UpdatedAt = time.Now()
			s.topology.Forget(nodeId, p.Labels)
		})
		s.mu.Unlock()
	}
	s.ReconsiderPending(ctx)
}
