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

package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	v1 "github.com/wewatchwall/stark-orchestrator/pkg/apis/v1"
	"github.com/wewatchwall/stark-orchestrator/pkg/errs"
	"github.com/wewatchwall/stark-orchestrator/pkg/log"
)

// RegisterInput is the payload a node agent sends on node:register.
type RegisterInput struct {
	Owner       string
	Name        string
	RuntimeType string
	Allocatable v1.Resources
	Labels      map[string]string
	Taints      []v1.Taint
}

// Actor identifies who is performing a cluster-state mutation, carried
// for parity with spec.md's createAndSchedule(input, actor) signature;
// this module does not implement authorization itself (out of scope),
// so it is stored for audit/logging purposes only.
type Actor struct {
	Id   string
	Name string
}

// NodeManagerOptions configures liveness scanning. ExpectedInterval is
// the heartbeatInterval the agent is configured with; a node flips
// offline once now-lastHeartbeat exceeds 2.5x that (spec.md §4.2).
type NodeManagerOptions struct {
	ExpectedInterval time.Duration
	ScanInterval     time.Duration
	OfflineGrace     time.Duration
}

func (o NodeManagerOptions) withDefaults() NodeManagerOptions {
	if o.ExpectedInterval <= 0 {
		o.ExpectedInterval = 15 * time.Second
	}
	if o.ScanInterval <= 0 {
		o.ScanInterval = 5 * time.Second
	}
	if o.OfflineGrace <= 0 {
		o.OfflineGrace = 30 * time.Second
	}
	return o
}

// OfflineHandler is notified when a node transitions online -> offline,
// past its OfflineGrace, so the Scheduler can free/reconsider affected
// pods. Modeled as a plain callback, not an event bus, matching the
// teacher's events.Recorder call-site style of fire-and-forget hooks.
type OfflineHandler func(ctx context.Context, nodeId string)

// NodeManager owns node registration, heartbeat bookkeeping, and
// liveness scanning (spec.md §4.2).
type NodeManager struct {
	state   *State
	opts    NodeManagerOptions
	onOffline OfflineHandler

	nowFunc func() time.Time
}

// NewNodeManager constructs a NodeManager bound to state.
func NewNodeManager(state *State, opts NodeManagerOptions) *NodeManager {
	return &NodeManager{state: state, opts: opts.withDefaults(), nowFunc: time.Now}
}

// OnOffline registers the callback fired when a node goes offline.
func (m *NodeManager) OnOffline(h OfflineHandler) { m.onOffline = h }

// Register adds a new node, rejecting a second registration for the
// same (owner, name) with a Conflict error, enforcing the uniqueness
// invariant (spec.md §4.2).
func (m *NodeManager) Register(input RegisterInput, actor Actor) (*v1.Node, error) {
	if input.Name == "" {
		return nil, errs.New(errs.Validation, "node name is required")
	}
	if existing, ok := m.state.FindNodeByName(input.Owner, input.Name); ok {
		return nil, errs.Wrap(errs.Conflict, fmt.Sprintf("node name %q already registered as %s", input.Name, existing.Id), nil)
	}
	n := &v1.Node{
		Id:            uuid.NewString(),
		Owner:         input.Owner,
		Name:          input.Name,
		RuntimeType:   input.RuntimeType,
		Allocatable:   input.Allocatable,
		Labels:        input.Labels,
		Taints:        input.Taints,
		Status:        v1.NodeOnline,
		LastHeartbeat: m.nowFunc(),
		RegisteredAt:  m.nowFunc(),
	}
	m.state.PutNode(n)
	log.FromContext(context.Background()).Infow("node registered", "nodeId", n.Id, "name", n.Name, "actor", actor.Id)
	return n, nil
}

// Reconnect re-attaches a known node after a socket drop, bringing it
// back online without re-registering (spec.md §4.4 step 2).
func (m *NodeManager) Reconnect(nodeId string) (*v1.Node, error) {
	var result *v1.Node
	ok := m.state.MutateNode(nodeId, func(n *v1.Node) {
		n.Status = v1.NodeOnline
		n.LastHeartbeat = m.nowFunc()
		result = n
	})
	if !ok {
		return nil, errs.New(errs.NotFound, "node not found")
	}
	return result, nil
}

// Heartbeat records liveness and allocation for an online node. Per
// spec.md §4.2, LastHeartbeat updates only while status != offline.
func (m *NodeManager) Heartbeat(nodeId string, allocated v1.Resources, ts time.Time) error {
	ok := m.state.MutateNode(nodeId, func(n *v1.Node) {
		if n.Status == v1.NodeOffline {
			return
		}
		n.Allocated = allocated
		n.LastHeartbeat = ts
	})
	if !ok {
		return errs.New(errs.NotFound, "node not found")
	}
	return nil
}

// Drain marks a node draining: it stops receiving new admissions but
// existing pods are left running until stopped by their own lifecycle.
func (m *NodeManager) Drain(nodeId string) error {
	ok := m.state.MutateNode(nodeId, func(n *v1.Node) {
		n.Status = v1.NodeDraining
	})
	if !ok {
		return errs.New(errs.NotFound, "node not found")
	}
	return nil
}

// Remove deletes a node record outright (e.g. after explicit deregistration).
func (m *NodeManager) Remove(nodeId string) {
	m.state.RemoveNode(nodeId)
}

// NodeFilter narrows List results.
type NodeFilter struct {
	Owner  string
	Status v1.NodeStatus
}

// List returns nodes matching filter; zero-value fields are wildcards.
func (m *NodeManager) List(filter NodeFilter) []*v1.Node {
	var out []*v1.Node
	for _, n := range m.state.ListNodes() {
		if filter.Owner != "" && n.Owner != filter.Owner {
			continue
		}
		if filter.Status != "" && n.Status != filter.Status {
			continue
		}
		out = append(out, n)
	}
	return out
}

// RunLivenessScanner blocks, periodically flipping stale online nodes
// offline and firing onOffline once OfflineGrace has elapsed past the
// flip, until ctx is cancelled.
func (m *NodeManager) RunLivenessScanner(ctx context.Context) {
	ticker := time.NewTicker(m.opts.ScanInterval)
	defer ticker.Stop()
	offlineSince := map[string]time.Time{}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := m.nowFunc()
			threshold := time.Duration(2.5 * float64(m.opts.ExpectedInterval))
			for _, n := range m.state.ListNodes() {
				if n.Status == v1.NodeOnline && now.Sub(n.LastHeartbeat) > threshold {
					m.state.MutateNode(n.Id, func(node *v1.Node) {
						node.Status = v1.NodeOffline
					})
					offlineSince[n.Id] = now
					log.FromContext(ctx).Warnw("node marked offline", "nodeId", n.Id, "lastHeartbeat", n.LastHeartbeat)
				}
			}
			for nodeId, since := range offlineSince {
				n, ok := m.state.GetNode(nodeId)
				if !ok || n.Status != v1.NodeOffline {
					delete(offlineSince, nodeId)
					continue
				}
				if now.Sub(since) >= m.opts.OfflineGrace {
					delete(offlineSince, nodeId)
					if m.onOffline != nil {
						m.onOffline(ctx, nodeId)
					}
				}
			}
		}
	}
}
