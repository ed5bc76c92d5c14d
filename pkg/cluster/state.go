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

// Package cluster holds the in-memory authoritative record of nodes,
// pods, and priority classes (spec.md §2, the "Cluster State Store"),
// plus the Node Manager that owns node lifecycle (spec.md §4.2).
//
// Mutation is funneled through State's methods and NodeManager; nodes
// and pods are read freely via the List/Get accessors but are mutated
// only by their owning component, mirroring the teacher's
// state.Cluster single-writer-per-entity-class convention.
package cluster

import (
	"sync"
	"time"

	v1 "github.com/wewatchwall/stark-orchestrator/pkg/apis/v1"
)

// State is the cluster's in-memory source of truth. One RWMutex guards
// each entity class (nodes, pods, priority classes) rather than a
// single global lock, so concurrent reads never block each other and
// writes to different entity classes never contend.
type State struct {
	nodesMu   sync.RWMutex
	nodes     map[string]*v1.Node
	nodeOrder []string // stable insertion order, used as a scoring tie-break

	podsMu sync.RWMutex
	pods   map[string]*v1.Pod

	classesMu sync.RWMutex
	classes   map[string]*v1.PriorityClass
}

// New returns an empty cluster State.
func New() *State {
	return &State{
		nodes:   map[string]*v1.Node{},
		pods:    map[string]*v1.Pod{},
		classes: map[string]*v1.PriorityClass{},
	}
}

// PutNode inserts or replaces a node record.
func (s *State) PutNode(n *v1.Node) {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	if _, exists := s.nodes[n.Id]; !exists {
		s.nodeOrder = append(s.nodeOrder, n.Id)
	}
	s.nodes[n.Id] = n
}

// GetNode returns a copy-by-pointer of the node (callers must not
// mutate it outside the owning component).
func (s *State) GetNode(id string) (*v1.Node, bool) {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// FindNodeByName looks up a node by (owner, name), used by the agent's
// register-conflict recovery path (spec.md §4.4 step 3).
func (s *State) FindNodeByName(owner, name string) (*v1.Node, bool) {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()
	for _, n := range s.nodes {
		if n.Owner == owner && n.Name == name {
			return n, true
		}
	}
	return nil, false
}

// RemoveNode deletes a node record entirely.
func (s *State) RemoveNode(id string) {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	delete(s.nodes, id)
	for i, nid := range s.nodeOrder {
		if nid == id {
			s.nodeOrder = append(s.nodeOrder[:i], s.nodeOrder[i+1:]...)
			break
		}
	}
}

// ListNodes returns all nodes in stable insertion order.
func (s *State) ListNodes() []*v1.Node {
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()
	out := make([]*v1.Node, 0, len(s.nodes))
	for _, id := range s.nodeOrder {
		if n, ok := s.nodes[id]; ok {
			out = append(out, n)
		}
	}
	return out
}

// MutateNode applies fn to the node under the nodes write lock,
// guaranteeing the read-modify-write is atomic with respect to other
// node mutations. fn must not block.
func (s *State) MutateNode(id string, fn func(*v1.Node)) bool {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return false
	}
	fn(n)
	return true
}

// PutPod inserts or replaces a pod record.
func (s *State) PutPod(p *v1.Pod) {
	s.podsMu.Lock()
	defer s.podsMu.Unlock()
	s.pods[p.Id] = p
}

// GetPod returns the pod record by id.
func (s *State) GetPod(id string) (*v1.Pod, bool) {
	s.podsMu.RLock()
	defer s.podsMu.RUnlock()
	p, ok := s.pods[id]
	return p, ok
}

// ListPods returns every pod in the cluster.
func (s *State) ListPods() []*v1.Pod {
	s.podsMu.RLock()
	defer s.podsMu.RUnlock()
	out := make([]*v1.Pod, 0, len(s.pods))
	for _, p := range s.pods {
		out = append(out, p)
	}
	return out
}

// ListPodsOnNode returns pods currently assigned to nodeId.
func (s *State) ListPodsOnNode(nodeId string) []*v1.Pod {
	s.podsMu.RLock()
	defer s.podsMu.RUnlock()
	var out []*v1.Pod
	for _, p := range s.pods {
		if p.NodeId == nodeId {
			out = append(out, p)
		}
	}
	return out
}

// MutateNodeAndPods atomically mutates a node and a set of pods under
// one critical section spanning both entity classes, used by the
// Scheduler's admit/preempt path which must observe a consistent
// snapshot across both (spec.md §4.1 "Concurrency & atomicity").
func (s *State) MutateNodeAndPods(nodeId string, podIds []string, fn func(n *v1.Node, pods map[string]*v1.Pod)) bool {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	s.podsMu.Lock()
	defer s.podsMu.Unlock()

	n, ok := s.nodes[nodeId]
	if !ok {
		return false
	}
	selected := make(map[string]*v1.Pod, len(podIds))
	for _, id := range podIds {
		if p, ok := s.pods[id]; ok {
			selected[id] = p
		}
	}
	fn(n, selected)
	return true
}

// PutPriorityClass registers or replaces a priority class.
func (s *State) PutPriorityClass(c *v1.PriorityClass) {
	s.classesMu.Lock()
	defer s.classesMu.Unlock()
	s.classes[c.Name] = c
}

// GetPriorityClass looks up a class by name.
func (s *State) GetPriorityClass(name string) (*v1.PriorityClass, bool) {
	s.classesMu.RLock()
	defer s.classesMu.RUnlock()
	c, ok := s.classes[name]
	return c, ok
}

// GlobalDefaultClass returns the class marked GlobalDefault, if any.
func (s *State) GlobalDefaultClass() (*v1.PriorityClass, bool) {
	s.classesMu.RLock()
	defer s.classesMu.RUnlock()
	for _, c := range s.classes {
		if c.GlobalDefault {
			return c, true
		}
	}
	return nil, false
}

// Now is overridable in tests; production code should prefer the
// injected clock on individual components, but cluster state itself
// only needs wall-clock time for LastHeartbeat bookkeeping.
var Now = time.Now
