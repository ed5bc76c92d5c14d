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
	"sync"

	v1 "github.com/wewatchwall/stark-orchestrator/pkg/apis/v1"
)

// Topology tracks, per node, the labels of pods currently placed there,
// so affinity/anti-affinity constraints can be evaluated without
// rescanning all pods on every admission. This mirrors the teacher's
// scheduling.Topology incremental-index idiom (register once, update on
// every placement) simplified from full topology-spread-constraint
// semantics to the spec's plain affinity/anti-affinity label maps.
type Topology struct {
	mu sync.Mutex
	// nodePodLabels[nodeId] is the set of label "key=value" pairs held
	// by any pod currently placed on that node.
	nodePodLabels map[string]map[string]int
}

// NewTopology builds an empty Topology.
func NewTopology() *Topology {
	return &Topology{nodePodLabels: map[string]map[string]int{}}
}

// Register ensures a node is tracked even before any pod lands on it.
// Record creates the entry on its own, so Register is optional.
func (t *Topology) Register(nodeId string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.nodePodLabels[nodeId]; !ok {
		t.nodePodLabels[nodeId] = map[string]int{}
	}
}

// Record accounts for a pod's labels having landed on nodeId.
func (t *Topology) Record(nodeId string, labels map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.nodePodLabels[nodeId]; !ok {
		t.nodePodLabels[nodeId] = map[string]int{}
	}
	for k, v := range labels {
		t.nodePodLabels[nodeId][k+"="+v]++
	}
}

// Forget removes a pod's labels from nodeId's accounting, called on
// eviction/stop so a freed node no longer repels anti-affinity.
func (t *Topology) Forget(nodeId string, labels map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.nodePodLabels[nodeId]
	if !ok {
		return
	}
	for k, v := range labels {
		key := k + "=" + v
		if m[key] > 0 {
			m[key]--
		}
	}
}

// MatchesAny reports whether nodeId already hosts a pod carrying any of
// the given key=value labels.
func (t *Topology) MatchesAny(nodeId string, labels map[string]string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.nodePodLabels[nodeId]
	if !ok {
		return false
	}
	for k, v := range labels {
		if m[k+"="+v] > 0 {
			return true
		}
	}
	return false
}

// AntiAffinityExcludes reports whether pod.Scheduling.AntiAffinity bars
// placement on nodeId because a currently-placed pod already carries a
// matching label.
func AntiAffinityExcludes(topology *Topology, nodeId string, sched v1.Scheduling) bool {
	if len(sched.AntiAffinity) == 0 {
		return false
	}
	return topology.MatchesAny(nodeId, sched.AntiAffinity)
}

// AffinityBoost returns a soft scoring boost (0 or 1) when nodeId
// already hosts a pod matching the pod's affinity labels.
func AffinityBoost(topology *Topology, nodeId string, sched v1.Scheduling) float64 {
	if len(sched.Affinity) == 0 {
		return 0
	}
	if topology.MatchesAny(nodeId, sched.Affinity) {
		return 1
	}
	return 0
}
