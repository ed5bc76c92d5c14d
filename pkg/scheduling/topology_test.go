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
	"testing"

	"github.com/stretchr/testify/assert"

	v1 "github.com/wewatchwall/stark-orchestrator/pkg/apis/v1"
)

func TestTopologyRecordAndMatchesAny(t *testing.T) {
	topo := NewTopology()
	topo.Record("node-1", map[string]string{"app": "cache"})

	assert.True(t, topo.MatchesAny("node-1", map[string]string{"app": "cache"}))
	assert.False(t, topo.MatchesAny("node-1", map[string]string{"app": "web"}))
	assert.False(t, topo.MatchesAny("node-2", map[string]string{"app": "cache"}))
}

func TestTopologyForgetDecrements(t *testing.T) {
	topo := NewTopology()
	labels := map[string]string{"app": "cache"}
	topo.Record("node-1", labels)
	topo.Record("node-1", labels) // two pods with the same label

	topo.Forget("node-1", labels)
	assert.True(t, topo.MatchesAny("node-1", labels), "one pod with the label remains")

	topo.Forget("node-1", labels)
	assert.False(t, topo.MatchesAny("node-1", labels), "last pod with the label is gone")
}

func TestAntiAffinityExcludes(t *testing.T) {
	topo := NewTopology()
	topo.Record("node-1", map[string]string{"app": "cache"})

	sched := v1.Scheduling{AntiAffinity: map[string]string{"app": "cache"}}
	assert.True(t, AntiAffinityExcludes(topo, "node-1", sched))
	assert.False(t, AntiAffinityExcludes(topo, "node-2", sched))
	assert.False(t, AntiAffinityExcludes(topo, "node-1", v1.Scheduling{}))
}

func TestAffinityBoost(t *testing.T) {
	topo := NewTopology()
	topo.Record("node-1", map[string]string{"app": "cache"})

	sched := v1.Scheduling{Affinity: map[string]string{"app": "cache"}}
	assert.Equal(t, float64(1), AffinityBoost(topo, "node-1", sched))
	assert.Equal(t, float64(0), AffinityBoost(topo, "node-2", sched))
	assert.Equal(t, float64(0), AffinityBoost(topo, "node-1", v1.Scheduling{}))
}
