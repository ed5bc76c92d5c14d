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

// Package v1 holds the data model shared by every orchestrator
// component: nodes, packs, pods, priority classes, and the inter-pod
// request/response envelope.
package v1

import "time"

// NodeStatus is the lifecycle state of a registered node.
type NodeStatus string

const (
	NodeOnline   NodeStatus = "online"
	NodeOffline  NodeStatus = "offline"
	NodeDraining NodeStatus = "draining"
)

// TaintEffect controls how a node taint interacts with pod scheduling.
type TaintEffect string

const (
	TaintNoSchedule       TaintEffect = "noSchedule"
	TaintPreferNoSchedule TaintEffect = "preferNoSchedule"
	TaintNoExecute        TaintEffect = "noExecute"
)

// Taint repels pods that don't carry a matching Toleration.
type Taint struct {
	Key    string
	Value  string
	Effect TaintEffect
}

// Toleration lets a pod tolerate a matching node Taint.
type Toleration struct {
	Key    string
	Value  string
	Effect TaintEffect
}

// Resources is a vector of the four dimensions the scheduler tracks.
// Cpu is in millicores, Memory and Storage are in bytes, Pods is a count.
type Resources struct {
	Cpu     int64
	Memory  int64
	Pods    int64
	Storage int64
}

// Add returns the element-wise sum of r and o.
func (r Resources) Add(o Resources) Resources {
	return Resources{
		Cpu:     r.Cpu + o.Cpu,
		Memory:  r.Memory + o.Memory,
		Pods:    r.Pods + o.Pods,
		Storage: r.Storage + o.Storage,
	}
}

// Sub returns the element-wise difference r - o, floored at zero per dimension.
func (r Resources) Sub(o Resources) Resources {
	return Resources{
		Cpu:     max0(r.Cpu - o.Cpu),
		Memory:  max0(r.Memory - o.Memory),
		Pods:    max0(r.Pods - o.Pods),
		Storage: max0(r.Storage - o.Storage),
	}
}

// Fits reports whether req fits within the receiver on every dimension.
func (r Resources) Fits(req Resources) bool {
	return req.Cpu <= r.Cpu && req.Memory <= r.Memory && req.Pods <= r.Pods && req.Storage <= r.Storage
}

// IsZero reports whether every dimension is zero.
func (r Resources) IsZero() bool {
	return r.Cpu == 0 && r.Memory == 0 && r.Pods == 0 && r.Storage == 0
}

// Fraction returns the average allocated/allocatable fraction across the
// cpu, memory and storage dimensions that are non-zero in total, used for
// least-allocated scoring. The pods dimension is not counted.
func (r Resources) Fraction(total Resources) float64 {
	var sum float64
	var n float64
	for _, d := range []struct{ used, cap int64 }{
		{r.Cpu, total.Cpu}, {r.Memory, total.Memory}, {r.Storage, total.Storage},
	} {
		if d.cap > 0 {
			sum += float64(d.used) / float64(d.cap)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / n
}

func max0(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// Node is a runtime host registered with the orchestrator.
type Node struct {
	Id            string
	Owner         string
	Name          string
	RuntimeType   string
	Allocatable   Resources
	Allocated     Resources
	Labels        map[string]string
	Taints        []Taint
	Status        NodeStatus
	LastHeartbeat time.Time
	RegisteredAt  time.Time
}

// Available returns the remaining schedulable capacity on the node.
func (n *Node) Available() Resources {
	return n.Allocatable.Sub(n.Allocated)
}

// PackMetadata carries the bundle invocation parameters.
type PackMetadata struct {
	Entrypoint      string
	Env             map[string]string
	Timeout         time.Duration
	EnableEphemeral bool
}

// Pack is an immutable, versioned code bundle.
type Pack struct {
	Id                  string
	Name                string
	Version             string
	RuntimeTag          string
	BundlePath          string
	BundleContent       []byte
	Metadata            PackMetadata
	GrantedCapabilities map[string]struct{}
}

// HasCapability reports whether the pack was granted the named capability.
func (p *Pack) HasCapability(name string) bool {
	if p.GrantedCapabilities == nil {
		return false
	}
	_, ok := p.GrantedCapabilities[name]
	return ok
}

// PreemptionPolicy governs whether a pod may trigger preemption.
type PreemptionPolicy string

const (
	PreemptLowerPriority PreemptionPolicy = "preemptLowerPriority"
	PreemptNever         PreemptionPolicy = "never"
)

// PodStatus is the lifecycle state of a pod.
type PodStatus string

const (
	PodPending   PodStatus = "pending"
	PodScheduled PodStatus = "scheduled"
	PodStarting  PodStatus = "starting"
	PodRunning   PodStatus = "running"
	PodStopping  PodStatus = "stopping"
	PodStopped   PodStatus = "stopped"
	PodFailed    PodStatus = "failed"
	PodEvicted   PodStatus = "evicted"
)

// Scheduling carries the placement constraints attached to a pod.
type Scheduling struct {
	NodeSelector map[string]string
	Affinity     map[string]string
	AntiAffinity map[string]string
	Tolerations  []Toleration
}

// Pod is a scheduled (or pending) instance of a pack.
type Pod struct {
	Id                string
	PackId            string
	PackVersion       string
	Namespace         string
	Labels            map[string]string
	Annotations       map[string]string
	Priority          int64
	PriorityClassName string
	PreemptionPolicy  PreemptionPolicy
	ResourceRequests  Resources
	ResourceLimits    Resources
	Scheduling        Scheduling
	Status            PodStatus
	NodeId            string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasNode reports whether the pod currently holds a node assignment.
func (p *Pod) HasNode() bool {
	return p.NodeId != ""
}

// SystemCriticalLowerBound is the value above which a priority class is
// treated as system-critical by name, per spec.md §3 and the Open
// Question decision recorded in DESIGN.md (classification is by class
// name, not by numeric threshold; this constant documents the reserved
// range only).
const SystemCriticalLowerBound = 2_000_000_000

// Well-known system-critical priority class names (spec.md §9 Open Questions).
const (
	SystemClusterCriticalClass = "system-cluster-critical"
	SystemNodeCriticalClass    = "system-node-critical"
)

// PriorityClass is a named integer priority with a default preemption policy.
type PriorityClass struct {
	Name             string
	Value            int64
	PreemptionPolicy PreemptionPolicy
	GlobalDefault    bool
}

// IsSystemCritical reports whether this class is one of the reserved
// system-critical classes, classified by name per the spec's Open
// Question decision.
func (c *PriorityClass) IsSystemCritical() bool {
	return c.Name == SystemClusterCriticalClass || c.Name == SystemNodeCriticalClass
}

// RequestMode distinguishes unicast routing from broadcast fan-out.
type RequestMode string

const (
	RequestSingle    RequestMode = "single"
	RequestBroadcast RequestMode = "broadcast"
)

// Request is an inter-pod message routed by the Router to a target pod.
type Request struct {
	Id         string
	Service    string
	Source     string
	SourcePod  int
	Target     string
	TargetPod  int
	IsNew      bool
	IsRemote   bool
	TimeNew    time.Time
	TimeRoute  time.Time
	Mode       RequestMode
	IsDeleted  bool
	Payload    []byte
	Retry      bool
}

// Response answers a Request, keyed by RequestId.
type Response struct {
	RequestId string
	Target    string
	TargetPod int
	Result    []byte
	IsDeleted bool
	Time      time.Time
}
