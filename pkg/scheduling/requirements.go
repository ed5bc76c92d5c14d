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

// Package scheduling implements the Pod Scheduler (spec.md §4.1):
// node filtering, scoring, admission, and priority-based preemption.
package scheduling

import (
	v1 "github.com/wewatchwall/stark-orchestrator/pkg/apis/v1"
)

// Operator is the comparison a Requirement applies against a label value.
type Operator string

const (
	OpIn           Operator = "In"
	OpNotIn        Operator = "NotIn"
	OpExists       Operator = "Exists"
	OpDoesNotExist Operator = "DoesNotExist"
)

// Requirement constrains a single label key.
type Requirement struct {
	Key      string
	Operator Operator
	Values   map[string]struct{}
}

// NewRequirement builds a Requirement over the given values.
func NewRequirement(key string, op Operator, values ...string) *Requirement {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return &Requirement{Key: key, Operator: op, Values: set}
}

// Matches reports whether value satisfies this requirement. present
// indicates whether the key exists on the thing being matched at all.
func (r *Requirement) Matches(value string, present bool) bool {
	switch r.Operator {
	case OpExists:
		return present
	case OpDoesNotExist:
		return !present
	case OpIn:
		if !present {
			return false
		}
		_, ok := r.Values[value]
		return ok
	case OpNotIn:
		if !present {
			return true
		}
		_, ok := r.Values[value]
		return !ok
	default:
		return false
	}
}

// Requirements is a set of per-key constraints, keyed by label key.
// Like the teacher's scheduling.Requirements, this is a reference type
// (map-backed) and is not intended to be passed by value.
type Requirements map[string]*Requirement

// NewRequirements builds a Requirements set from individual Requirement values.
func NewRequirements(reqs ...*Requirement) Requirements {
	r := Requirements{}
	for _, req := range reqs {
		r.Add(req)
	}
	return r
}

// NewLabelRequirements builds an exact-match Requirements set from a
// plain node-selector style label map (spec.md §4.1 filter step).
func NewLabelRequirements(selector map[string]string) Requirements {
	r := Requirements{}
	for k, v := range selector {
		r.Add(NewRequirement(k, OpIn, v))
	}
	return r
}

// Add merges req into the set. When the key already holds an In
// requirement and req is also In, their values are combined (a union);
// otherwise req replaces the existing entry.
func (r Requirements) Add(req *Requirement) {
	if existing, ok := r[req.Key]; ok && existing.Operator == OpIn && req.Operator == OpIn {
		for v := range req.Values {
			existing.Values[v] = struct{}{}
		}
		return
	}
	r[req.Key] = req
}

// Matches reports whether every requirement in r is satisfied by labels.
func (r Requirements) Matches(labels map[string]string) bool {
	for key, req := range r {
		v, present := labels[key]
		if !req.Matches(v, present) {
			return false
		}
	}
	return true
}

// Tolerates reports whether tolerations let a pod schedule onto a node
// carrying taints, per spec.md §4.1: noSchedule/noExecute bar unless
// tolerated; preferNoSchedule never blocks here (PreferNoScheduleCount
// reports it separately).
func Tolerates(taints []v1.Taint, tolerations []v1.Toleration) bool {
	for _, t := range taints {
		if t.Effect != v1.TaintNoSchedule && t.Effect != v1.TaintNoExecute {
			continue
		}
		if !tolerated(t, tolerations) {
			return false
		}
	}
	return true
}

func tolerated(t v1.Taint, tolerations []v1.Toleration) bool {
	for _, tol := range tolerations {
		if tol.Key == t.Key && tol.Value == t.Value && tol.Effect == t.Effect {
			return true
		}
	}
	return false
}

// PreferNoScheduleCount returns how many preferNoSchedule taints on the
// node are not tolerated. Scheduler.score does not consult it.
func PreferNoScheduleCount(taints []v1.Taint, tolerations []v1.Toleration) int {
	n := 0
	for _, t := range taints {
		if t.Effect == v1.TaintPreferNoSchedule && !tolerated(t, tolerations) {
			n++
		}
	}
	return n
}
