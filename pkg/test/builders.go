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

// Package test provides terse builder helpers for constructing domain
// objects in tests, mirroring the teacher's pkg/test object-builder
// convention (test.Pod(...), test.Node(...)) rather than hand-rolled
// struct literals scattered through every test file.
package test

import (
	"time"

	"github.com/google/uuid"

	v1 "github.com/wewatchwall/stark-orchestrator/pkg/apis/v1"
)

// NodeOptions overrides Node's defaults.
type NodeOptions struct {
	Owner       string
	Name        string
	RuntimeType string
	Allocatable v1.Resources
	Allocated   v1.Resources
	Labels      map[string]string
	Taints      []v1.Taint
	Status      v1.NodeStatus
}

// Node builds a v1.Node with sensible test defaults, overridden by opts.
func Node(opts NodeOptions) *v1.Node {
	if opts.Owner == "" {
		opts.Owner = "owner-1"
	}
	if opts.Name == "" {
		opts.Name = "node-" + uuid.NewString()[:8]
	}
	if opts.RuntimeType == "" {
		opts.RuntimeType = "node"
	}
	if opts.Allocatable.IsZero() {
		opts.Allocatable = v1.Resources{Cpu: 4000, Memory: 8192, Pods: 32}
	}
	if opts.Status == "" {
		opts.Status = v1.NodeOnline
	}
	now := time.Now()
	return &v1.Node{
		Id:            uuid.NewString(),
		Owner:         opts.Owner,
		Name:          opts.Name,
		RuntimeType:   opts.RuntimeType,
		Allocatable:   opts.Allocatable,
		Allocated:     opts.Allocated,
		Labels:        opts.Labels,
		Taints:        opts.Taints,
		Status:        opts.Status,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
}

// PackOptions overrides Pack's defaults.
type PackOptions struct {
	Name         string
	Version      string
	RuntimeTag   string
	Capabilities []string
	Metadata     v1.PackMetadata
}

// Pack builds a v1.Pack with sensible test defaults.
func Pack(opts PackOptions) *v1.Pack {
	if opts.Name == "" {
		opts.Name = "pack-" + uuid.NewString()[:8]
	}
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}
	if opts.RuntimeTag == "" {
		opts.RuntimeTag = "node"
	}
	granted := map[string]struct{}{}
	for _, c := range opts.Capabilities {
		granted[c] = struct{}{}
	}
	return &v1.Pack{
		Id:                  uuid.NewString(),
		Name:                opts.Name,
		Version:             opts.Version,
		RuntimeTag:          opts.RuntimeTag,
		GrantedCapabilities: granted,
		Metadata:            opts.Metadata,
		BundleContent:       []byte("// test bundle\n"),
	}
}

// PodOptions overrides Pod's defaults.
type PodOptions struct {
	PackId            string
	Namespace         string
	Labels            map[string]string
	PriorityClassName string
	PreemptionPolicy  v1.PreemptionPolicy
	ResourceRequests  v1.Resources
	ResourceLimits    v1.Resources
	Scheduling        v1.Scheduling
	Status            v1.PodStatus
}

// Pod builds a v1.Pod with sensible test defaults.
func Pod(opts PodOptions) *v1.Pod {
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	if opts.ResourceRequests.IsZero() {
		opts.ResourceRequests = v1.Resources{Cpu: 100, Memory: 128, Pods: 1}
	}
	if opts.Status == "" {
		opts.Status = v1.PodPending
	}
	now := time.Now()
	return &v1.Pod{
		Id:                uuid.NewString(),
		PackId:            opts.PackId,
		Namespace:         opts.Namespace,
		Labels:            opts.Labels,
		PriorityClassName: opts.PriorityClassName,
		PreemptionPolicy:  opts.PreemptionPolicy,
		ResourceRequests:  opts.ResourceRequests,
		ResourceLimits:    opts.ResourceLimits,
		Scheduling:        opts.Scheduling,
		Status:            opts.Status,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// PriorityClass builds a v1.PriorityClass.
func PriorityClass(name string, value int64, policy v1.PreemptionPolicy, globalDefault bool) *v1.PriorityClass {
	return &v1.PriorityClass{Name: name, Value: value, PreemptionPolicy: policy, GlobalDefault: globalDefault}
}
