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

package metrics

import "github.com/prometheus/client_golang/prometheus"

// Namespace is the common Prometheus namespace for every orchestrator metric.
const Namespace = "stark"

var (
	PodsScheduledCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pods",
			Name:      "scheduled_total",
			Help:      "Number of pods successfully scheduled, labeled by node.",
		},
		[]string{"node"},
	)
	PodsEvictedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pods",
			Name:      "evicted_total",
			Help:      "Number of pods evicted by preemption, labeled by node.",
		},
		[]string{"node"},
	)
	PodsUnschedulableCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pods",
			Name:      "unschedulable_total",
			Help:      "Number of scheduling attempts that ended pending, labeled by reason.",
		},
		[]string{"reason"},
	)
	ExecutionsActiveGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "executions",
			Name:      "active",
			Help:      "Number of pack executions currently running.",
		},
	)
	ExecutionsCompletedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "executions",
			Name:      "completed_total",
			Help:      "Number of pack executions completed, labeled by outcome.",
		},
		[]string{"outcome"},
	)
	AgentReconnectsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "agent",
			Name:      "reconnects_total",
			Help:      "Number of times the node agent reconnected to the control plane.",
		},
	)
	RouterDispatchedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "router",
			Name:      "dispatched_total",
			Help:      "Number of requests dispatched by the router, labeled by service.",
		},
		[]string{"service"},
	)
)

// MustRegister registers every orchestrator metric against r.
func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		PodsScheduledCounter,
		PodsEvictedCounter,
		PodsUnschedulableCounter,
		ExecutionsActiveGauge,
		ExecutionsCompletedCounter,
		AgentReconnectsCounter,
		RouterDispatchedCounter,
	)
}
