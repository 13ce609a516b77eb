// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus instrumentation for the defragmentation
// policy engine: plain vectors constructed at init time and registered once
// by the process that embeds the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "chunkbalance"
	subsystem = "defrag"

	ActionTypeLabel = "action_type"
	PhaseLabel      = "phase"
)

var (
	// ActionsDispatchedTotal counts actions handed to the executor, by
	// action type (merge, measure, find_split_points, split, migrate).
	ActionsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "actions_dispatched_total",
			Help:      "Number of defragmentation actions handed to the executor.",
		}, []string{ActionTypeLabel})

	// PhaseTransitionsTotal counts phase transitions by the phase being
	// entered.
	PhaseTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "phase_transitions_total",
			Help:      "Number of times a collection transitioned into a defragmentation phase.",
		}, []string{PhaseLabel})

	// PhaseAbortsTotal counts non-retriable aborts by the phase that was
	// aborted.
	PhaseAbortsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "phase_aborts_total",
			Help:      "Number of times a defragmentation phase aborted due to a non-retriable error.",
		}, []string{PhaseLabel})

	// ActiveCollections tracks the number of collections currently
	// enrolled in defragmentation.
	ActiveCollections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_collections",
			Help:      "Number of collections currently enrolled in defragmentation.",
		})

	// ConcurrentStreamingOps tracks the engine's in-flight streaming
	// action counter.
	ConcurrentStreamingOps = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "concurrent_streaming_ops",
			Help:      "Current value of the engine's in-flight streaming action counter.",
		})
)

// Register registers all defrag metrics against r. Safe to call once per
// process; re-registering a running collector is a caller error the
// Prometheus client surfaces directly.
func Register(r prometheus.Registerer) {
	r.MustRegister(
		ActionsDispatchedTotal,
		PhaseTransitionsTotal,
		PhaseAbortsTotal,
		ActiveCollections,
		ConcurrentStreamingOps,
	)
}
