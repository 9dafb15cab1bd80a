// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics provides Prometheus instrumentation for the scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	nodesExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cascade_nodes_executed_total",
			Help: "Total graph nodes executed by block type",
		},
		[]string{"block_type"},
	)

	edgesDeactivated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cascade_edges_deactivated_total",
			Help: "Total edges marked deactivated during cascade pruning",
		},
	)

	loopIterations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cascade_loop_iterations_total",
			Help: "Total loop iterations advanced by loop type",
		},
		[]string{"loop_type"},
	)

	conditionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cascade_condition_eval_failures_total",
			Help: "Total loop condition evaluations that errored and were treated as false",
		},
	)

	persistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cascade_persistence_errors_total",
			Help: "Total state persistence errors by operation",
		},
		[]string{"operation"},
	)
)

// RecordNodeExecuted increments the executed-node counter for a block type.
func RecordNodeExecuted(blockType string) {
	nodesExecuted.WithLabelValues(blockType).Inc()
}

// RecordEdgeDeactivated increments the deactivated-edge counter.
func RecordEdgeDeactivated() {
	edgesDeactivated.Inc()
}

// RecordLoopIteration increments the loop iteration counter for a loop type.
func RecordLoopIteration(loopType string) {
	loopIterations.WithLabelValues(loopType).Inc()
}

// RecordConditionFailure increments the condition evaluation failure counter.
func RecordConditionFailure() {
	conditionFailures.Inc()
}

// RecordPersistenceError increments the persistence error counter.
// operation should be one of: SetBlockOutput, UnmarkExecuted, Close.
func RecordPersistenceError(operation string) {
	persistenceErrors.WithLabelValues(operation).Inc()
}
