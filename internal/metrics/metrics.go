// Copyright 2024 Wikimedia Foundation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics declares the daemon's fixed Prometheus series. Every
// label value is pre-declared at construction, the same way the teacher's
// rule-evaluator pre-builds its labeled query counters, so series read
// zero from process start instead of appearing only after first use.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "streaming_updater"

var invalidReasons = []string{"fail_validate", "missing_index"}

var bulkResults = []string{"updated", "created", "noop", "ok_unknown", "missing", "failed"}

// Registry holds every metric this daemon exports plus the Prometheus
// registry they are registered against.
type Registry struct {
	registry *prometheus.Registry

	FailValidate prometheus.Counter
	MissingIndex prometheus.Counter

	RecordsTotal prometheus.Counter

	SubmitBatchSeconds prometheus.Summary

	bulkAction   *prometheus.CounterVec
	bulkByResult map[string]prometheus.Counter

	ClusterConnected *prometheus.GaugeVec
}

// New builds a Registry with every series registered and every label
// value pre-declared.
func New() *Registry {
	reg := prometheus.NewRegistry()

	invalidRecords := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invalid_records_total",
		Help:      "Number of requests that could not be processed.",
	}, []string{"reason"})

	bulkAction := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bulk_action_total",
		Help:      "Outcome of individual bulk update actions, by result.",
	}, []string{"result"})

	recordsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_total",
		Help:      "Number of records polled from the message bus.",
	})

	submitBatchSeconds := prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: namespace,
		Name:      "submit_batch_seconds",
		Help:      "Time taken to submit one poll batch across every cluster.",
	})

	clusterConnected := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cluster_connected",
		Help:      "Set to 1 for each search cluster this daemon is connected to.",
	}, []string{"cluster"})

	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		invalidRecords,
		bulkAction,
		recordsTotal,
		submitBatchSeconds,
		clusterConnected,
	)

	m := &Registry{
		registry:           reg,
		RecordsTotal:       recordsTotal,
		SubmitBatchSeconds: submitBatchSeconds,
		bulkAction:         bulkAction,
		bulkByResult:       make(map[string]prometheus.Counter, len(bulkResults)),
		ClusterConnected:   clusterConnected,
	}

	for _, reason := range invalidReasons {
		invalidRecords.WithLabelValues(reason)
	}
	m.FailValidate = invalidRecords.WithLabelValues("fail_validate")
	m.MissingIndex = invalidRecords.WithLabelValues("missing_index")

	for _, result := range bulkResults {
		m.bulkByResult[result] = bulkAction.WithLabelValues(result)
	}

	return m
}

// BulkAction returns the counter for the given bulk result. Results
// outside the fixed set in spec.md §4.7 fall back to a freshly labeled
// counter rather than panicking, since a downstream client library
// upgrade is not a reason to crash the daemon.
func (m *Registry) BulkAction(result string) prometheus.Counter {
	if c, ok := m.bulkByResult[result]; ok {
		return c
	}
	return m.bulkAction.WithLabelValues(result)
}

// Registerer exposes the underlying registry so supporting components
// (e.g. internal/esbulk's buffer pool) can register their own collectors
// against the same registry.
func (m *Registry) Registerer() prometheus.Registerer { return m.registry }

// Gatherer exposes the registry for the metrics HTTP endpoint.
func (m *Registry) Gatherer() prometheus.Gatherer { return m.registry }
