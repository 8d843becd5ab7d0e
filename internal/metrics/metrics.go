/*
Copyright 2016 The Kubernetes Authors All rights reserved.

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

// Package metrics exposes the Prometheus counters/gauges the ambient
// stack (SPEC_FULL.md §2) calls for, mirroring prow/tide's and
// prow/plank's use of prometheus/client_golang to track pool and job
// state. The HTTP adapter is responsible for mounting these on
// /metrics; this package only registers and updates them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// JobTransitions counts every store transition, labeled by the
	// resulting state.
	JobTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deploybot_job_transitions_total",
		Help: "Count of job state transitions, labeled by resulting state.",
	}, []string{"state"})

	// QueueDepth reports the current executor work-queue length.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deploybot_executor_queue_depth",
		Help: "Number of work items currently queued in the executor.",
	})

	// ApprovalLatencySeconds observes time from job creation to
	// FullyApproved.
	ApprovalLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "deploybot_approval_latency_seconds",
		Help:    "Seconds between job creation and reaching quorum.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(JobTransitions, QueueDepth, ApprovalLatencySeconds)
}
