// Copyright 2024 The Oracle Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the counters, gauges, and histograms tracking
// oracle allocation, commit/abort decisions, and persistence batching,
// following the same package-level prometheus.CounterVec/GaugeVec/
// HistogramVec + init()-registration shape as
// scheduler/server/tso/metrics.go and scheduler/server/id/metrics.go.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RequestsTotal counts requests received, split by request kind.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oracle",
			Subsystem: "requests",
			Name:      "total",
			Help:      "Total requests received by the request processor, by type.",
		}, []string{"type"})

	// CommitsTotal counts successful commits.
	CommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "oracle",
			Subsystem: "requests",
			Name:      "commits_total",
			Help:      "Total transactions committed.",
		})

	// AbortsTotal counts aborted commits, split by reason.
	AbortsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oracle",
			Subsystem: "requests",
			Name:      "aborts_total",
			Help:      "Total transactions aborted, by reason.",
		}, []string{"reason"})

	// ConflictMapEvictionsTotal counts evictions from the conflict map.
	ConflictMapEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "oracle",
			Subsystem: "conflictmap",
			Name:      "evictions_total",
			Help:      "Total entries evicted from the conflict map.",
		})

	// LowWatermark is a gauge of the current low-watermark value.
	LowWatermark = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "oracle",
			Subsystem: "conflictmap",
			Name:      "low_watermark",
			Help:      "Current low-watermark timestamp.",
		})

	// OracleBatchPersistsTotal counts ceiling bumps persisted by the
	// timestamp oracle.
	OracleBatchPersistsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "oracle",
			Subsystem: "oracle",
			Name:      "batch_persists_total",
			Help:      "Total timestamp ceiling batches persisted.",
		})

	// PersistBatchSize histograms the number of events flushed per
	// persistence-processor batch.
	PersistBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "oracle",
			Subsystem: "persistence",
			Name:      "batch_size",
			Help:      "Number of events in a persistence batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		})

	// PersistBatchLatencySeconds histograms batch flush latency, from the
	// start of the commit-log append to durability barrier return.
	PersistBatchLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "oracle",
			Subsystem: "persistence",
			Name:      "batch_latency_seconds",
			Help:      "Latency of a persistence batch flush, including the durability barrier.",
			Buckets:   prometheus.DefBuckets,
		})
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		CommitsTotal,
		AbortsTotal,
		ConflictMapEvictionsTotal,
		LowWatermark,
		OracleBatchPersistsTotal,
		PersistBatchSize,
		PersistBatchLatencySeconds,
	)
}
