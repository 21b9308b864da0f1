// Copyright 2025 The Kestrel Authors.
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

package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const (
	requeueLabelAfter   = "requeue_after"
	requeueLabelError   = "error"
	requeueLabelNone    = "no_requeue"
	requeueLabelDropped = "dropped"
)

func init() {
	metrics.Registry.MustRegister(
		reconcileTotal,
		reconcileErrorsTotal,
		reconcileDuration,
		requeueTotal,
		activeWorkers,
		observationsDroppedTotal,
	)
}

var (
	reconcileTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reconcile_total",
			Help: "Total number of reconcile invocations",
		},
	)
	reconcileErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reconcile_errors_total",
			Help: "Total number of reconcile invocations that returned an error",
		},
	)
	reconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reconcile_duration_seconds",
			Help:    "Duration of reconcile invocations",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)
	requeueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requeue_total",
			Help: "Total number of requeue decisions, by kind",
		},
		[]string{"kind"},
	)
	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reconcile_active_workers",
			Help: "Number of reconcile invocations currently in flight",
		},
	)
	observationsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "observations_dropped_total",
			Help: "Total number of outcome observations dropped due to a full buffer",
		},
	)
)
