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

package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

func init() {
	metrics.Registry.MustRegister(
		scheduledTotal,
		pendingGauge,
	)
}

var (
	scheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_requests_total",
			Help: "Total number of schedule requests, by reason",
		},
		[]string{"reason"},
	)
	pendingGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_pending_entries",
			Help: "Number of entries currently pending in the scheduler",
		},
	)
)
