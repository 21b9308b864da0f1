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

package watch

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const (
	relistReasonInitial        = "initial"
	relistReasonStaleCursor    = "stale_cursor"
	relistReasonErrorThreshold = "error_threshold"

	errorClassTransient   = "transient"
	errorClassStaleCursor = "stale_cursor"

	eventLabelApplied   = "applied"
	eventLabelDeleted   = "deleted"
	eventLabelRestarted = "restarted"
	eventLabelBookmark  = "bookmark"
)

func init() {
	metrics.Registry.MustRegister(
		relistsTotal,
		watchErrorsTotal,
		eventsTotal,
	)
}

var (
	relistsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watch_relists_total",
			Help: "Total number of full list operations, by reason",
		},
		[]string{"reason"},
	)
	watchErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watch_errors_total",
			Help: "Total number of list/watch failures absorbed by the watcher, by class",
		},
		[]string{"class"},
	)
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watch_events_total",
			Help: "Total number of watch events processed, by type",
		},
		[]string{"type"},
	)
)
