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
	"context"

	"github.com/go-logr/logr"

	"github.com/kestrel-run/kestrel/pkg/cache"
)

// Outcome classifies the result of one reconcile invocation for
// observability purposes.
type Outcome string

const (
	OutcomeDone         Outcome = "done"
	OutcomeRequeueAfter Outcome = "requeue_after"
	OutcomeError        Outcome = "error"
	OutcomeDropped      Outcome = "dropped"
)

// Sink receives reconcile outcome observations. Implementations should be
// fast; delivery is decoupled from the reconcile path through a bounded
// buffer and observations are dropped, never blocked on, when the sink
// cannot keep up.
type Sink interface {
	ObserveReconcile(ref cache.ObjectRef, outcome Outcome, err error)
}

type observation struct {
	ref     cache.ObjectRef
	outcome Outcome
	err     error
}

// observe enqueues one observation without ever blocking the event loop.
func (c *Controller) observe(ref cache.ObjectRef, outcome Outcome, err error) {
	select {
	case c.observations <- observation{ref: ref, outcome: outcome, err: err}:
	default:
		observationsDroppedTotal.Inc()
	}
}

func (c *Controller) deliverObservations(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case obs := <-c.observations:
			c.sink.ObserveReconcile(obs.ref, obs.outcome, obs.err)
		}
	}
}

// logSink is the default observability sink: outcomes land in the
// controller's structured log.
type logSink struct {
	log logr.Logger
}

func (s *logSink) ObserveReconcile(ref cache.ObjectRef, outcome Outcome, err error) {
	if err != nil {
		s.log.V(1).Info("Reconcile outcome", "object", ref.String(), "outcome", string(outcome), "error", err.Error())
		return
	}
	s.log.V(1).Info("Reconcile outcome", "object", ref.String(), "outcome", string(outcome))
}
