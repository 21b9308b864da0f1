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

// Package reflector wires watcher output into the shared store and
// republishes every event as a reconciliation trigger.
package reflector

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/kestrel-run/kestrel/pkg/cache"
	"github.com/kestrel-run/kestrel/pkg/watch"
)

// Reflector folds watch events into its store writer, then republishes each
// event on Triggers(). The ordering is load-bearing: by the time a trigger
// is observable, the store already reflects the change that produced it, so
// a reconciler woken by the trigger sees at least its own triggering state.
type Reflector struct {
	writer   *cache.Writer
	events   <-chan watch.Event
	triggers chan watch.Event
	log      logr.Logger
}

// New creates a Reflector that consumes events and mutates writer. The
// Reflector takes over the store-writer role; nothing else may mutate the
// store while it runs.
func New(writer *cache.Writer, events <-chan watch.Event, log logr.Logger) *Reflector {
	return &Reflector{
		writer:   writer,
		events:   events,
		triggers: make(chan watch.Event),
		log:      log.WithName("reflector"),
	}
}

// Triggers returns the republished event stream. It is closed when Run
// returns, releasing the store-writer role.
func (r *Reflector) Triggers() <-chan watch.Event {
	return r.triggers
}

// Run processes events until the event channel closes or ctx is cancelled.
// The reflector itself has no failure mode; all recoverable failure is
// absorbed upstream in the watcher.
func (r *Reflector) Run(ctx context.Context) error {
	defer close(r.triggers)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-r.events:
			if !ok {
				r.log.V(1).Info("Event stream closed, stopping")
				return nil
			}

			switch e := ev.(type) {
			case watch.Applied:
				r.writer.Apply(e.Ref(), e.Object, e.ResourceVersion)
			case watch.Deleted:
				r.writer.Remove(e.Ref)
			case watch.Restarted:
				r.writer.Reset(e.Entries)
				r.log.V(1).Info("Store reset from relist", "objects", len(e.Entries))
			}

			select {
			case r.triggers <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
