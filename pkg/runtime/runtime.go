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

// Package runtime assembles the watcher, reflector, scheduler and
// controller into one cancellable pipeline.
package runtime

import (
	"context"
	"errors"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/kestrel-run/kestrel/pkg/cache"
	"github.com/kestrel-run/kestrel/pkg/controller"
	"github.com/kestrel-run/kestrel/pkg/reflector"
	"github.com/kestrel-run/kestrel/pkg/scheduler"
	"github.com/kestrel-run/kestrel/pkg/watch"
)

// Options configures a Runtime.
type Options struct {
	Log        logr.Logger
	Watch      watch.Config
	Controller controller.Config
}

// Runtime owns one watch/reflect/schedule/reconcile pipeline for a single
// resource stream.
type Runtime struct {
	log        logr.Logger
	watcher    *watch.Watcher
	reflector  *reflector.Reflector
	scheduler  *scheduler.Scheduler
	controller *controller.Controller
	store      *cache.Store
}

// New wires a pipeline over the given collaborator and reconcile function.
// Run must be called exactly once.
func New(lw watch.ListerWatcher, reconcile controller.Reconciler, opts Options) *Runtime {
	log := opts.Log

	watcher := watch.New(lw, opts.Watch, log)
	writer := cache.NewWriter()
	refl := reflector.New(writer, watcher.Events(), log)
	sched := scheduler.New(log)
	ctrl := controller.New(log, opts.Controller, writer.Reader(), sched, refl.Triggers(), reconcile)

	return &Runtime{
		log:        log,
		watcher:    watcher,
		reflector:  refl,
		scheduler:  sched,
		controller: ctrl,
		store:      writer.Reader(),
	}
}

// Store returns the shared read handle to the reflected cache. Reconcile
// functions may capture it to look up related objects.
func (r *Runtime) Store() *cache.Store {
	return r.store
}

// Run starts all pipeline tasks and blocks until ctx is cancelled and every
// task has stopped. Cancellation is cooperative: the watcher stops issuing
// network calls, the scheduler abandons its timers and in-flight reconciles
// run to their next suspension point.
func (r *Runtime) Run(ctx context.Context) error {
	r.log.Info("Starting pipeline")
	defer r.log.Info("Pipeline stopped")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.watcher.Run(ctx) })
	g.Go(func() error { return r.reflector.Run(ctx) })
	g.Go(func() error { return r.scheduler.Run(ctx) })
	g.Go(func() error { return r.controller.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
