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

// Package controller drives the user reconcile function. It merges watch
// triggers and scheduler releases into one input, dispatches reconciles
// under a global concurrency limit, keeps per-object invocations strictly
// sequential, and feeds retry and requeue decisions back into the
// scheduler.
package controller

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/kestrel-run/kestrel/pkg/cache"
	"github.com/kestrel-run/kestrel/pkg/requeue"
	"github.com/kestrel-run/kestrel/pkg/scheduler"
	"github.com/kestrel-run/kestrel/pkg/watch"
)

const (
	defaultMinBackoff = 200 * time.Millisecond
	defaultMaxBackoff = 1000 * time.Second

	// backoffJitter spreads retry delays by ±10% so failing objects with
	// identical histories do not retry in lockstep.
	backoffJitter = 0.1

	observationBuffer = 256
)

// Reconciler is the user-supplied reconcile function. It must be safe to
// invoke concurrently for distinct objects and safe to retry for the same
// object after a failed attempt.
type Reconciler func(ctx context.Context, obj cache.Object) (requeue.Result, error)

// Queue is the scheduler surface the controller feeds retries into.
// *scheduler.Scheduler satisfies it.
type Queue interface {
	Schedule(ref cache.ObjectRef, delay time.Duration, reason scheduler.Reason)
	Cancel(ref cache.ObjectRef)
	Released() <-chan cache.ObjectRef
}

var _ Queue = (*scheduler.Scheduler)(nil)

// Config tunes the controller. Zero values take the package defaults.
type Config struct {
	// MaxConcurrentReconciles bounds how many reconciles run at once.
	// Defaults to 1.
	MaxConcurrentReconciles int
	// MinBackoff is the first retry delay after a reconcile error.
	MinBackoff time.Duration
	// MaxBackoff caps the geometric retry delay.
	MaxBackoff time.Duration
	// MaxRetries drops an object from the retry schedule after this many
	// consecutive failures. Zero means retry forever; a watch trigger
	// always revives a dropped object.
	MaxRetries int
	// RateLimit is the maximum number of reconcile admissions per second.
	// Zero disables global rate limiting.
	RateLimit float64
	// BurstLimit is the admission burst size when RateLimit is set.
	BurstLimit int
	// Sink receives reconcile outcome observations. Defaults to a
	// logr-backed sink.
	Sink Sink
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrentReconciles <= 0 {
		c.MaxConcurrentReconciles = 1
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = defaultMinBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.BurstLimit <= 0 {
		c.BurstLimit = 1
	}
}

// objectState exists only while a reconcile for the ref is in flight.
// pending records that another trigger arrived mid-run; the ref is
// re-dispatched once the running invocation completes, never in parallel.
type objectState struct {
	pending bool
}

type backoffState struct {
	failures int
}

type completion struct {
	ref    cache.ObjectRef
	result requeue.Result
	err    error
}

// Controller merges reflector triggers and scheduler releases and applies
// the reconcile function to due objects.
type Controller struct {
	cfg       Config
	store     *cache.Store
	queue     Queue
	triggers  <-chan watch.Event
	reconcile Reconciler
	sink      Sink
	log       logr.Logger

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	// Event-loop state; touched only by the Run goroutine.
	running     map[cache.ObjectRef]*objectState
	backoff     map[cache.ObjectRef]*backoffState
	completions chan completion

	observations chan observation
	wg           sync.WaitGroup
}

// New creates a Controller. Run must be called exactly once.
func New(
	log logr.Logger,
	cfg Config,
	store *cache.Store,
	queue Queue,
	triggers <-chan watch.Event,
	reconcile Reconciler,
) *Controller {
	cfg.applyDefaults()

	c := &Controller{
		cfg:          cfg,
		store:        store,
		queue:        queue,
		triggers:     triggers,
		reconcile:    reconcile,
		sink:         cfg.Sink,
		log:          log.WithName("controller"),
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrentReconciles)),
		running:      make(map[cache.ObjectRef]*objectState),
		backoff:      make(map[cache.ObjectRef]*backoffState),
		completions:  make(chan completion, cfg.MaxConcurrentReconciles),
		observations: make(chan observation, observationBuffer),
	}
	if c.sink == nil {
		c.sink = &logSink{log: c.log}
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.BurstLimit)
	}
	return c
}

// Run processes triggers and releases until ctx is cancelled, then waits
// for in-flight reconciles to finish.
func (c *Controller) Run(ctx context.Context) error {
	c.log.Info("Starting controller", "workers", c.cfg.MaxConcurrentReconciles)
	defer c.log.Info("Controller stopped")

	c.wg.Add(1)
	go c.deliverObservations(ctx)

	triggers := c.triggers
	released := c.queue.Released()

	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return ctx.Err()
		case ev, ok := <-triggers:
			if !ok {
				// Watch pipeline shut down; keep serving scheduled
				// retries until cancelled.
				triggers = nil
				continue
			}
			c.handleTrigger(ctx, ev)
		case ref, ok := <-released:
			if !ok {
				released = nil
				continue
			}
			c.dispatch(ctx, ref)
		case comp := <-c.completions:
			c.handleCompletion(ctx, comp)
		}
	}
}

func (c *Controller) handleTrigger(ctx context.Context, ev watch.Event) {
	switch e := ev.(type) {
	case watch.Applied:
		c.dispatch(ctx, e.Ref())
	case watch.Deleted:
		// Nothing left to reconcile. Abandon any scheduled retry and
		// forget the failure history; a running invocation finishes on
		// its own without being re-dispatched.
		c.queue.Cancel(e.Ref)
		delete(c.backoff, e.Ref)
		if st, ok := c.running[e.Ref]; ok {
			st.pending = false
		}
	case watch.Restarted:
		c.pruneAfterRestart(e)
	}
}

// pruneAfterRestart drops retry state for objects that disappeared while
// the watch was down: a relist replaces the store without emitting Deleted
// events for objects removed in the gap.
func (c *Controller) pruneAfterRestart(e watch.Restarted) {
	listed := make(map[cache.ObjectRef]struct{}, len(e.Entries))
	for _, entry := range e.Entries {
		listed[entry.Ref] = struct{}{}
	}
	for ref := range c.backoff {
		if _, ok := listed[ref]; !ok {
			c.queue.Cancel(ref)
			delete(c.backoff, ref)
			if st, running := c.running[ref]; running {
				st.pending = false
			}
		}
	}
}

// dispatch admits one due ref. If a reconcile for the ref is already in
// flight the request coalesces into a pending re-run. The semaphore acquire
// is the backpressure point: when all worker slots are busy the whole input
// loop waits here, which in turn suspends the watcher and scheduler.
func (c *Controller) dispatch(ctx context.Context, ref cache.ObjectRef) {
	if st, ok := c.running[ref]; ok {
		st.pending = true
		return
	}

	obj, ok := c.store.Get(ref)
	if !ok {
		// Deleted between trigger and dispatch; not an error.
		c.log.V(2).Info("Skipping reconcile for object absent from store", "object", ref.String())
		c.queue.Cancel(ref)
		delete(c.backoff, ref)
		return
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return
	}

	c.running[ref] = &objectState{}
	c.wg.Add(1)
	go c.work(ctx, ref, obj)
}

func (c *Controller) work(ctx context.Context, ref cache.ObjectRef, obj cache.Object) {
	defer c.wg.Done()

	activeWorkers.Inc()
	start := time.Now()

	result, err := c.invoke(ctx, obj)

	reconcileDuration.Observe(time.Since(start).Seconds())
	reconcileTotal.Inc()
	activeWorkers.Dec()

	// Release the worker slot before handing off the completion so a
	// dispatch blocked on the semaphore can proceed.
	c.sem.Release(1)

	select {
	case c.completions <- completion{ref: ref, result: result, err: err}:
	case <-ctx.Done():
	}
}

// invoke calls the reconcile function, converting a panic into an error so
// a faulty reconciler degrades into retries instead of killing the process.
func (c *Controller) invoke(ctx context.Context, obj cache.Object) (result requeue.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reconcile panicked: %v", r)
		}
	}()
	return c.reconcile(ctx, obj)
}

func (c *Controller) handleCompletion(ctx context.Context, comp completion) {
	st := c.running[comp.ref]
	rerun := st != nil && st.pending
	delete(c.running, comp.ref)

	c.applyOutcome(comp, rerun)

	if rerun {
		c.dispatch(ctx, comp.ref)
	}
}

// applyOutcome turns one reconcile result into backoff bookkeeping and the
// next schedule request. When rerun is set a fresh invocation is about to be
// dispatched, so no schedule request is issued; backoff state still
// advances or resets so retry pacing survives the re-run.
func (c *Controller) applyOutcome(comp completion, rerun bool) {
	ref := comp.ref

	var noRequeue *requeue.NoRequeue
	switch {
	case comp.err == nil && comp.result.RequeueAfter > 0:
		delete(c.backoff, ref)
		if !rerun {
			c.queue.Schedule(ref, comp.result.RequeueAfter, scheduler.ReasonExplicit)
		}
		requeueTotal.WithLabelValues(requeueLabelAfter).Inc()
		c.observe(ref, OutcomeRequeueAfter, nil)

	case comp.err == nil:
		delete(c.backoff, ref)
		c.observe(ref, OutcomeDone, nil)

	case errors.As(comp.err, &noRequeue):
		delete(c.backoff, ref)
		reconcileErrorsTotal.Inc()
		requeueTotal.WithLabelValues(requeueLabelNone).Inc()
		c.log.Error(comp.err, "Reconcile failed terminally, not requeuing", "object", ref.String())
		c.observe(ref, OutcomeError, comp.err)

	default:
		reconcileErrorsTotal.Inc()

		bs := c.backoff[ref]
		if bs == nil {
			bs = &backoffState{}
			c.backoff[ref] = bs
		}
		bs.failures++

		if c.cfg.MaxRetries > 0 && bs.failures > c.cfg.MaxRetries {
			delete(c.backoff, ref)
			requeueTotal.WithLabelValues(requeueLabelDropped).Inc()
			c.log.Error(comp.err, "Dropping object after max retries",
				"object", ref.String(), "failures", bs.failures)
			c.observe(ref, OutcomeDropped, comp.err)
			return
		}

		delay := c.retryDelay(bs.failures, comp.err)
		if !rerun {
			c.queue.Schedule(ref, delay, scheduler.ReasonExplicit)
		}
		requeueTotal.WithLabelValues(requeueLabelError).Inc()
		c.log.Error(comp.err, "Reconcile failed, retrying",
			"object", ref.String(), "failures", bs.failures, "delay", delay)
		c.observe(ref, OutcomeError, comp.err)
	}
}

// retryDelay computes the jittered geometric backoff delay for the given
// consecutive failure count, floored at any minimum carried by the error.
func (c *Controller) retryDelay(failures int, err error) time.Duration {
	delay := c.cfg.MinBackoff
	for i := 1; i < failures && delay < c.cfg.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > c.cfg.MaxBackoff {
		delay = c.cfg.MaxBackoff
	}

	var after *requeue.RequeueNeededAfter
	if errors.As(err, &after) && after.Duration() > delay {
		delay = after.Duration()
	}

	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * jitter)
}
