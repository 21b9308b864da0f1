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

// Package watch turns a possibly-interrupted list/watch collaborator into a
// reliable, restartable stream of normalized change events.
//
// The watcher owns the full recovery state machine: initial list, cursor
// tracking across the stream, jittered exponential backoff on transient
// failures, transparent relist on an expired cursor, and a forced safety
// relist once too many distinct transient errors pile up. Consumers only
// ever see Applied, Deleted and Restarted events.
package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/kestrel-run/kestrel/pkg/cache"
)

const (
	defaultInitialBackoff  = 500 * time.Millisecond
	defaultMaxBackoff      = 30 * time.Second
	defaultRelistThreshold = 3

	// jitterFactor spreads retry delays by up to +50% so that many watchers
	// restarted by the same outage do not stampede the server together.
	jitterFactor = 0.5
)

// Config tunes the watcher's recovery behavior. Zero values take the
// package defaults.
type Config struct {
	// InitialBackoff is the first retry delay after a transient failure.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential retry delay.
	MaxBackoff time.Duration
	// RelistThreshold forces a full relist once this many *distinct*
	// transient error kinds have been seen since the last delivered event.
	// Zero means the default; a negative value disables the safety relist.
	RelistThreshold int
}

func (c *Config) applyDefaults() {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.RelistThreshold == 0 {
		c.RelistThreshold = defaultRelistThreshold
	}
}

// Watcher drives list/watch calls against a ListerWatcher and publishes the
// resulting Event sequence on Events(). The sequence never terminates on its
// own; Run returns only when ctx is cancelled, closing the event channel.
type Watcher struct {
	lw     ListerWatcher
	cfg    Config
	log    logr.Logger
	events chan Event

	// Retry state for the current connection attempt. Reset whenever an
	// event is successfully delivered or a relist completes.
	delay    time.Duration
	distinct map[string]struct{}
}

// New creates a Watcher over lw. Run must be called exactly once.
func New(lw ListerWatcher, cfg Config, log logr.Logger) *Watcher {
	cfg.applyDefaults()
	return &Watcher{
		lw:       lw,
		cfg:      cfg,
		log:      log.WithName("watcher"),
		events:   make(chan Event),
		delay:    cfg.InitialBackoff,
		distinct: make(map[string]struct{}),
	}
}

// Events returns the output stream. It is unbuffered, so a slow consumer
// backpressures the watch all the way to the network read, and it is closed
// when Run returns.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Run executes the watch loop until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)

	var (
		cursor       string
		needList     = true
		relistReason = relistReasonInitial
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if needList {
			rv, err := w.relist(ctx, relistReason)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				watchErrorsTotal.WithLabelValues(errorClassTransient).Inc()
				w.log.Error(err, "List failed, backing off", "delay", w.delay)
				if err := w.backoff(ctx); err != nil {
					return err
				}
				continue
			}
			cursor = rv
			needList = false
			w.resetRetryState()
		}

		stream, err := w.lw.Watch(ctx, cursor)
		if err == nil {
			err = w.consume(ctx, stream, &cursor)
		}

		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err == nil:
			// Clean server-side close; resume from the last cursor
			// immediately.
		case IsStaleCursor(err):
			watchErrorsTotal.WithLabelValues(errorClassStaleCursor).Inc()
			w.log.V(1).Info("Watch cursor expired, relisting", "cursor", cursor)
			needList = true
			relistReason = relistReasonStaleCursor
		default:
			watchErrorsTotal.WithLabelValues(errorClassTransient).Inc()
			w.distinct[err.Error()] = struct{}{}
			if w.cfg.RelistThreshold > 0 && len(w.distinct) >= w.cfg.RelistThreshold {
				w.log.Info("Too many distinct watch errors, forcing relist",
					"distinctErrors", len(w.distinct), "threshold", w.cfg.RelistThreshold)
				needList = true
				relistReason = relistReasonErrorThreshold
				continue
			}
			w.log.Error(err, "Watch failed, backing off", "delay", w.delay)
			if err := w.backoff(ctx); err != nil {
				return err
			}
		}
	}
}

// relist performs a full list, emits one Applied per object followed by the
// Restarted marker, and returns the resourceVersion to watch from.
func (w *Watcher) relist(ctx context.Context, reason string) (string, error) {
	objs, rv, err := w.lw.List(ctx)
	if err != nil {
		return "", fmt.Errorf("list objects: %w", err)
	}

	entries := make([]cache.Entry, 0, len(objs))
	for _, obj := range objs {
		ev := Applied{Object: obj, ResourceVersion: obj.GetResourceVersion()}
		if !w.emit(ctx, ev) {
			return "", ctx.Err()
		}
		eventsTotal.WithLabelValues(eventLabelApplied).Inc()
		entries = append(entries, cache.Entry{Ref: ev.Ref(), Object: obj, ResourceVersion: ev.ResourceVersion})
	}
	if !w.emit(ctx, Restarted{Entries: entries}) {
		return "", ctx.Err()
	}
	eventsTotal.WithLabelValues(eventLabelRestarted).Inc()
	relistsTotal.WithLabelValues(reason).Inc()

	w.log.V(1).Info("Listed objects", "count", len(entries), "resourceVersion", rv, "reason", reason)
	return rv, nil
}

// consume drains one stream, advancing the cursor per event, until the
// stream terminates or ctx is cancelled. The returned error is the stream's
// terminal error; nil means a clean close.
func (w *Watcher) consume(ctx context.Context, stream Stream, cursor *string) error {
	defer stream.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case se, ok := <-stream.ResultChan():
			if !ok {
				return stream.Err()
			}

			rv := se.Object.GetResourceVersion()
			switch se.Type {
			case StreamApplied:
				if !w.emit(ctx, Applied{Object: se.Object, ResourceVersion: rv}) {
					return ctx.Err()
				}
				eventsTotal.WithLabelValues(eventLabelApplied).Inc()
			case StreamDeleted:
				if !w.emit(ctx, Deleted{Ref: cache.RefFromObject(se.Object)}) {
					return ctx.Err()
				}
				eventsTotal.WithLabelValues(eventLabelDeleted).Inc()
			case StreamBookmark:
				eventsTotal.WithLabelValues(eventLabelBookmark).Inc()
			default:
				w.log.V(1).Info("Ignoring unknown stream event", "type", se.Type)
				continue
			}

			*cursor = rv
			w.resetRetryState()
		}
	}
}

func (w *Watcher) emit(ctx context.Context, ev Event) bool {
	select {
	case w.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// backoff sleeps for the current jittered retry delay and advances the
// geometric schedule, honoring cancellation.
func (w *Watcher) backoff(ctx context.Context) error {
	d := wait.Jitter(w.delay, jitterFactor)
	w.delay *= 2
	if w.delay > w.cfg.MaxBackoff {
		w.delay = w.cfg.MaxBackoff
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (w *Watcher) resetRetryState() {
	w.delay = w.cfg.InitialBackoff
	clear(w.distinct)
}
