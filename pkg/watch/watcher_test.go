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
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/kestrel-run/kestrel/pkg/cache"
)

func newObj(namespace, name, resourceVersion string) *unstructured.Unstructured {
	u := &unstructured.Unstructured{}
	u.SetGroupVersionKind(schema.GroupVersionKind{Group: "kestrel.run", Version: "v1", Kind: "Widget"})
	u.SetNamespace(namespace)
	u.SetName(name)
	u.SetResourceVersion(resourceVersion)
	return u
}

func refOf(namespace, name string) cache.ObjectRef {
	return cache.ObjectRef{Group: "kestrel.run", Kind: "Widget", Namespace: namespace, Name: name}
}

// fakeStream delivers scripted events, then either terminates with err or
// stays open until stopped.
type fakeStream struct {
	events []StreamEvent
	err    error
	open   bool

	ch       chan StreamEvent
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newFakeStream(terminal error, open bool, events ...StreamEvent) *fakeStream {
	s := &fakeStream{
		events: events,
		err:    terminal,
		open:   open,
		ch:     make(chan StreamEvent),
		stopCh: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *fakeStream) run() {
	defer close(s.ch)
	for _, ev := range s.events {
		select {
		case s.ch <- ev:
		case <-s.stopCh:
			return
		}
	}
	if s.open {
		<-s.stopCh
	}
}

func (s *fakeStream) ResultChan() <-chan StreamEvent { return s.ch }
func (s *fakeStream) Err() error                     { return s.err }
func (s *fakeStream) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

type listPage struct {
	objs []cache.Object
	rv   string
	err  error
}

type watchPage struct {
	stream Stream
	err    error
}

// fakeLW serves scripted list and watch results in order. The last list
// page repeats once exhausted; exhausted watches park on an open stream.
type fakeLW struct {
	mu        sync.Mutex
	lists     []listPage
	watches   []watchPage
	listCalls int
	watchRVs  []string
}

func (f *fakeLW) List(_ context.Context) ([]cache.Object, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if len(f.lists) == 0 {
		return nil, "", errors.New("no list scripted")
	}
	p := f.lists[0]
	if len(f.lists) > 1 {
		f.lists = f.lists[1:]
	}
	return p.objs, p.rv, p.err
}

func (f *fakeLW) Watch(_ context.Context, resourceVersion string) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchRVs = append(f.watchRVs, resourceVersion)
	if len(f.watches) == 0 {
		return newFakeStream(nil, true), nil
	}
	p := f.watches[0]
	f.watches = f.watches[1:]
	return p.stream, p.err
}

func (f *fakeLW) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeLW) watchedRVs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.watchRVs))
	copy(out, f.watchRVs)
	return out
}

func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event channel closed after %d events", len(out))
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %d of %d", len(out), n)
		}
	}
	return out
}

func testConfig() Config {
	return Config{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestListThenWatchEventFlow(t *testing.T) {
	a := newObj("default", "a", "99")
	b := newObj("default", "b", "100")
	c := newObj("default", "c", "101")

	lw := &fakeLW{
		lists: []listPage{{objs: []cache.Object{a, b}, rv: "100"}},
		watches: []watchPage{{stream: newFakeStream(nil, true,
			StreamEvent{Type: StreamApplied, Object: c},
			StreamEvent{Type: StreamDeleted, Object: b},
		)}},
	}

	w := New(lw, testConfig(), logr.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	events := collect(t, w.Events(), 5)

	applied, ok := events[0].(Applied)
	require.True(t, ok)
	assert.Equal(t, refOf("default", "a"), applied.Ref())
	assert.Equal(t, "99", applied.ResourceVersion)

	applied, ok = events[1].(Applied)
	require.True(t, ok)
	assert.Equal(t, refOf("default", "b"), applied.Ref())

	restarted, ok := events[2].(Restarted)
	require.True(t, ok)
	assert.Len(t, restarted.Entries, 2)

	applied, ok = events[3].(Applied)
	require.True(t, ok)
	assert.Equal(t, refOf("default", "c"), applied.Ref())
	assert.Equal(t, "101", applied.ResourceVersion)

	deleted, ok := events[4].(Deleted)
	require.True(t, ok)
	assert.Equal(t, refOf("default", "b"), deleted.Ref)

	assert.Equal(t, []string{"100"}, lw.watchedRVs())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestEmptyListEmitsOnlyRestarted(t *testing.T) {
	lw := &fakeLW{lists: []listPage{{rv: "10"}}}

	w := New(lw, testConfig(), logr.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	events := collect(t, w.Events(), 1)
	restarted, ok := events[0].(Restarted)
	require.True(t, ok)
	assert.Empty(t, restarted.Entries)
}

func TestStaleCursorForcesRelist(t *testing.T) {
	a := newObj("default", "a", "99")

	lw := &fakeLW{
		lists: []listPage{
			{objs: []cache.Object{a}, rv: "100"},
			{objs: []cache.Object{a}, rv: "200"},
		},
		watches: []watchPage{
			{stream: newFakeStream(apierrors.NewResourceExpired("too old"), false)},
		},
	}

	w := New(lw, testConfig(), logr.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	// Applied(a), Restarted, then after the expired stream a fresh
	// Applied(a), Restarted from the relist.
	events := collect(t, w.Events(), 4)
	_, ok := events[2].(Applied)
	require.True(t, ok)
	_, ok = events[3].(Restarted)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		rvs := lw.watchedRVs()
		return len(rvs) == 2 && rvs[1] == "200"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, lw.listCount())
}

func TestDistinctTransientErrorsForceSafetyRelist(t *testing.T) {
	lw := &fakeLW{
		lists: []listPage{{rv: "100"}, {rv: "200"}},
		watches: []watchPage{
			{err: errors.New("boom one")},
			{err: errors.New("boom two")},
			{err: errors.New("boom three")},
		},
	}

	cfg := testConfig()
	cfg.RelistThreshold = 3
	w := New(lw, cfg, logr.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	// One Restarted from the initial list, a second from the forced relist.
	events := collect(t, w.Events(), 2)
	_, ok := events[0].(Restarted)
	require.True(t, ok)
	_, ok = events[1].(Restarted)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		rvs := lw.watchedRVs()
		return len(rvs) == 4 && rvs[3] == "200"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, lw.listCount())
}

func TestRepeatedSameErrorDoesNotForceRelist(t *testing.T) {
	same := errors.New("boom")
	lw := &fakeLW{
		lists: []listPage{{rv: "100"}},
		watches: []watchPage{
			{err: same}, {err: same}, {err: same}, {err: same}, {err: same},
		},
	}

	cfg := testConfig()
	cfg.RelistThreshold = 3
	w := New(lw, cfg, logr.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	collect(t, w.Events(), 1)

	require.Eventually(t, func() bool {
		return len(lw.watchedRVs()) == 6
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, lw.listCount(), "same error kind repeated must not trigger the safety relist")
}

func TestIsStaleCursor(t *testing.T) {
	assert.True(t, IsStaleCursor(ErrStaleCursor))
	assert.True(t, IsStaleCursor(apierrors.NewResourceExpired("expired")))
	assert.False(t, IsStaleCursor(errors.New("connection refused")))
	assert.False(t, IsStaleCursor(nil))
}
