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
	"fmt"
	"sync"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	apiwatch "k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"

	"github.com/kestrel-run/kestrel/pkg/cache"
)

// DynamicListerWatcher adapts a dynamic client for one GroupVersionResource
// into the ListerWatcher boundary, optionally scoped to a namespace and
// filtered by label and field selectors.
type DynamicListerWatcher struct {
	resource      dynamic.ResourceInterface
	labelSelector string
	fieldSelector string
}

// NewDynamicListerWatcher builds a ListerWatcher over client for gvr. An
// empty namespace watches all namespaces (or a cluster-scoped resource). A
// malformed selector is a configuration error surfaced here, before the
// pipeline starts.
func NewDynamicListerWatcher(
	client dynamic.Interface,
	gvr schema.GroupVersionResource,
	namespace string,
	labelSelector string,
	fieldSelector string,
) (*DynamicListerWatcher, error) {
	if labelSelector != "" {
		if _, err := labels.Parse(labelSelector); err != nil {
			return nil, fmt.Errorf("parse label selector %q: %w", labelSelector, err)
		}
	}
	if fieldSelector != "" {
		if _, err := fields.ParseSelector(fieldSelector); err != nil {
			return nil, fmt.Errorf("parse field selector %q: %w", fieldSelector, err)
		}
	}

	var resource dynamic.ResourceInterface = client.Resource(gvr)
	if namespace != "" {
		resource = client.Resource(gvr).Namespace(namespace)
	}
	return &DynamicListerWatcher{
		resource:      resource,
		labelSelector: labelSelector,
		fieldSelector: fieldSelector,
	}, nil
}

// List fetches the full object set and the list resourceVersion.
func (d *DynamicListerWatcher) List(ctx context.Context) ([]cache.Object, string, error) {
	list, err := d.resource.List(ctx, metav1.ListOptions{
		LabelSelector: d.labelSelector,
		FieldSelector: d.fieldSelector,
	})
	if err != nil {
		return nil, "", err
	}
	objs := make([]cache.Object, 0, len(list.Items))
	for i := range list.Items {
		objs = append(objs, &list.Items[i])
	}
	return objs, list.GetResourceVersion(), nil
}

// Watch opens a watch stream from resourceVersion. Bookmarks are requested
// so the cursor keeps advancing through quiet periods.
func (d *DynamicListerWatcher) Watch(ctx context.Context, resourceVersion string) (Stream, error) {
	wi, err := d.resource.Watch(ctx, metav1.ListOptions{
		LabelSelector:       d.labelSelector,
		FieldSelector:       d.fieldSelector,
		ResourceVersion:     resourceVersion,
		AllowWatchBookmarks: true,
	})
	if err != nil {
		return nil, err
	}
	return newClientGoStream(wi), nil
}

// clientGoStream translates a client-go watch.Interface into a Stream.
// Server-sent error events become the stream's terminal error.
type clientGoStream struct {
	src    apiwatch.Interface
	out    chan StreamEvent
	stopCh chan struct{}

	stopOnce sync.Once
	mu       sync.Mutex
	err      error
}

func newClientGoStream(src apiwatch.Interface) *clientGoStream {
	s := &clientGoStream{
		src:    src,
		out:    make(chan StreamEvent),
		stopCh: make(chan struct{}),
	}
	go s.receive()
	return s
}

func (s *clientGoStream) ResultChan() <-chan StreamEvent {
	return s.out
}

func (s *clientGoStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *clientGoStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.src.Stop()
	})
}

func (s *clientGoStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *clientGoStream) receive() {
	defer close(s.out)

	for ev := range s.src.ResultChan() {
		var se StreamEvent
		switch ev.Type {
		case apiwatch.Added, apiwatch.Modified:
			se.Type = StreamApplied
		case apiwatch.Deleted:
			se.Type = StreamDeleted
		case apiwatch.Bookmark:
			se.Type = StreamBookmark
		case apiwatch.Error:
			s.setErr(apierrors.FromObject(ev.Object))
			return
		default:
			continue
		}

		obj, ok := ev.Object.(cache.Object)
		if !ok {
			s.setErr(fmt.Errorf("watch event carries unexpected object type %T", ev.Object))
			return
		}
		se.Object = obj

		select {
		case s.out <- se:
		case <-s.stopCh:
			return
		}
	}
}
