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

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/kestrel-run/kestrel/pkg/cache"
)

// ErrStaleCursor signals that the resourceVersion handed to Watch is too old
// for the server to resume from. The only recovery is a full relist.
var ErrStaleCursor = errors.New("watch cursor is too old to resume")

// IsStaleCursor reports whether err marks the stale-cursor failure mode,
// either as the package sentinel or as the server-side expired/gone status.
// Every other watch failure is treated as transient.
func IsStaleCursor(err error) bool {
	return errors.Is(err, ErrStaleCursor) ||
		apierrors.IsResourceExpired(err) ||
		apierrors.IsGone(err)
}

// StreamEventType tags one raw event on a watch stream.
type StreamEventType string

const (
	// StreamApplied covers both create and update of an object.
	StreamApplied StreamEventType = "applied"
	// StreamDeleted reports removal of an object.
	StreamDeleted StreamEventType = "deleted"
	// StreamBookmark advances the watch cursor without any object change.
	StreamBookmark StreamEventType = "bookmark"
)

// StreamEvent is one raw event delivered by the collaborator's watch stream.
// Object is always populated, including for deletes and bookmarks; its
// resourceVersion becomes the new watch cursor.
type StreamEvent struct {
	Type   StreamEventType
	Object cache.Object
}

// Stream is a single live watch connection.
//
// ResultChan is closed when the stream terminates; Err then reports why.
// A nil Err means the server closed the stream cleanly and the watch may be
// resumed from the last cursor without backoff.
type Stream interface {
	ResultChan() <-chan StreamEvent
	Err() error
	Stop()
}

// ListerWatcher is the boundary to the wire-level client. List returns a
// consistent snapshot plus the resourceVersion to start watching from; Watch
// opens a stream of changes after the given resourceVersion.
//
// Watch and the stream it returns may fail with a stale-cursor error
// (IsStaleCursor) or any transient error; the Watcher absorbs both.
type ListerWatcher interface {
	List(ctx context.Context) (objects []cache.Object, resourceVersion string, err error)
	Watch(ctx context.Context, resourceVersion string) (Stream, error)
}
