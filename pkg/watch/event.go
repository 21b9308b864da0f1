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

import "github.com/kestrel-run/kestrel/pkg/cache"

// Event is one normalized change notification produced by the Watcher.
//
// The variant set is sealed: Applied covers both create and update, Deleted
// carries only the identity of the removed object, and Restarted marks that
// the stream was rebuilt from a fresh list. Stream-level failures never
// appear here; the watcher absorbs them through backoff and relists.
type Event interface {
	isEvent()
}

// Applied reports that an object was created or updated.
type Applied struct {
	Object          cache.Object
	ResourceVersion string
}

func (Applied) isEvent() {}

// Ref returns the identity of the applied object.
func (e Applied) Ref() cache.ObjectRef {
	return cache.RefFromObject(e.Object)
}

// Deleted reports that the object identified by Ref no longer exists.
type Deleted struct {
	Ref cache.ObjectRef
}

func (Deleted) isEvent() {}

// Restarted reports that the watch stream was recreated from a full list.
// Entries holds the complete freshly listed object set; every entry was also
// emitted as an individual Applied event immediately before this marker.
type Restarted struct {
	Entries []cache.Entry
}

func (Restarted) isEvent() {}
