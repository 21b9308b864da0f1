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

package cache

import "sync"

// Writer is the exclusive mutating handle to a store. Exactly one task (the
// reflector) may hold a Writer; sharing it between reflectors would let a
// relist from one clobber the state of the other.
//
// The backing map is a sync.Map: mutations take per-key critical sections
// and reads never contend on a store-wide lock, which is the access pattern
// here (one writer, many read-mostly workers).
type Writer struct {
	store *sync.Map // ObjectRef -> Entry
}

// NewWriter creates an empty store and returns its writer handle.
func NewWriter() *Writer {
	return &Writer{store: &sync.Map{}}
}

// Reader returns a read handle to the same backing store. Any number of
// read handles may be obtained and shared across goroutines.
func (w *Writer) Reader() *Store {
	return &Store{store: w.store}
}

// Apply inserts or overwrites the entry for ref. The watcher delivers events
// in per-object order, so no resourceVersion comparison is needed here.
func (w *Writer) Apply(ref ObjectRef, obj Object, resourceVersion string) {
	w.store.Store(ref, Entry{Ref: ref, Object: obj, ResourceVersion: resourceVersion})
}

// Remove deletes the entry for ref if present; a no-op otherwise.
func (w *Writer) Remove(ref ObjectRef) {
	w.store.Delete(ref)
}

// Reset replaces the store contents with entries, as produced by a fresh
// list. Keys absent from entries are pruned first, then every listed entry
// is upserted. The replacement is not atomic with respect to readers; they
// observe per-key consistency and converge once Reset returns.
func (w *Writer) Reset(entries []Entry) {
	keep := make(map[ObjectRef]struct{}, len(entries))
	for _, e := range entries {
		keep[e.Ref] = struct{}{}
	}
	w.store.Range(func(key, _ any) bool {
		if _, ok := keep[key.(ObjectRef)]; !ok {
			w.store.Delete(key)
		}
		return true
	})
	for _, e := range entries {
		w.store.Store(e.Ref, e)
	}
}

// Store is a readable cache of watched objects. It may be stale: deleted
// objects can linger until their delete event lands and new objects appear
// only once observed. Reconcilers that need fresher state should return an
// error and rely on the scheduled retry.
type Store struct {
	store *sync.Map
}

// Get retrieves the object cached under ref, if any.
func (s *Store) Get(ref ObjectRef) (Object, bool) {
	v, ok := s.store.Load(ref)
	if !ok {
		return nil, false
	}
	return v.(Entry).Object, true
}

// GetEntry retrieves the full cache entry for ref, including the
// resourceVersion it was observed at.
func (s *Store) GetEntry(ref ObjectRef) (Entry, bool) {
	v, ok := s.store.Load(ref)
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

// List returns a snapshot of the currently cached objects. The snapshot is
// per-entry consistent, not atomic across the store.
func (s *Store) List() []Object {
	var objs []Object
	s.store.Range(func(_, v any) bool {
		objs = append(objs, v.(Entry).Object)
		return true
	})
	return objs
}

// Len returns the number of cached entries.
func (s *Store) Len() int {
	n := 0
	s.store.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
