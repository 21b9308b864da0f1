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

// Package cache provides the reflected object store shared between the
// reflector (its single writer) and reconcile workers (its many readers).
package cache

import (
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

// Object is the minimal view the runtime needs of a watched resource:
// standard object metadata plus its group/version/kind. Both
// unstructured.Unstructured and any typed API object satisfy it.
type Object interface {
	runtime.Object
	metav1.Object
}

// ObjectRef identifies one object in the cluster. It is comparable and
// usable as a map key; equality is structural.
type ObjectRef struct {
	Group     string
	Kind      string
	Namespace string
	Name      string
}

// RefFromObject derives the ObjectRef for obj from its metadata and kind.
func RefFromObject(obj Object) ObjectRef {
	gvk := obj.GetObjectKind().GroupVersionKind()
	return ObjectRef{
		Group:     gvk.Group,
		Kind:      gvk.Kind,
		Namespace: obj.GetNamespace(),
		Name:      obj.GetName(),
	}
}

// String renders the ref as kind.group/namespace/name for logs and metrics.
// Cluster-scoped refs omit the namespace segment.
func (r ObjectRef) String() string {
	kind := r.Kind
	if r.Group != "" {
		kind = r.Kind + "." + r.Group
	}
	if r.Namespace == "" {
		return fmt.Sprintf("%s/%s", kind, r.Name)
	}
	return fmt.Sprintf("%s/%s/%s", kind, r.Namespace, r.Name)
}

// Entry is one cached object together with the resourceVersion it was
// observed at. The resourceVersion is opaque; it is carried for logging and
// for collaborators that need a staleness token, never parsed or compared
// numerically.
type Entry struct {
	Ref             ObjectRef
	Object          Object
	ResourceVersion string
}
