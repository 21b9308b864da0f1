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

// Package requeue defines the outcome contract between a reconcile function
// and the controller.
//
// A reconcile returns (Result, error). A zero Result with a nil error means
// the object is settled until the watch triggers it again. A Result with
// RequeueAfter set asks for a deliberate re-check later. Errors are retried
// on the controller's backoff schedule unless wrapped in one of the typed
// errors here, which adjust how the retry is scheduled.
package requeue

import (
	"fmt"
	"time"
)

// Result is the success-path outcome of one reconcile invocation.
type Result struct {
	// RequeueAfter requests another reconciliation after the given delay.
	// Zero means no deliberate requeue.
	RequeueAfter time.Duration
}

// NoRequeue wraps an error that must be reported but never retried.
type NoRequeue struct {
	Err error
}

// None marks err as terminal: the controller surfaces it and drops the
// object until the watch triggers it again.
func None(err error) *NoRequeue {
	return &NoRequeue{Err: err}
}

func (e *NoRequeue) Error() string {
	return fmt.Sprintf("no requeue: %v", e.Err)
}

func (e *NoRequeue) Unwrap() error {
	return e.Err
}

// RequeueNeeded wraps an error whose retry should happen on the standard
// backoff schedule. Functionally equivalent to returning the bare error;
// the wrapper exists so callers can annotate intent explicitly.
type RequeueNeeded struct {
	Err error
}

// Needed marks err for retry on the standard backoff schedule.
func Needed(err error) *RequeueNeeded {
	return &RequeueNeeded{Err: err}
}

func (e *RequeueNeeded) Error() string {
	return fmt.Sprintf("requeue needed: %v", e.Err)
}

func (e *RequeueNeeded) Unwrap() error {
	return e.Err
}

// RequeueNeededAfter wraps an error together with a minimum retry delay.
// The controller still advances its backoff state, but the scheduled delay
// never undercuts the hint.
type RequeueNeededAfter struct {
	Err   error
	Delay time.Duration
}

// NeededAfter marks err for retry after at least delay.
func NeededAfter(err error, delay time.Duration) *RequeueNeededAfter {
	return &RequeueNeededAfter{Err: err, Delay: delay}
}

func (e *RequeueNeededAfter) Error() string {
	return fmt.Sprintf("requeue needed after %s: %v", e.Delay, e.Err)
}

func (e *RequeueNeededAfter) Unwrap() error {
	return e.Err
}

// Duration returns the minimum retry delay carried by the error.
func (e *RequeueNeededAfter) Duration() time.Duration {
	return e.Delay
}
