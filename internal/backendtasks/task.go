/*
Copyright 2024 The VolumeDriver Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package backendtasks implements the SCO/TLog/snapshot-manifest uploader
// thread pool of spec.md §4.6: a FIFO task queue with barrier semantics,
// per-kind retry policy, and crash-safe written-to-backend bookkeeping
// delivered through callbacks.
package backendtasks

import (
	"context"
)

// Kind identifies one of the four task shapes of spec.md §4.6's table.
type Kind int

const (
	// WriteSCO uploads a sealed SCO file; non-barrier, bounded retries.
	WriteSCO Kind = iota
	// WriteTLog uploads a sealed TLog file; barrier, unbounded retries
	// unless the local file has vanished.
	WriteTLog
	// WriteSnapshot uploads the snapshots manifest; barrier, retried
	// until it succeeds (it never reaches OnTerminalFailure).
	WriteSnapshot
	// DeleteObject removes a SCO or TLog object; non-barrier, no retries.
	DeleteObject
)

func (k Kind) String() string {
	switch k {
	case WriteSCO:
		return "write_sco"
	case WriteTLog:
		return "write_tlog"
	case WriteSnapshot:
		return "write_snapshot"
	case DeleteObject:
		return "delete_object"
	default:
		return "unknown"
	}
}

// Barrier reports whether tasks of this kind must drain all preceding tasks
// for the same volume before running and block following tasks until they
// complete (spec.md §4.6).
func (k Kind) Barrier() bool {
	return k == WriteTLog || k == WriteSnapshot
}

// Task is one unit of asynchronous backend work.
type Task struct {
	Kind   Kind
	Volume string

	// Attempts counts execution attempts so far, incremented by the
	// pipeline before each Execute call (SPEC_FULL.md §3 supplemented
	// feature: per-task-kind retry bookkeeping).
	Attempts int

	// Execute performs the task's side effect (a backend Put/Delete) and
	// returns an error to trigger the kind's retry policy.
	Execute func(ctx context.Context) error

	// Vanished is consulted only for WriteTLog tasks whose Execute error
	// indicates the local source file is gone; if it returns true the
	// pipeline warns and drops the task instead of retrying (spec.md
	// §4.6).
	Vanished func() bool

	// OnSuccess is invoked once Execute succeeds.
	OnSuccess func()
	// OnTerminalFailure is invoked when the kind's retry budget is
	// exhausted. Only WriteSCO (8 attempts) and DeleteObject (1 attempt)
	// have a budget; WriteTLog and WriteSnapshot retry until they succeed
	// and never reach it.
	OnTerminalFailure func(err error)
}
