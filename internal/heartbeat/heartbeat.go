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

// Package heartbeat implements the cluster lock heartbeat of spec.md §5: a
// goroutine that refreshes a global lock object in the backend on
// heartbeat_timeout and calls a finish callback if it ever loses that lock
// to another node. cmd/volumedriver's serve command runs one HeartBeat per
// process, not one per volume, and its callback halts every registered
// volume.
package heartbeat

import (
	"context"
	"time"

	"github.com/nimbusvol/volumedriver/internal/util/log"
)

// LockStore supports atomic compare-and-set of a single backend object, the
// minimal primitive the cluster lock needs (spec.md §5: "The lock store must
// support atomic compare-and-set of a single object").
type LockStore interface {
	// GrabLock attempts to claim or refresh ownership, identified by
	// owner. Returns true if this owner now (still) holds the lock.
	GrabLock(ctx context.Context, owner string) (bool, error)
}

// FinishFunc is invoked exactly once, from the heartbeat goroutine, when the
// lock is lost; it must halt the volume (spec.md §7 Fencing) before
// returning.
type FinishFunc func()

// HeartBeat periodically refreshes a LockStore entry and invokes
// FinishFunc on loss, mirroring the teacher domain's HeartBeat/
// FinishThreadFun pair.
type HeartBeat struct {
	name     string
	store    LockStore
	owner    string
	finish   FinishFunc
	timeout  time.Duration
	stop     chan struct{}
	stopped  chan struct{}
}

// New returns a HeartBeat named name, refreshing store every timeout for
// owner, calling finish on loss. Call Start to begin.
func New(name string, store LockStore, owner string, timeout time.Duration, finish FinishFunc) *HeartBeat {
	return &HeartBeat{
		name:    name,
		store:   store,
		owner:   owner,
		finish:  finish,
		timeout: timeout,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// GrabLock attempts a single lock refresh, exported for an initial
// synchronous claim before Start begins the periodic loop.
func (h *HeartBeat) GrabLock(ctx context.Context) bool {
	ok, err := h.store.GrabLock(ctx, h.owner)
	if err != nil {
		log.WarningLogMsg("heartbeat %s: grab_lock error: %s", h.name, err)

		return false
	}

	return ok
}

// Start runs the heartbeat loop on its own goroutine until Stop is called or
// the lock is lost.
func (h *HeartBeat) Start(ctx context.Context) {
	go h.run(ctx)
}

func (h *HeartBeat) run(ctx context.Context) {
	defer close(h.stopped)

	ticker := time.NewTicker(h.timeout)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !h.GrabLock(ctx) {
				log.ErrorLogMsg("heartbeat %s: lost cluster lock, halting", h.name)
				h.finish()

				return
			}
		}
	}
}

// Stop ends the heartbeat loop without invoking FinishFunc (a clean
// shutdown, as opposed to losing the lock).
func (h *HeartBeat) Stop() {
	close(h.stop)
	<-h.stopped
}
