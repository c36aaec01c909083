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

package util

import (
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
)

// VolumeOperationAlreadyExistsFmt is the message format used when a
// concurrent operation is already in progress for a volume ID.
const VolumeOperationAlreadyExistsFmt = "an operation with the given Volume ID %s already exists"

// VolumeLocks implements a map with atomic operations. It stores the set of
// volume IDs with an ongoing operation. internal/registry holds one shared
// instance (Registry.Locks); no control-plane RPC acquires it.
type VolumeLocks struct {
	locks sets.Set[string]
	mux   sync.Mutex
}

// NewVolumeLocks returns a new VolumeLocks.
func NewVolumeLocks() *VolumeLocks {
	return &VolumeLocks{
		locks: sets.New[string](),
	}
}

// TryAcquire tries to acquire the lock for operating on id and returns true
// if successful. If another operation is already using id, returns false.
func (vl *VolumeLocks) TryAcquire(id string) bool {
	vl.mux.Lock()
	defer vl.mux.Unlock()
	if vl.locks.Has(id) {
		return false
	}
	vl.locks.Insert(id)

	return true
}

// Release deletes the lock on id.
func (vl *VolumeLocks) Release(id string) {
	vl.mux.Lock()
	defer vl.mux.Unlock()
	vl.locks.Delete(id)
}

// LockLevel names one of the three per-volume locks in the §5 discipline.
// Locks must always be acquired in the order Management, Snapshot, TLog.
type LockLevel int

const (
	// LockManagement guards cluster-wide operations on the volume
	// (create/delete/resize/migrate).
	LockManagement LockLevel = iota
	// LockSnapshot guards snapshot-manager mutations (create/delete/
	// restore/scrub-apply).
	LockSnapshot
	// LockTLog guards the current TLog and SCO (writes).
	LockTLog
)

// VolumeLockSet is the per-volume lock triple of spec.md §5. Reads take no
// lock; writes take TLog; snapshot operations take Snapshot then briefly
// TLog. The struct does not enforce acquisition order itself -- callers
// (internal/volume) are responsible for always acquiring in declared order
// and never holding TLog while blocked waiting for Management.
type VolumeLockSet struct {
	management sync.Mutex
	snapshot   sync.Mutex
	tlog       sync.Mutex
}

// Lock acquires the named lock level.
func (l *VolumeLockSet) Lock(level LockLevel) {
	switch level {
	case LockManagement:
		l.management.Lock()
	case LockSnapshot:
		l.snapshot.Lock()
	case LockTLog:
		l.tlog.Lock()
	}
}

// Unlock releases the named lock level.
func (l *VolumeLockSet) Unlock(level LockLevel) {
	switch level {
	case LockManagement:
		l.management.Unlock()
	case LockSnapshot:
		l.snapshot.Unlock()
	case LockTLog:
		l.tlog.Unlock()
	}
}
