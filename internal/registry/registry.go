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

// Package registry implements the process-wide volume registry of spec.md
// §9's cyclic-ownership fix: rather than a volume, its snapshot manager and
// its DTL client holding owning pointers to each other, every long-lived
// collaborator resolves a peer volume through this registry by VolumeId,
// and cross-volume state (clone genealogy) lives here instead of being
// reached through a parent pointer.
package registry

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nimbusvol/volumedriver/internal/snapshot"
	"github.com/nimbusvol/volumedriver/internal/util"
)

// Handle is the narrow surface a registered volume exposes to the rest of
// the process -- just enough to halt it and identify it, never the
// volume's own concrete type, so registry does not import internal/volume;
// internal/controlplane imports both and registers each opened volume.
type Handle interface {
	ID() uuid.UUID
	Namespace() string
	Halt(error)
}

// Registry is the process-wide VolumeId -> Handle map, plus the single
// Genealogy instance shared by every volume's snapshot.Manager (spec.md §3:
// "a snapshot with live children must not be deleted or rolled back past"
// requires cross-volume bookkeeping no single volume can own alone).
type Registry struct {
	mu      sync.RWMutex
	volumes map[uuid.UUID]Handle

	genealogy *snapshot.Genealogy
	locks     *util.VolumeLocks
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		volumes:   make(map[uuid.UUID]Handle),
		genealogy: snapshot.NewGenealogy(),
		locks:     util.NewVolumeLocks(),
	}
}

// Genealogy returns the Registry's shared clone-lineage tracker, passed to
// every volume's snapshot.Manager at construction.
func (r *Registry) Genealogy() *snapshot.Genealogy {
	return r.genealogy
}

// Locks returns the Registry's shared VolumeLocks set. No control-plane RPC
// acquires it, CreateVolume included.
func (r *Registry) Locks() *util.VolumeLocks {
	return r.locks
}

// Register adds h, keyed by h.ID(). Returns an error if a volume is already
// registered under that id (spec.md §3: volume ids are unique for the
// lifetime of the process).
func (r *Registry) Register(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.volumes[h.ID()]; exists {
		return fmt.Errorf("registry: volume %s is already registered", h.ID())
	}
	r.volumes[h.ID()] = h

	return nil
}

// Unregister removes id, a no-op if id was never registered (spec.md §3
// Lifecycle: Deletion, called once a volume has finished draining).
func (r *Registry) Unregister(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.volumes, id)
}

// Lookup returns the Handle registered under id, if any.
func (r *Registry) Lookup(id uuid.UUID) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.volumes[id]

	return h, ok
}

// HaltAll halts every currently registered volume, used on fencing loss of
// the process-wide cluster lock (spec.md §7 "Fencing": "current volume
// halts immediately").
func (r *Registry) HaltAll(cause error) {
	r.mu.RLock()
	handles := make([]Handle, 0, len(r.volumes))
	for _, h := range r.volumes {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	for _, h := range handles {
		h.Halt(cause)
	}
}

// Len reports how many volumes are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.volumes)
}
