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

// Package metadata implements the per-volume metadata store of spec.md §3/
// §4.4: the mapping ClusterAddress -> (ClusterLocation, Hash), backed by
// paged storage with an in-memory page cache, corking, and relocation
// rewrites for scrubbing.
package metadata

import (
	"github.com/google/uuid"

	"github.com/nimbusvol/volumedriver/internal/model"
)

// Relocation rewrites the location of addr from old to new, as produced by
// applying a scrub result (spec.md §4.5 apply_scrubbing_result).
type Relocation struct {
	Address model.ClusterAddress
	OldLoc  model.ClusterLocation
	NewLoc  model.ClusterLocation
}

// Stats tracks page cache occupancy, matching the teacher domain's
// MetaDataStoreStats counters (SPEC_FULL.md §3 supplemented features).
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	PagesUsed int
}

// Store is the metadata store contract of spec.md §4.4.
type Store interface {
	// Get returns the location and hash last written for addr, or the zero
	// model.Entry if addr has never been written.
	Get(addr model.ClusterAddress) (model.Entry, error)
	// MultiSet atomically applies a batch of entries. Entries carry no cork
	// tag; the cork is tracked only as the store's current value.
	MultiSet(entries []model.Entry) error
	// MultiGet looks up a batch of addresses in one call.
	MultiGet(addrs []model.ClusterAddress) ([]model.Entry, error)
	// LiveSCONumbers returns the set of this volume's own SCO numbers
	// (CloneID == 0) still referenced by some entry in the store, for SCO
	// reclamation after a snapshot delete/restore (spec.md §4.5).
	LiveSCONumbers() (map[uint64]struct{}, error)

	// Cork opens a new write epoch by recording id as the current cork,
	// returned by CurrentCork; it does not tag the entries that later
	// MultiSet calls write.
	Cork(id uuid.UUID) error
	// UncorkUpTo declares every mutation up to and including id durable on
	// the backend, allowing its pages to be flushed/retired.
	UncorkUpTo(id uuid.UUID) error
	// CurrentCork returns the currently open cork id.
	CurrentCork() uuid.UUID

	// ApplyRelocations atomically rewrites a batch of (addr, old) -> new
	// mappings and bumps the store's ScrubId, invalidating any in-flight
	// duplicate relocation batches racing against this one.
	ApplyRelocations(scrubID uint64, cloneID uint32, relocations []Relocation) error
	// ScrubID returns the current fencing token.
	ScrubID() uint64

	// Clear discards all entries (used when a volume is deleted or a
	// restore truncates the store back to nothing).
	Clear() error
	// CatchUp replays the store's own durable journal; dryRun inspects
	// without mutating. Returns the number of entries replayed.
	CatchUp(dryRun bool) (int, error)

	// Stats returns the page cache's current counters.
	Stats() Stats

	// Close releases any resources (file handles) held by the store.
	Close() error
}
