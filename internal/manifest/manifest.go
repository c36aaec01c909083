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

// Package manifest implements the `snapshots` object of spec.md §3/§6: a
// schema-versioned, self-describing document that is the single source of
// truth for a volume's snapshot tree on recovery (spec.md §9, replacing the
// teacher domain's unversioned text serializer with an explicit version
// tag).
package manifest

import (
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is written into every manifest so that forward/backward
// compatibility of the format is auditable (spec.md §9).
const SchemaVersion = 1

// TLogRef names one TLog within a snapshot's ordered list, together with the
// single piece of state the backend task pipeline mutates once it has
// uploaded the object (spec.md §4.6 step 1).
type TLogRef struct {
	ID        uuid.UUID `json:"id"`
	InBackend bool      `json:"in_backend"`
}

// Snapshot is one named point in a volume's history (spec.md §3).
type Snapshot struct {
	Name         string    `json:"name"`
	UUID         uuid.UUID `json:"uuid"`
	Timestamp    time.Time `json:"timestamp"`
	Metadata     []byte    `json:"metadata,omitempty"`
	Scrubbed     bool      `json:"scrubbed"`
	ClusterCount uint64    `json:"cluster_count"`
	TLogs        []TLogRef `json:"tlogs"`
}

// ParentRef identifies the volume and snapshot a clone was created from.
type ParentRef struct {
	Namespace    string    `json:"namespace"`
	SnapshotUUID uuid.UUID `json:"snapshot_uuid"`
}

// Manifest is the full in-memory and on-the-wire shape of the `snapshots`
// backend object (spec.md §6).
type Manifest struct {
	SchemaVersion int        `json:"schema_version"`
	VolumeID      uuid.UUID  `json:"volume_id"`
	Parent        *ParentRef `json:"parent,omitempty"`
	Snapshots     []Snapshot `json:"snapshots"`
	Current       []TLogRef  `json:"current"`
	LastCork      uuid.UUID  `json:"last_cork"`
	ScrubID       uint64     `json:"scrub_id"`
	ReadOnly      bool       `json:"read_only"`
}

// New returns an empty manifest for a freshly created volume, optionally
// cloned from parent (spec.md §3 Lifecycle: Creation).
func New(volumeID uuid.UUID, parent *ParentRef) *Manifest {
	return &Manifest{
		SchemaVersion: SchemaVersion,
		VolumeID:      volumeID,
		Parent:        parent,
	}
}

// SnapshotByName returns the snapshot named name, or nil if absent.
func (m *Manifest) SnapshotByName(name string) *Snapshot {
	for i := range m.Snapshots {
		if m.Snapshots[i].Name == name {
			return &m.Snapshots[i]
		}
	}

	return nil
}

// HasSnapshot reports whether name already exists, for createSnapshot's
// uniqueness check (spec.md §4.5).
func (m *Manifest) HasSnapshot(name string) bool {
	return m.SnapshotByName(name) != nil
}

// AllTLogIDs returns every TLog id referenced anywhere in the manifest,
// current list included, in append order.
func (m *Manifest) AllTLogIDs() []uuid.UUID {
	var ids []uuid.UUID
	for _, s := range m.Snapshots {
		for _, t := range s.TLogs {
			ids = append(ids, t.ID)
		}
	}
	for _, t := range m.Current {
		ids = append(ids, t.ID)
	}

	return ids
}

// MarkInBackend sets the in_backend flag on the TLog identified by id,
// wherever it appears (current list or a sealed snapshot), and reports
// whether it was found.
func (m *Manifest) MarkInBackend(id uuid.UUID) bool {
	for i := range m.Current {
		if m.Current[i].ID == id {
			m.Current[i].InBackend = true

			return true
		}
	}
	for i := range m.Snapshots {
		for j := range m.Snapshots[i].TLogs {
			if m.Snapshots[i].TLogs[j].ID == id {
				m.Snapshots[i].TLogs[j].InBackend = true

				return true
			}
		}
	}

	return false
}
