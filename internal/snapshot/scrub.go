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

package snapshot

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nimbusvol/volumedriver/internal/manifest"
	"github.com/nimbusvol/volumedriver/internal/metadata"
	"github.com/nimbusvol/volumedriver/internal/util"
)

// WorkItem is one opaque unit of scrub work, covering a single snapshot not
// excluded by a live clone (spec.md §4.5 get_scrubbing_work).
type WorkItem struct {
	SnapshotName string
	SnapshotUUID uuid.UUID
	ScrubID      uint64
	TLogs        []manifest.TLogRef
}

// Result is the scrubber's opaque output, fed back through
// ApplyScrubbingResult. The scrubber itself is an external collaborator
// (spec.md §1 Non-goals); Manager only validates and applies its output.
type Result struct {
	SnapshotUUID uuid.UUID
	ScrubID      uint64
	CloneID      uint32
	Relocations  []metadata.Relocation
	// ReplacementTLogs are the scrubbed TLogs that replace the snapshot's
	// original TLog list in the persistor.
	ReplacementTLogs []manifest.TLogRef
}

// GetScrubbingWork implements spec.md §4.5 get_scrubbing_work: returns one
// work item per snapshot not excluded by a live clone (testable scenario
// S5: "getScrubbingWork(parent) raises ObjectStillHasChildren" if any
// candidate has live children -- scrubbing is refused wholesale rather than
// silently skipping the blocked snapshot, since a partial scrub result
// would reference a ScrubId the caller can't reason about).
func (m *Manager) GetScrubbingWork() ([]WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.m.ReadOnly {
		return nil, util.NewErrInvalidOperation(fmt.Errorf("volume %s is a template, read-only", m.volumeID))
	}

	items := make([]WorkItem, 0, len(m.m.Snapshots))
	for _, s := range m.m.Snapshots {
		if m.genealogy != nil && m.genealogy.HasLiveChildren(m.ns, s.UUID) {
			return nil, util.NewErrObjectStillHasChildren(s.Name,
				fmt.Errorf("snapshot %q has live clones, cannot scrub", s.Name))
		}
		items = append(items, WorkItem{
			SnapshotName: s.Name,
			SnapshotUUID: s.UUID,
			ScrubID:      m.m.ScrubID,
			TLogs:        s.TLogs,
		})
	}

	return items, nil
}

// ApplyScrubbingResult implements spec.md §4.5 apply_scrubbing_result:
// validates ScrubId against the store's current fencing token, applies the
// relocations, and replaces the affected snapshot's TLog list with the
// scrubbed replacements.
func (m *Manager) ApplyScrubbingResult(ctx context.Context, result Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if result.ScrubID != m.store.ScrubID() {
		return util.NewErrInvalidOperation(
			fmt.Errorf("stale scrub_id %d, store is at %d", result.ScrubID, m.store.ScrubID()))
	}

	var target *manifest.Snapshot
	for i := range m.m.Snapshots {
		if m.m.Snapshots[i].UUID == result.SnapshotUUID {
			target = &m.m.Snapshots[i]

			break
		}
	}
	if target == nil {
		return util.NewErrSnapshotNotFound(result.SnapshotUUID.String(),
			fmt.Errorf("snapshot %s not found", result.SnapshotUUID))
	}

	if err := m.store.ApplyRelocations(result.ScrubID, result.CloneID, result.Relocations); err != nil {
		return fmt.Errorf("snapshot: apply scrub result: %w", err)
	}

	old := target.TLogs
	target.TLogs = result.ReplacementTLogs
	target.Scrubbed = true
	m.m.ScrubID++

	for _, ref := range old {
		m.enqueueTLogDelete(ref.ID)
	}
	m.enqueueManifestSave(ctx)

	return nil
}
