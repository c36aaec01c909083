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

	"github.com/nimbusvol/volumedriver/internal/backend"
	"github.com/nimbusvol/volumedriver/internal/backendtasks"
	"github.com/nimbusvol/volumedriver/internal/manifest"
	"github.com/nimbusvol/volumedriver/internal/model"
	"github.com/nimbusvol/volumedriver/internal/tlog"
	"github.com/nimbusvol/volumedriver/internal/util"
	"github.com/nimbusvol/volumedriver/internal/util/log"
)

// RestoreSnapshot implements spec.md §4.5 restoreSnapshot. internal/metadata
// has no true point-in-time rollback (Store only exposes Cork/UncorkUpTo/
// ApplyRelocations, see DESIGN.md), so restore is implemented as a replay:
// the store is cleared and every Cluster entry of every TLog of the target
// snapshot and of every snapshot before it is re-applied in order, falling back to the backend for any TLog no longer
// held locally. This is equivalent to a true rollback because TLog Cluster
// entries are themselves the store's only write path (spec.md §4.3).
func (m *Manager) RestoreSnapshot(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, s := range m.m.Snapshots {
		if s.Name == name {
			idx = i

			break
		}
	}
	if idx < 0 {
		return util.NewErrSnapshotNotFound(name, fmt.Errorf("snapshot %q not found", name))
	}

	for _, later := range m.m.Snapshots[idx+1:] {
		if m.genealogy != nil && m.genealogy.HasLiveChildren(m.ns, later.UUID) {
			return util.NewErrObjectStillHasChildren(later.Name,
				fmt.Errorf("cannot roll back past snapshot %q: has live clones", later.Name))
		}
	}

	orphaned := orphanedTLogRefs(m.m.Snapshots[idx+1:], m.m.Current)
	var retained []manifest.TLogRef
	for _, s := range m.m.Snapshots[:idx+1] {
		retained = append(retained, s.TLogs...)
	}

	if err := m.store.Clear(); err != nil {
		return fmt.Errorf("snapshot: restore %q: clear store: %w", name, err)
	}

	for _, ref := range retained {
		if err := m.replayTLog(ctx, ref.ID); err != nil {
			return fmt.Errorf("snapshot: restore %q: replay tlog %s: %w", name, ref.ID, err)
		}
	}

	m.m.Snapshots = m.m.Snapshots[:idx+1]
	m.m.Current = nil
	if len(retained) > 0 {
		m.m.LastCork = retained[len(retained)-1].ID
		if err := m.store.Cork(m.m.LastCork); err != nil {
			return fmt.Errorf("snapshot: restore %q: cork %s: %w", name, m.m.LastCork, err)
		}
	}

	m.reclaimSCOs(ctx, orphaned)
	for _, id := range orphaned {
		m.enqueueTLogDelete(id)
	}
	m.enqueueManifestSave(ctx)

	return nil
}

// orphanedTLogRefs returns every TLog id referenced only by dropped
// snapshots (those strictly after the restore point) and the dropped
// current list, which become unreachable once the restore commits.
func orphanedTLogRefs(droppedSnapshots []manifest.Snapshot, current []manifest.TLogRef) []uuid.UUID {
	var ids []uuid.UUID
	for _, s := range droppedSnapshots {
		for _, ref := range s.TLogs {
			ids = append(ids, ref.ID)
		}
	}
	for _, ref := range current {
		ids = append(ids, ref.ID)
	}

	return ids
}

// readTLogEntries reads id's entries from local disk if the write pipeline
// hasn't deleted the file yet, falling back to the backend object
// otherwise.
func (m *Manager) readTLogEntries(ctx context.Context, id uuid.UUID) ([]tlog.Entry, error) {
	path := m.sealer.LocalPathFor(id)

	entries, err := tlog.ReadAll(path)
	if err == nil {
		return entries, nil
	}
	log.DebugLogMsg("snapshot: %s: tlog %s not local, fetching from backend: %s", m.ns, id, err)

	data, getErr := m.be.Get(ctx, m.ns, backend.TLogObjectName(id))
	if getErr != nil {
		return nil, getErr
	}

	return decodeTLogBytes(data)
}

// replayTLog re-applies id's Cluster entries to the metadata store.
func (m *Manager) replayTLog(ctx context.Context, id uuid.UUID) error {
	entries, err := m.readTLogEntries(ctx, id)
	if err != nil {
		return err
	}

	clusters := make([]model.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Tag == tlog.TagCluster {
			clusters = append(clusters, e.Cluster)
		}
	}
	if len(clusters) == 0 {
		return nil
	}

	return m.store.MultiSet(clusters)
}

// reclaimSCOs implements the SCO half of spec.md §4.5 deleteSnapshot/
// restoreSnapshot ("mark the snapshot's TLogs and SCOs deletable"/"delete
// orphaned TLogs and SCOs"): it reads the Cluster entries orphaned TLogs
// once held, and enqueues a DeleteObject task for every SCO number they
// referenced that the current metadata store no longer references anywhere
// (spec.md §4.4, the store is the one place that sees every live address
// regardless of which TLog last wrote it).
//
// It only runs when namespace ns has no live clone anywhere in its
// genealogy: a clone's own metadata can still point at one of this
// namespace's old SCO numbers long after this namespace itself stopped
// referencing it (spec.md §3 clone reads route to an ancestor's SCOs by
// number), and nothing in this namespace's own store reflects that. Rather
// than risk deleting a SCO a clone still depends on, reclamation is skipped
// entirely while any clone exists and the SCOs are left for a later pass
// once the clone relationship is gone.
func (m *Manager) reclaimSCOs(ctx context.Context, orphanedTLogIDs []uuid.UUID) {
	if len(orphanedTLogIDs) == 0 {
		return
	}
	if m.genealogy != nil && m.genealogy.HasAnyLiveChildren(m.ns) {
		log.DebugLogMsg("snapshot: %s: skipping sco reclamation, volume has live clones", m.ns)

		return
	}

	candidates := make(map[uint64]struct{})
	for _, id := range orphanedTLogIDs {
		entries, err := m.readTLogEntries(ctx, id)
		if err != nil {
			log.WarningLogMsg("snapshot: %s: sco reclamation: tlog %s unreadable, skipping: %s", m.ns, id, err)

			continue
		}
		for _, e := range entries {
			if e.Tag == tlog.TagCluster && e.Cluster.Location.CloneID == 0 && !e.Cluster.Location.IsZero() {
				candidates[e.Cluster.Location.SCONumber] = struct{}{}
			}
		}
	}
	if len(candidates) == 0 {
		return
	}

	live, err := m.store.LiveSCONumbers()
	if err != nil {
		log.WarningLogMsg("snapshot: %s: sco reclamation: read live set: %s", m.ns, err)

		return
	}

	for number := range candidates {
		if _, stillLive := live[number]; stillLive {
			continue
		}
		m.enqueueSCODelete(number)
	}
}

// enqueueSCODelete schedules removal of a SCO's backend object once
// reclaimSCOs has determined no live entry references it.
func (m *Manager) enqueueSCODelete(number uint64) {
	m.pipeline.Enqueue(&backendtasks.Task{
		Kind: backendtasks.DeleteObject,
		Execute: func(ctx context.Context) error {
			return m.be.Delete(ctx, m.ns, backend.SCOObjectName(number, 0), true)
		},
		OnTerminalFailure: func(err error) {
			log.WarningLogMsg("snapshot: %s: sco %d delete failed terminally, leaking object: %s", m.ns, number, err)
		},
	})
}

// decodeTLogBytes decodes a whole TLog object fetched from the backend,
// dropping a truncated trailing entry as tlog.ReadAll does for local files.
func decodeTLogBytes(data []byte) ([]tlog.Entry, error) {
	var entries []tlog.Entry
	for off := 0; off+tlog.EntrySize <= len(data); off += tlog.EntrySize {
		e, err := tlog.Decode(data[off : off+tlog.EntrySize])
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, nil
}
