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

// Package snapshot implements the Snapshot Manager of spec.md §4.5: TLog
// rollover bookkeeping, snapshot create/delete/restore, templates, and the
// scrub work/result hand-off, all recorded in the `snapshots` manifest.
package snapshot

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusvol/volumedriver/internal/backend"
	"github.com/nimbusvol/volumedriver/internal/backendtasks"
	"github.com/nimbusvol/volumedriver/internal/manifest"
	"github.com/nimbusvol/volumedriver/internal/metadata"
	"github.com/nimbusvol/volumedriver/internal/util"
	"github.com/nimbusvol/volumedriver/internal/util/log"
)

// DefaultMaxSnapshotMetadataSize caps the user metadata blob attached to a
// snapshot (spec.md §4.5).
const DefaultMaxSnapshotMetadataSize = 4096

// TLogSeal describes the TLog a rollover just sealed (spec.md §4.3).
type TLogSeal struct {
	ID   uuid.UUID
	Path string
	CRC  uint32
	// SCO is the object name of the SCO sealed immediately before this
	// TLog, if any (used to drive DTLClient.RemoveUpTo once the TLog is
	// durable on the backend).
	SCO string
}

// TLogSealer seals the currently open TLog and opens the next one, a
// responsibility spec.md §4.1/§4.3 places on the write pipeline rather than
// the snapshot manager; Manager calls it rather than owning TLog state
// itself.
type TLogSealer interface {
	SealCurrentTLog() (sealed TLogSeal, nextID uuid.UUID, err error)
	// LocalPathFor returns the on-disk path a TLog would live at if still
	// present locally, for restore's replay (spec.md §4.5 restoreSnapshot).
	LocalPathFor(id uuid.UUID) string
}

// DTLClient is the subset of internal/dtl.Client the snapshot manager
// drives once a TLog is confirmed durable on the backend (spec.md §4.6 step
// 4).
type DTLClient interface {
	RemoveUpTo(ctx context.Context, sco string) error
}

// Manager orchestrates snapshot lifecycle for one volume (spec.md §4.5,
// the "top" of the component stack in §2).
type Manager struct {
	ns       string
	volumeID uuid.UUID

	be        backend.Interface
	persistor *manifest.Persistor
	store     metadata.Store
	pipeline  *backendtasks.Pipeline
	sealer    TLogSealer
	dtl       DTLClient // nil if the volume has no configured peer
	genealogy *Genealogy

	maxSnapshotMetadataSize int

	// Halt is passed as the OnTerminalFailure of the WriteTLog and
	// WriteSnapshot tasks this Manager enqueues (spec.md §7 "Backend fatal"
	// error kind). Both kinds retry without limit, so the pipeline never
	// calls it.
	Halt func(error)

	mu sync.Mutex
	m  *manifest.Manifest
}

// Config bundles Manager's collaborators, constructed once per volume.
type Config struct {
	Namespace string
	VolumeID  uuid.UUID
	Backend   backend.Interface
	Persistor *manifest.Persistor
	Store     metadata.Store
	Pipeline  *backendtasks.Pipeline
	Sealer    TLogSealer
	DTL       DTLClient
	Genealogy *Genealogy
}

// New returns a Manager starting from an already-loaded manifest m.
func New(cfg Config, m *manifest.Manifest) *Manager {
	maxMeta := DefaultMaxSnapshotMetadataSize

	return &Manager{
		ns:                      cfg.Namespace,
		volumeID:                cfg.VolumeID,
		be:                      cfg.Backend,
		persistor:               cfg.Persistor,
		store:                   cfg.Store,
		pipeline:                cfg.Pipeline,
		sealer:                  cfg.Sealer,
		dtl:                     cfg.DTL,
		genealogy:               cfg.Genealogy,
		maxSnapshotMetadataSize: maxMeta,
		m:                       m,
	}
}

// Manifest returns the manager's live manifest, not a copy. It must not be
// mutated by the caller.
func (m *Manager) Manifest() *manifest.Manifest {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.m
}

// CreateSnapshot implements spec.md §4.5 createSnapshot: fails if name
// already exists or meta exceeds the size limit; otherwise seals the
// current TLog, records the snapshot, persists the manifest, and enqueues
// the uploads.
func (m *Manager) CreateSnapshot(ctx context.Context, name string, meta []byte, id uuid.UUID, asScrubbed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.m.ReadOnly {
		return util.NewErrInvalidOperation(fmt.Errorf("volume %s is a template, read-only", m.volumeID))
	}
	if m.m.HasSnapshot(name) {
		return util.NewErrFileExists(name, fmt.Errorf("snapshot %q already exists", name))
	}
	if len(meta) > m.maxSnapshotMetadataSize {
		return util.NewErrInvalidOperation(fmt.Errorf("snapshot metadata exceeds %d bytes", m.maxSnapshotMetadataSize))
	}
	if id == uuid.Nil {
		id = uuid.New()
	}

	sealed, nextID, err := m.sealer.SealCurrentTLog()
	if err != nil {
		return fmt.Errorf("snapshot: seal current tlog: %w", err)
	}

	tlogs := append(m.m.Current, manifest.TLogRef{ID: sealed.ID})
	m.m.Snapshots = append(m.m.Snapshots, manifest.Snapshot{
		Name:      name,
		UUID:      id,
		Timestamp: time.Now(),
		Metadata:  meta,
		Scrubbed:  asScrubbed,
		TLogs:     tlogs,
	})
	m.m.Current = nil
	m.m.LastCork = nextID

	if err := m.store.Cork(nextID); err != nil {
		return fmt.Errorf("snapshot: cork %s: %w", nextID, err)
	}

	m.enqueueTLogUpload(sealed)
	m.enqueueManifestSave(ctx)

	return nil
}

// RolloverTLog records a TLog sealed by a size- or checkpoint-triggered
// rollover -- as opposed to one sealed by createSnapshot -- as the tail of
// the current (unnamed) snapshot, and enqueues its upload (spec.md §4.3
// TLog rollover steps 5-7).
func (m *Manager) RolloverTLog(ctx context.Context, sealed TLogSeal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.m.Current = append(m.m.Current, manifest.TLogRef{ID: sealed.ID})

	m.enqueueTLogUpload(sealed)
	m.enqueueManifestSave(ctx)

	return nil
}

// enqueueTLogUpload schedules the barrier WriteTLog task for a just-sealed
// TLog (spec.md §4.3 step 6, §4.6).
func (m *Manager) enqueueTLogUpload(sealed TLogSeal) {
	m.pipeline.Enqueue(&backendtasks.Task{
		Kind: backendtasks.WriteTLog,
		Execute: func(ctx context.Context) error {
			data, err := os.ReadFile(sealed.Path) //nolint:gosec
			if err != nil {
				return err
			}

			return m.be.Put(ctx, m.ns, backend.TLogObjectName(sealed.ID), data, false, sealed.CRC)
		},
		Vanished: func() bool {
			_, err := os.Stat(sealed.Path)
			if !os.IsNotExist(err) {
				return false
			}

			m.mu.Lock()
			stillReferenced := false
			for _, id := range m.m.AllTLogIDs() {
				if id == sealed.ID {
					stillReferenced = true

					break
				}
			}
			m.mu.Unlock()

			return !stillReferenced
		},
		OnSuccess: func() {
			m.onTLogUploaded(sealed)
		},
		OnTerminalFailure: func(err error) {
			log.ErrorLogMsg("snapshot: %s: tlog %s upload failed terminally: %s", m.ns, sealed.ID, err)
			if m.Halt != nil {
				m.Halt(err)
			}
		},
	})
}

// onTLogUploaded runs the spec.md §4.6 step 4 callback sequence once a TLog
// is durable on the backend.
func (m *Manager) onTLogUploaded(sealed TLogSeal) {
	m.mu.Lock()
	m.m.MarkInBackend(sealed.ID)
	m.mu.Unlock()

	m.enqueueManifestSave(context.Background())

	if err := m.store.UncorkUpTo(sealed.ID); err != nil {
		log.WarningLogMsg("snapshot: %s: uncork up to %s: %s", m.ns, sealed.ID, err)
	}

	if m.dtl != nil && sealed.SCO != "" {
		if err := m.dtl.RemoveUpTo(context.Background(), sealed.SCO); err != nil {
			log.WarningLogMsg("snapshot: %s: dtl remove_up_to %s: %s", m.ns, sealed.SCO, err)
		}
	}

	if err := os.Remove(sealed.Path); err != nil && !os.IsNotExist(err) {
		log.WarningLogMsg("snapshot: %s: delete local tlog %s: %s", m.ns, sealed.Path, err)
	}
}

// enqueueManifestSave schedules the barrier WriteSnapshot task that
// persists the current in-memory manifest (spec.md §4.6).
func (m *Manager) enqueueManifestSave(ctx context.Context) {
	m.pipeline.Enqueue(&backendtasks.Task{
		Kind: backendtasks.WriteSnapshot,
		Execute: func(ctx context.Context) error {
			m.mu.Lock()
			snapshot := *m.m
			snapshot.Snapshots = append([]manifest.Snapshot(nil), m.m.Snapshots...)
			m.mu.Unlock()

			return m.persistor.Save(ctx, &snapshot)
		},
		OnTerminalFailure: func(err error) {
			log.ErrorLogMsg("snapshot: %s: manifest upload failed terminally: %s", m.ns, err)
			if m.Halt != nil {
				m.Halt(err)
			}
		},
	})
}

// DeleteSnapshot implements spec.md §4.5 deleteSnapshot: refuses a snapshot
// with live clone children (testable property 4 "Clone lineage safety"),
// otherwise removes it from the manifest and enqueues deletion of every
// TLog it alone referenced, plus any SCO those TLogs alone referenced (see
// reclaimSCOs).
func (m *Manager) DeleteSnapshot(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.m.SnapshotByName(name)
	if snap == nil {
		return util.NewErrSnapshotNotFound(name, fmt.Errorf("snapshot %q not found", name))
	}
	if m.genealogy != nil && m.genealogy.HasLiveChildren(m.ns, snap.UUID) {
		return util.NewErrObjectStillHasChildren(name, fmt.Errorf("snapshot %q has live clones", name))
	}

	kept := make([]manifest.Snapshot, 0, len(m.m.Snapshots)-1)
	for _, s := range m.m.Snapshots {
		if s.Name != name {
			kept = append(kept, s)
		}
	}
	m.m.Snapshots = kept

	tlogIDs := make([]uuid.UUID, 0, len(snap.TLogs))
	for _, ref := range snap.TLogs {
		tlogIDs = append(tlogIDs, ref.ID)
	}
	m.reclaimSCOs(context.Background(), tlogIDs)
	for _, id := range tlogIDs {
		m.enqueueTLogDelete(id)
	}
	m.enqueueManifestSave(context.Background())

	return nil
}

// enqueueTLogDelete schedules removal of a sealed TLog's backend object
// once its owning snapshot is gone (spec.md §4.5 step 2).
func (m *Manager) enqueueTLogDelete(id uuid.UUID) {
	m.pipeline.Enqueue(&backendtasks.Task{
		Kind: backendtasks.DeleteObject,
		Execute: func(ctx context.Context) error {
			return m.be.Delete(ctx, m.ns, backend.TLogObjectName(id), true)
		},
		OnTerminalFailure: func(err error) {
			log.WarningLogMsg("snapshot: %s: tlog %s delete failed terminally, leaking object: %s", m.ns, id, err)
		},
	})
}
