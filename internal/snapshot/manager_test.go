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
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nimbusvol/volumedriver/internal/backend"
	"github.com/nimbusvol/volumedriver/internal/backendtasks"
	"github.com/nimbusvol/volumedriver/internal/manifest"
	"github.com/nimbusvol/volumedriver/internal/metadata"
	"github.com/nimbusvol/volumedriver/internal/model"
	"github.com/nimbusvol/volumedriver/internal/tlog"
	"github.com/nimbusvol/volumedriver/internal/util"
)

// fakeSealer stands in for the write pipeline's TLog rollover, per
// TLogSealer's doc comment: the snapshot manager never owns TLog state
// itself.
type fakeSealer struct {
	dir      string
	sealedID uuid.UUID
}

func newFakeSealer(dir string) *fakeSealer {
	return &fakeSealer{dir: dir}
}

func (f *fakeSealer) SealCurrentTLog() (TLogSeal, uuid.UUID, error) {
	id := uuid.New()
	next := uuid.New()
	path := filepath.Join(f.dir, id.String()+".tlog")

	w, err := tlog.OpenWriter(tlogAt(path), 64)
	if err != nil {
		return TLogSeal{}, uuid.Nil, err
	}
	if err := w.Append(tlog.Entry{
		Tag:     tlog.TagCluster,
		Cluster: model.Entry{Address: 0, Location: model.ClusterLocation{SCONumber: 1}},
	}); err != nil {
		return TLogSeal{}, uuid.Nil, err
	}
	crc, err := w.Close()
	if err != nil {
		return TLogSeal{}, uuid.Nil, err
	}

	f.sealedID = id

	return TLogSeal{ID: id, Path: path, CRC: crc}, next, nil
}

func (f *fakeSealer) LocalPathFor(id uuid.UUID) string {
	return filepath.Join(f.dir, id.String()+".tlog")
}

func tlogAt(path string) tlog.TLog {
	return tlog.TLog{Path: path}
}

type fakeDTL struct {
	removedUpTo []string
}

func (f *fakeDTL) RemoveUpTo(_ context.Context, sco string) error {
	f.removedUpTo = append(f.removedUpTo, sco)

	return nil
}

type testHarness struct {
	mgr       *Manager
	be        backend.Interface
	store     metadata.Store
	sealer    *fakeSealer
	dtl       *fakeDTL
	genealogy *Genealogy
	ns        string
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	ctx := context.Background()
	be, err := backend.NewLocalConnection(t.TempDir())
	require.NoError(t, err)
	ns := "vol1"
	require.NoError(t, be.CreateNamespace(ctx, ns, true))

	store, err := metadata.OpenBoltStore(filepath.Join(t.TempDir(), "md.db"), 4)
	require.NoError(t, err)

	cache := util.NewCachePersister(t.TempDir(), "manifests")
	persistor := manifest.NewPersistor(be, ns, cache)

	sealer := newFakeSealer(t.TempDir())
	dtl := &fakeDTL{}
	gen := NewGenealogy()

	volumeID := uuid.New()
	m := manifest.New(volumeID, nil)

	mgr := New(Config{
		Namespace: ns,
		VolumeID:  volumeID,
		Backend:   be,
		Persistor: persistor,
		Store:     store,
		Pipeline:  backendtasks.New(ns, 4),
		Sealer:    sealer,
		DTL:       dtl,
		Genealogy: gen,
	}, m)

	return &testHarness{mgr: mgr, be: be, store: store, sealer: sealer, dtl: dtl, genealogy: gen, ns: ns}
}

func TestCreateSnapshotAppendsAndCorks(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	require.NoError(t, h.mgr.CreateSnapshot(ctx, "snap1", nil, uuid.Nil, false))

	m := h.mgr.Manifest()
	require.True(t, m.HasSnapshot("snap1"))
	require.Len(t, m.Snapshots[0].TLogs, 1)
	require.NotEqual(t, uuid.Nil, m.LastCork)
}

func TestCreateSnapshotRejectsDuplicateName(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	require.NoError(t, h.mgr.CreateSnapshot(ctx, "snap1", nil, uuid.Nil, false))
	err := h.mgr.CreateSnapshot(ctx, "snap1", nil, uuid.Nil, false)
	require.Error(t, err)
	require.IsType(t, util.ErrFileExists{}, err)
}

func TestCreateSnapshotRejectsOversizedMetadata(t *testing.T) {
	h := newTestHarness(t)
	err := h.mgr.CreateSnapshot(context.Background(), "snap1", make([]byte, DefaultMaxSnapshotMetadataSize+1), uuid.Nil, false)
	require.Error(t, err)
	require.IsType(t, util.ErrInvalidOperation{}, err)
}

func TestDeleteSnapshotRefusesLiveChildren(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	require.NoError(t, h.mgr.CreateSnapshot(ctx, "snap1", nil, uuid.Nil, false))

	snapUUID := h.mgr.Manifest().Snapshots[0].UUID
	h.genealogy.RegisterClone(h.ns, snapUUID, "clone1")

	err := h.mgr.DeleteSnapshot("snap1")
	require.Error(t, err)
	require.IsType(t, util.ErrObjectStillHasChildren{}, err)

	h.genealogy.UnregisterClone(h.ns, snapUUID, "clone1")
	require.NoError(t, h.mgr.DeleteSnapshot("snap1"))
	require.False(t, h.mgr.Manifest().HasSnapshot("snap1"))
}

func TestDeleteSnapshotUnknownNameFails(t *testing.T) {
	h := newTestHarness(t)
	err := h.mgr.DeleteSnapshot("nope")
	require.Error(t, err)
	require.IsType(t, util.ErrSnapshotNotFound{}, err)
}

func TestSetAsTemplateIsIdempotentAndLocksOutWrites(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	require.NoError(t, h.mgr.CreateSnapshot(ctx, "snap1", nil, uuid.Nil, false))
	require.NoError(t, h.mgr.SetAsTemplate(ctx, "template", nil, uuid.Nil))
	require.True(t, h.mgr.Manifest().ReadOnly)
	require.Len(t, h.mgr.Manifest().Snapshots, 1)
	require.Equal(t, "template", h.mgr.Manifest().Snapshots[0].Name)

	// idempotent: calling again on an already read-only volume is a no-op,
	// not an error (testable property 5).
	require.NoError(t, h.mgr.SetAsTemplate(ctx, "template2", nil, uuid.Nil))
	require.Equal(t, "template", h.mgr.Manifest().Snapshots[0].Name)

	// createSnapshot / getScrubbingWork on a template fail with
	// InvalidOperation.
	err := h.mgr.CreateSnapshot(ctx, "snap2", nil, uuid.Nil, false)
	require.Error(t, err)
	require.IsType(t, util.ErrInvalidOperation{}, err)

	_, err = h.mgr.GetScrubbingWork()
	require.Error(t, err)
	require.IsType(t, util.ErrInvalidOperation{}, err)
}

func TestGetScrubbingWorkExcludesLiveChildren(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	require.NoError(t, h.mgr.CreateSnapshot(ctx, "snap1", nil, uuid.Nil, false))

	work, err := h.mgr.GetScrubbingWork()
	require.NoError(t, err)
	require.Len(t, work, 1)

	snapUUID := h.mgr.Manifest().Snapshots[0].UUID
	h.genealogy.RegisterClone(h.ns, snapUUID, "clone1")

	_, err = h.mgr.GetScrubbingWork()
	require.Error(t, err)
	require.IsType(t, util.ErrObjectStillHasChildren{}, err)
}

func TestApplyScrubbingResultRejectsStaleScrubID(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	require.NoError(t, h.mgr.CreateSnapshot(ctx, "snap1", nil, uuid.Nil, false))

	snapUUID := h.mgr.Manifest().Snapshots[0].UUID
	err := h.mgr.ApplyScrubbingResult(ctx, Result{SnapshotUUID: snapUUID, ScrubID: 99})
	require.Error(t, err)
	require.IsType(t, util.ErrInvalidOperation{}, err)
}

func TestApplyScrubbingResultReplacesTLogsAndBumpsScrubID(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	require.NoError(t, h.mgr.CreateSnapshot(ctx, "snap1", nil, uuid.Nil, false))

	snapUUID := h.mgr.Manifest().Snapshots[0].UUID
	newTLog := manifest.TLogRef{ID: uuid.New(), InBackend: true}

	err := h.mgr.ApplyScrubbingResult(ctx, Result{
		SnapshotUUID:     snapUUID,
		ScrubID:          0,
		CloneID:          0,
		ReplacementTLogs: []manifest.TLogRef{newTLog},
	})
	require.NoError(t, err)

	snap := h.mgr.Manifest().SnapshotByName("snap1")
	require.True(t, snap.Scrubbed)
	require.Equal(t, []manifest.TLogRef{newTLog}, snap.TLogs)
	require.Equal(t, uint64(1), h.mgr.Manifest().ScrubID)
}

func TestDeleteSnapshotReclaimsOrphanedSCO(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	require.NoError(t, h.mgr.CreateSnapshot(ctx, "snap1", nil, uuid.Nil, false))

	scoName := backend.SCOObjectName(1, 0)
	require.NoError(t, h.be.Put(ctx, h.ns, scoName, []byte("payload"), true, 0))

	require.NoError(t, h.mgr.DeleteSnapshot("snap1"))

	require.Eventually(t, func() bool {
		_, err := h.be.Get(ctx, h.ns, scoName)

		return err != nil
	}, time.Second, 10*time.Millisecond, "orphaned sco was not reclaimed")
}

func TestDeleteSnapshotSkipsSCOReclamationWithLiveClone(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	require.NoError(t, h.mgr.CreateSnapshot(ctx, "snap1", nil, uuid.Nil, false))
	require.NoError(t, h.mgr.CreateSnapshot(ctx, "snap2", nil, uuid.Nil, false))

	scoName := backend.SCOObjectName(1, 0)
	require.NoError(t, h.be.Put(ctx, h.ns, scoName, []byte("payload"), true, 0))

	h.genealogy.RegisterClone(h.ns, h.mgr.Manifest().Snapshots[1].UUID, "clone1")

	require.NoError(t, h.mgr.DeleteSnapshot("snap1"))

	time.Sleep(50 * time.Millisecond)
	_, err := h.be.Get(ctx, h.ns, scoName)
	require.NoError(t, err, "sco should be left alone while the volume still has a live clone")
}

func TestRestoreSnapshotReplaysRetainedTLogs(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	require.NoError(t, h.mgr.CreateSnapshot(ctx, "snap1", nil, uuid.Nil, false))
	require.NoError(t, h.mgr.CreateSnapshot(ctx, "snap2", nil, uuid.Nil, false))
	require.Len(t, h.mgr.Manifest().Snapshots, 2)

	require.NoError(t, h.mgr.RestoreSnapshot(ctx, "snap1"))

	m := h.mgr.Manifest()
	require.Len(t, m.Snapshots, 1)
	require.Equal(t, "snap1", m.Snapshots[0].Name)

	e, err := h.store.Get(0)
	require.NoError(t, err)
	require.False(t, e.Location.IsZero())
}

func TestRestoreSnapshotRefusesPastLiveChildren(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	require.NoError(t, h.mgr.CreateSnapshot(ctx, "snap1", nil, uuid.Nil, false))
	require.NoError(t, h.mgr.CreateSnapshot(ctx, "snap2", nil, uuid.Nil, false))

	snap2UUID := h.mgr.Manifest().Snapshots[1].UUID
	h.genealogy.RegisterClone(h.ns, snap2UUID, "clone1")

	err := h.mgr.RestoreSnapshot(ctx, "snap1")
	require.Error(t, err)
	require.IsType(t, util.ErrObjectStillHasChildren{}, err)
}

func TestRestoreSnapshotUnknownNameFails(t *testing.T) {
	h := newTestHarness(t)
	err := h.mgr.RestoreSnapshot(context.Background(), "nope")
	require.Error(t, err)
	require.IsType(t, util.ErrSnapshotNotFound{}, err)
}

func TestEnqueueTLogUploadPersistsManifestOnSuccess(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	require.NoError(t, h.mgr.CreateSnapshot(ctx, "snap1", nil, uuid.Nil, false))

	require.Eventually(t, func() bool {
		data, err := h.be.Get(ctx, h.ns, backend.ManifestObject)

		return err == nil && len(data) > 0
	}, time.Second, 10*time.Millisecond, "manifest was not persisted to the backend")

	require.Eventually(t, func() bool {
		_, err := h.be.Get(ctx, h.ns, backend.TLogObjectName(h.sealer.sealedID))

		return err == nil
	}, time.Second, 10*time.Millisecond, "tlog was not uploaded to the backend")
}
