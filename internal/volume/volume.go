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

package volume

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusvol/volumedriver/internal/backend"
	"github.com/nimbusvol/volumedriver/internal/backendtasks"
	"github.com/nimbusvol/volumedriver/internal/dtl"
	"github.com/nimbusvol/volumedriver/internal/manifest"
	"github.com/nimbusvol/volumedriver/internal/metadata"
	"github.com/nimbusvol/volumedriver/internal/scocache"
	"github.com/nimbusvol/volumedriver/internal/snapshot"
	"github.com/nimbusvol/volumedriver/internal/tlog"
	"github.com/nimbusvol/volumedriver/internal/util"
	"github.com/nimbusvol/volumedriver/internal/util/log"
)

// Volume is the spec.md §3 Volume: a namespace, its configuration, metadata
// store, snapshot manager, DTL client and the current open TLog/SCO,
// reachable only through the three-lock discipline of §5.
type Volume struct {
	cfg Config

	be        backend.Interface
	store     metadata.Store
	persistor *manifest.Persistor
	pipeline  *backendtasks.Pipeline
	snapMgr   *snapshot.Manager
	scoCache  *scocache.Cache
	dtlClient *dtl.Client

	locks util.VolumeLockSet

	// rollover state, guarded by locks.tlog (taken via Lock(LockTLog)).
	tlogID         uuid.UUID
	tlogWriter     *tlog.Writer
	scoNumber      uint64
	scoFile        *scoWriter
	pendingSCOSeal string // object name of the most recently sealed SCO, recorded for the next WriteTLog's DTL RemoveUpTo call

	// sync_ignore bookkeeping (spec.md §4.1), guarded by locks.tlog since
	// only Sync reads or mutates it.
	ignoredSyncs int
	lastDTLDrain time.Time

	halted  atomic.Bool
	haltErr atomic.Value // error

	mu sync.Mutex // guards tlogID/scoNumber bookkeeping read by TLogSealer callers outside the tlog lock
}

// Open constructs a Volume for an already-created namespace, loading its
// manifest (or, when the namespace has none yet, persisting an empty one)
// and metadata store and opening a fresh local TLog/SCO pair.
// Creation of the namespace itself (spec.md §3 Lifecycle: Creation) is the
// control plane's responsibility (internal/controlplane), not Open's.
func Open(cfg Config, be backend.Interface, store metadata.Store, cache util.CachePersister, pipeline *backendtasks.Pipeline, genealogy *snapshot.Genealogy) (*Volume, error) {
	persistor := manifest.NewPersistor(be, cfg.Namespace, cache)

	m, err := persistor.Load(context.Background())
	if errors.As(err, &util.ErrObjectNotFound{}) {
		m = manifest.New(cfg.VolumeID, nil)
		err = persistor.Save(context.Background(), m)
	}
	if err != nil {
		return nil, fmt.Errorf("volume: load manifest for %s: %w", cfg.Namespace, err)
	}

	v := &Volume{
		cfg:       cfg,
		be:        be,
		store:     store,
		persistor: persistor,
		pipeline:  pipeline,
		scoCache:  scocache.New(),
		dtlClient: cfg.DTL,
	}

	if cfg.SCOCacheMaxNonDisposable > 0 {
		v.scoCache.SetVolumeQuota(cfg.Namespace, cfg.SCOCacheMaxNonDisposable)
	}

	snapCfg := snapshot.Config{
		Namespace: cfg.Namespace,
		VolumeID:  cfg.VolumeID,
		Backend:   be,
		Persistor: persistor,
		Store:     store,
		Pipeline:  pipeline,
		Sealer:    v,
		Genealogy: genealogy,
	}
	if cfg.DTL != nil {
		snapCfg.DTL = cfg.DTL
	}
	v.snapMgr = snapshot.New(snapCfg, m)
	v.snapMgr.Halt = v.Halt

	if err := v.openNextTLog(); err != nil {
		return nil, err
	}
	if err := v.openNextSCO(); err != nil {
		return nil, err
	}

	if cfg.DTL != nil {
		cfg.DTL.Initialize(func() {
			log.WarningLogMsg("volume: %s: dtl client degraded", cfg.Namespace)
		})
	}

	return v, nil
}

// ID implements registry.Handle.
func (v *Volume) ID() uuid.UUID { return v.cfg.VolumeID }

// Namespace implements registry.Handle.
func (v *Volume) Namespace() string { return v.cfg.Namespace }

// Halt transitions the volume to the halted terminal state (spec.md §7
// "Backend fatal"/"Fencing"): every subsequent Write/Read/Sync/Resize call
// returns util.ErrHalted until an operator intervenes.
func (v *Volume) Halt(cause error) {
	if !v.halted.CompareAndSwap(false, true) {
		return
	}
	v.haltErr.Store(cause)
	log.ErrorLogMsg("volume: %s: halted: %s", v.cfg.Namespace, cause)
}

// Halted reports whether the volume has halted and, if so, the cause.
func (v *Volume) Halted() (bool, error) {
	if !v.halted.Load() {
		return false, nil
	}
	cause, _ := v.haltErr.Load().(error)

	return true, cause
}

// logContext tags ctx with this volume's namespace and op, consumed by
// internal/util/log's context-based helpers (log.DebugLog et al.) so a
// message logged deep in the call chain (e.g. fetchClusterPayload) still
// identifies which volume and operation it came from.
func (v *Volume) logContext(ctx context.Context, op string) context.Context {
	ctx = context.WithValue(ctx, log.VolumeKey, v.cfg.Namespace)

	return context.WithValue(ctx, log.OpKey, op)
}

func (v *Volume) checkHalted() error {
	if halted, cause := v.Halted(); halted {
		if cause != nil {
			return fmt.Errorf("%w: %s", util.ErrHalted, cause)
		}

		return util.ErrHalted
	}

	return nil
}

// Snapshots returns the volume's snapshot manager.
func (v *Volume) Snapshots() *snapshot.Manager {
	return v.snapMgr
}

// Close fsyncs the current TLog and SCO files, without closing them and
// without purging backend or local cache state (spec.md §3 Lifecycle:
// Teardown "detach").
func (v *Volume) Close() error {
	v.locks.Lock(util.LockTLog)
	defer v.locks.Unlock(util.LockTLog)

	if v.tlogWriter != nil {
		if err := v.tlogWriter.Sync(); err != nil {
			return err
		}
	}
	if v.scoFile != nil {
		return v.scoFile.sync()
	}

	return nil
}

// PurgeLocal implements the "purge it (delete)" half of spec.md §3
// Lifecycle: Teardown: it drops every SCO this volume has resident in the
// local cache, for a control plane delete (as opposed to a detach, which
// calls only Close). Callers must call Close first so nothing is still
// writing into the files being purged.
func (v *Volume) PurgeLocal() []string {
	return v.scoCache.PurgeNamespace(v.cfg.Namespace)
}
