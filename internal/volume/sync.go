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
	"fmt"
	"time"

	"github.com/nimbusvol/volumedriver/internal/util"
)

// Sync implements spec.md §4.1 sync()/flush(): forces the current TLog to
// fsync, so that every write acknowledged before this call is durable
// against a subsequent crash (testable property 2, "Crash consistency"),
// and drains the DTL client subject to the sync_ignore policy
// (Config.SyncIgnoreCount/SyncIgnoreInterval): the TLog/SCO fsync is never
// skipped, but the DTL drain -- the more expensive of the two -- may be, up
// to the configured count or interval, whichever is reached first.
func (v *Volume) Sync(ctx context.Context) error {
	if err := v.checkHalted(); err != nil {
		return err
	}

	v.locks.Lock(util.LockTLog)
	defer v.locks.Unlock(util.LockTLog)

	if err := v.tlogWriter.Sync(); err != nil {
		return fmt.Errorf("volume: sync tlog: %w", err)
	}
	if err := v.scoFile.sync(); err != nil {
		return fmt.Errorf("volume: sync sco: %w", err)
	}

	if v.dtlClient != nil && v.shouldDrainDTL() {
		if err := v.dtlClient.Flush(ctx); err != nil {
			return fmt.Errorf("volume: dtl flush: %w", err)
		}
		v.ignoredSyncs = 0
		v.lastDTLDrain = time.Now()
	}

	return nil
}

// shouldDrainDTL applies the sync_ignore policy: it returns false (skip the
// drain) only while the configured count and interval limits are both still
// available, and tracks the skip count itself. Zero-value limits mean no
// ignoring, so every sync drains.
func (v *Volume) shouldDrainDTL() bool {
	if v.cfg.SyncIgnoreCount <= 0 && v.cfg.SyncIgnoreInterval <= 0 {
		return true
	}
	if v.lastDTLDrain.IsZero() {
		return true
	}
	if v.cfg.SyncIgnoreCount > 0 && v.ignoredSyncs >= v.cfg.SyncIgnoreCount {
		return true
	}
	if v.cfg.SyncIgnoreInterval > 0 && time.Since(v.lastDTLDrain) >= v.cfg.SyncIgnoreInterval {
		return true
	}

	v.ignoredSyncs++

	return false
}

// Resize implements spec.md §4.1 Resize: extend-only, existing cluster
// locations are preserved.
func (v *Volume) Resize(newSizeBytes uint64) error {
	if err := v.checkHalted(); err != nil {
		return err
	}

	v.locks.Lock(util.LockManagement)
	defer v.locks.Unlock(util.LockManagement)

	if newSizeBytes%v.cfg.ClusterSize() != 0 {
		return util.NewErrInvalidOperation(fmt.Errorf("volume: new size %d is not a multiple of cluster size %d", newSizeBytes, v.cfg.ClusterSize()))
	}
	if newSizeBytes < v.cfg.SizeBytes {
		return util.NewErrInvalidOperation(fmt.Errorf("volume: resize is extend-only, %d < current size %d", newSizeBytes, v.cfg.SizeBytes))
	}

	v.cfg.SizeBytes = newSizeBytes

	return nil
}

// Size returns the volume's current logical size in bytes.
func (v *Volume) Size() uint64 {
	return v.cfg.SizeBytes
}
