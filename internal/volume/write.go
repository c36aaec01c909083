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

	"github.com/nimbusvol/volumedriver/internal/model"
	"github.com/nimbusvol/volumedriver/internal/tlog"
	"github.com/nimbusvol/volumedriver/internal/util"
)

// Write implements spec.md §4.1 Write(lba, buf, len): lba is an LBA index,
// buf is the payload to write starting there. Partial head/tail clusters
// are read-modify-written against the metadata store; whole clusters are
// written directly.
func (v *Volume) Write(ctx context.Context, lba uint64, buf []byte) error {
	if err := v.checkHalted(); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	ctx = v.logContext(ctx, "write")

	clusterSize := v.cfg.ClusterSize()
	offset := lba * v.cfg.LBASize
	length := uint64(len(buf))
	end := offset + length
	if end > v.cfg.SizeBytes {
		return util.NewErrInvalidOperation(fmt.Errorf("volume: write [%d,%d) exceeds volume size %d", offset, end, v.cfg.SizeBytes))
	}

	v.locks.Lock(util.LockTLog)
	defer v.locks.Unlock(util.LockTLog)

	startCluster := offset / clusterSize
	endCluster := (end - 1) / clusterSize

	for c := startCluster; c <= endCluster; c++ {
		clusterStart := c * clusterSize
		clusterEnd := clusterStart + clusterSize

		globalLo := offset
		if clusterStart > globalLo {
			globalLo = clusterStart
		}
		globalHi := end
		if clusterEnd < globalHi {
			globalHi = clusterEnd
		}
		relLo := globalLo - clusterStart
		relHi := globalHi - clusterStart

		var data []byte
		if relLo == 0 && relHi == clusterSize {
			data = buf[globalLo-offset : globalHi-offset]
		} else {
			existing, err := v.readCluster(ctx, model.ClusterAddress(c))
			if err != nil {
				return err
			}
			data = make([]byte, clusterSize)
			copy(data, existing)
			copy(data[relLo:relHi], buf[globalLo-offset:globalHi-offset])
		}

		if err := v.writeCluster(ctx, model.ClusterAddress(c), data); err != nil {
			return err
		}
	}

	return nil
}

// writeCluster implements spec.md §4.1 steps 2-5 for a single whole
// cluster: in ContentBased mode, dedupe by hash before writing; otherwise
// SCO/TLog rollover, cluster cache population, DTL forward, TLog append and
// metadata store update.
func (v *Volume) writeCluster(ctx context.Context, addr model.ClusterAddress, data []byte) error {
	hash := model.HashPayload(data)
	dedup := v.cfg.ClusterCache != nil && v.cfg.ClusterCachePolicy.Mode == model.ContentBased

	var loc model.ClusterLocation
	reused := false
	if dedup {
		loc, reused = v.cfg.ClusterCache.GetContentLocation(hash)
	}

	if !reused {
		if v.scoFile.full(int(v.cfg.SCOMultiplier)) {
			if err := v.rolloverSCO(ctx); err != nil {
				return fmt.Errorf("volume: sco rollover: %w", err)
			}
		}

		offsetInSCO, err := v.scoFile.append(data)
		if err != nil {
			return err
		}
		loc = model.ClusterLocation{SCONumber: v.scoFile.number, CloneID: 0, Offset: uint32(offsetInSCO)}

		if dedup {
			v.cfg.ClusterCache.PutContentLocation(hash, loc)
		}
	}

	if v.cfg.ClusterCache != nil && v.cfg.ClusterCachePolicy.On == model.CacheOnWrite {
		if v.cfg.ClusterCachePolicy.Mode == model.ContentBased {
			v.cfg.ClusterCache.PutContent(hash, data)
		} else {
			v.cfg.ClusterCache.PutLocation(v.cfg.Namespace, addr, data)
		}
	}

	if v.dtlClient != nil {
		if err := v.dtlClient.AddEntries(ctx, uint64(addr), []model.ClusterLocation{loc}, data); err != nil {
			return fmt.Errorf("volume: dtl add_entries: %w", err)
		}
	}

	if v.tlogWriter.Full() {
		if err := v.rolloverTLog(ctx); err != nil {
			return fmt.Errorf("volume: tlog rollover: %w", err)
		}
	}
	entry := model.Entry{Address: addr, Location: loc, Hash: hash}
	if err := v.tlogWriter.Append(tlog.Entry{Tag: tlog.TagCluster, Cluster: entry}); err != nil {
		// spec.md §4.1: "Any failure to append a TLog entry ... is fatal
		// for the volume."
		v.Halt(err)

		return fmt.Errorf("volume: %w", util.ErrHalted)
	}

	if err := v.store.MultiSet([]model.Entry{entry}); err != nil {
		return fmt.Errorf("volume: metadata store update: %w", err)
	}

	return nil
}

// rolloverTLog seals the current TLog on reaching max_tlog_entries and
// records it as the tail of the current (unnamed) snapshot (spec.md §4.3
// TLog rollover). Caller holds the tlog lock.
func (v *Volume) rolloverTLog(ctx context.Context) error {
	sealed, _, err := v.SealCurrentTLog()
	if err != nil {
		return err
	}

	return v.snapMgr.RolloverTLog(ctx, sealed)
}
