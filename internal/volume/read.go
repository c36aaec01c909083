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

	"github.com/nimbusvol/volumedriver/internal/backend"
	"github.com/nimbusvol/volumedriver/internal/model"
	"github.com/nimbusvol/volumedriver/internal/util"
	"github.com/nimbusvol/volumedriver/internal/util/log"
)

// Read implements spec.md §4.1 Read(lba, buf, len): fills buf with the
// volume's current content starting at lba, zero-filling clusters never
// written. Reads are lock-free with respect to writes except for the
// per-cluster metadata lookup (spec.md §4.1/§5); Read takes no volume-wide
// lock.
func (v *Volume) Read(ctx context.Context, lba uint64, buf []byte) error {
	if err := v.checkHalted(); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	ctx = v.logContext(ctx, "read")

	clusterSize := v.cfg.ClusterSize()
	offset := lba * v.cfg.LBASize
	length := uint64(len(buf))
	end := offset + length
	if end > v.cfg.SizeBytes {
		return util.NewErrInvalidOperation(fmt.Errorf("volume: read [%d,%d) exceeds volume size %d", offset, end, v.cfg.SizeBytes))
	}

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

		data, err := v.readCluster(ctx, model.ClusterAddress(c))
		if err != nil {
			return err
		}

		relLo := globalLo - clusterStart
		relHi := globalHi - clusterStart
		copy(buf[globalLo-offset:globalHi-offset], data[relLo:relHi])
	}

	return nil
}

// readCluster resolves one cluster's payload through metadata store ->
// cluster cache -> SCO cache -> backend (spec.md §4.1 Read), returning
// ClusterSize zero bytes on a never-written address.
func (v *Volume) readCluster(ctx context.Context, addr model.ClusterAddress) ([]byte, error) {
	clusterSize := v.cfg.ClusterSize()

	entry, err := v.store.Get(addr)
	if err != nil {
		return nil, fmt.Errorf("volume: metadata lookup %d: %w", addr, err)
	}
	if entry.Location.IsZero() && entry.Hash == (model.Hash{}) {
		return make([]byte, clusterSize), nil
	}

	if v.cfg.ClusterCache != nil && v.cfg.ClusterCachePolicy.On != model.NoCache {
		var (
			data []byte
			hit  bool
		)
		if v.cfg.ClusterCachePolicy.Mode == model.ContentBased {
			data, hit = v.cfg.ClusterCache.GetByContent(entry.Hash)
		} else {
			data, hit = v.cfg.ClusterCache.GetByLocation(v.cfg.Namespace, addr)
		}
		if hit {
			return data, nil
		}
	}

	data, err := v.fetchClusterPayload(ctx, entry.Location)
	if err != nil {
		return nil, err
	}

	if v.cfg.ClusterCache != nil && v.cfg.ClusterCachePolicy.On == model.CacheOnRead {
		if v.cfg.ClusterCachePolicy.Mode == model.ContentBased {
			v.cfg.ClusterCache.PutContent(entry.Hash, data)
		} else {
			v.cfg.ClusterCache.PutLocation(v.cfg.Namespace, addr, data)
		}
	}

	return data, nil
}

// fetchClusterPayload fetches one cluster's bytes out of the SCO named by
// loc, trying the local SCO cache before falling back to the backend
// (spec.md §4.1: "the SCO cache ... the backend"). CloneID > 0 routes the
// fetch to the owning ancestor's namespace (spec.md §3 "a read that
// resolves to clone-id N must fetch from the N-th ancestor's namespace").
func (v *Volume) fetchClusterPayload(ctx context.Context, loc model.ClusterLocation) ([]byte, error) {
	ns := v.cfg.Namespace
	if loc.CloneID > 0 {
		idx := int(loc.CloneID) - 1
		if idx >= len(v.cfg.AncestorNamespaces) {
			return nil, fmt.Errorf("volume: clone-id %d has no configured ancestor namespace", loc.CloneID)
		}
		ns = v.cfg.AncestorNamespaces[idx]
	}

	objectName := backend.SCOObjectName(loc.SCONumber, 0)
	clusterSize := v.cfg.ClusterSize()
	byteOffset := int64(loc.Offset) * int64(clusterSize)

	// A SCO is a physical local file from the moment it is opened until
	// it is evicted from the SCO cache, whether or not it has sealed and
	// uploaded yet -- a cluster just written this SCO rollover is only
	// readable this way, long before any WriteSCO task reaches the
	// backend (spec.md §4.1 Read: "the SCO cache ... the backend").
	if ns == v.cfg.Namespace {
		if f, err := v.scoCache.Open(v.scoPath(loc.SCONumber)); err == nil {
			buf := make([]byte, clusterSize)
			if _, err := f.ReadAt(buf, byteOffset); err == nil {
				return buf, nil
			}
		}
	}

	log.DebugLog(ctx, "sco cache miss, fetching %s/%s from backend", ns, objectName)

	data, err := v.be.Get(ctx, ns, objectName)
	if err != nil {
		return nil, fmt.Errorf("volume: fetch sco %s/%s: %w", ns, objectName, err)
	}
	if byteOffset+int64(clusterSize) > int64(len(data)) {
		return nil, fmt.Errorf("volume: sco %s/%s too short for offset %d", ns, objectName, byteOffset)
	}

	return data[byteOffset : byteOffset+int64(clusterSize)], nil
}
