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

// Package volume implements the Volume of spec.md §3/§4.1-§4.3/§5: the
// object that ties the metadata store, TLog writer, SCO cache, cluster
// cache, DTL client, snapshot manager and backend task pipeline into the
// write/read pipeline, under the three-lock discipline of §5.
package volume

import (
	"time"

	"github.com/google/uuid"

	"github.com/nimbusvol/volumedriver/internal/clustercache"
	"github.com/nimbusvol/volumedriver/internal/dtl"
)

// Default sizing, matching the teacher domain's defaults for a small
// volume (spec.md §3: "cluster_multiplier, sco_multiplier, tlog_multiplier
// ... size").
const (
	DefaultLBASize           = 512
	DefaultClusterMultiplier = 8    // ClusterSize = 4096
	DefaultSCOMultiplier     = 1024 // SCO = 4 MiB of clusters
	DefaultTLogMultiplier    = 32   // max_tlog_entries = 32 * sco_multiplier
)

// Config is the VolumeConfig of spec.md §3: size, addressing multipliers,
// parent info and cache policies, plus the local collaborators a Volume is
// opened with. It has no failover policy field.
type Config struct {
	Namespace string
	VolumeID  uuid.UUID

	// Parent identifies the namespace and snapshot this volume was cloned
	// from, nil for a volume with no parent.
	Parent *ParentRef

	// SizeBytes is the volume's logical size; must be a multiple of
	// ClusterSize(). Resize only ever grows it.
	SizeBytes uint64

	LBASize           uint64
	ClusterMultiplier uint64
	SCOMultiplier     uint64
	TLogMultiplier    uint64

	// LocalDir roots this volume's local staging state: the open TLog
	// file and not-yet-sealed SCO files (spec.md §3 "a physical on-disk
	// path until uploaded").
	LocalDir string

	ClusterCache       *clustercache.Cache
	ClusterCachePolicy clustercache.Policy

	// SCOCacheMaxNonDisposable is the non-disposable byte quota this
	// volume is admitted against (spec.md §4.2:
	// "sco_cache_max_non_disposable_factor * volume_live_bytes").
	SCOCacheMaxNonDisposable int64

	DTL *dtl.Client // nil runs the volume standalone, no replication peer

	// SyncIgnoreCount and SyncIgnoreInterval implement the sync_ignore
	// policy of spec.md §4.1: sync() always fsyncs the TLog/SCO, but may
	// skip draining the DTL client on up to SyncIgnoreCount consecutive
	// calls, or for up to SyncIgnoreInterval since the last drain, whichever
	// limit is reached first. Zero values mean every sync drains the DTL.
	SyncIgnoreCount    int
	SyncIgnoreInterval time.Duration

	// AncestorNamespaces lists this volume's clone ancestry, nearest
	// parent first. A ClusterLocation.CloneID of n (n >= 1) resolves to
	// AncestorNamespaces[n-1] (spec.md §3: "clone-id ... ids 1, 2, ...
	// up the clone chain").
	AncestorNamespaces []string
}

// ParentRef identifies the volume and snapshot a clone was created from.
type ParentRef struct {
	Namespace    string
	SnapshotUUID uuid.UUID
}

// ClusterSize returns the engine's minimum addressable unit in bytes.
func (c Config) ClusterSize() uint64 {
	return c.ClusterMultiplier * c.LBASize
}

// SCOSize returns the size in bytes of one full SCO.
func (c Config) SCOSize() uint64 {
	return c.SCOMultiplier * c.ClusterSize()
}

// MaxTLogEntries returns the TLog rollover threshold (spec.md §4.3:
// "max_tlog_entries = tlog_multiplier * sco_multiplier").
func (c Config) MaxTLogEntries() int {
	return int(c.TLogMultiplier * c.SCOMultiplier)
}

// ClusterCount returns the number of whole clusters in the volume's
// logical address space.
func (c Config) ClusterCount() uint64 {
	return c.SizeBytes / c.ClusterSize()
}
