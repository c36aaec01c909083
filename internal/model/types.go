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

// Package model holds the data-model primitives of spec.md §3 that are
// shared across the metadata store, TLog codec, cluster cache and volume
// packages, so that none of them need to import one another just to name a
// cluster address.
package model

import (
	"crypto/md5" //nolint:gosec // content-addressing dedup key, not a security boundary
	"fmt"
)

// ClusterAddress is the cluster offset into a volume's logical address
// space: LBA / cluster_multiplier.
type ClusterAddress uint64

// ClusterLocation is the physical address of a cluster's payload: which SCO
// holds it, which ancestor in the clone chain wrote that SCO, and the
// cluster's offset within the SCO. The zero value means "never written."
type ClusterLocation struct {
	SCONumber uint64
	CloneID   uint32
	Offset    uint32
}

// IsZero reports whether l is the zero location. A never-written cluster
// address has the zero location and a zero Hash and reads as zeros (spec.md
// §4.1); the first cluster of a volume's SCO 0 also has the zero location,
// but carries its payload's Hash.
func (l ClusterLocation) IsZero() bool {
	return l == ClusterLocation{}
}

func (l ClusterLocation) String() string {
	return fmt.Sprintf("%08x:%d:%d", l.SCONumber, l.CloneID, l.Offset)
}

// Hash is a content hash of one cluster's payload, used by the cluster cache
// in ContentBased mode and recorded in TLog Cluster entries.
type Hash [16]byte

// HashPayload computes a cluster's content hash.
func HashPayload(payload []byte) Hash {
	return Hash(md5.Sum(payload))
}

// Entry couples a cluster address with the location and hash it was last
// written with -- the in-memory shape of both a metadata store record and a
// TLog Cluster entry payload.
type Entry struct {
	Address  ClusterAddress
	Location ClusterLocation
	Hash     Hash
}

// CachePolicy selects how the cluster cache is consulted for a volume
// (spec.md §2).
type CachePolicy int

const (
	// NoCache never consults or populates the cluster cache.
	NoCache CachePolicy = iota
	// CacheOnRead populates the cache on a cluster cache miss that was
	// satisfied by a lower layer.
	CacheOnRead
	// CacheOnWrite populates the cache eagerly on every write.
	CacheOnWrite
)

// CacheMode selects the cluster cache's addressing scheme.
type CacheMode int

const (
	// LocationBased keys cache entries by (volume, cluster address).
	LocationBased CacheMode = iota
	// ContentBased keys cache entries by content hash, enabling
	// cross-volume dedup.
	ContentBased
)

// FailOverCacheMode is the DTL replication mode a volume is configured for
// (spec.md §4.7), distinct from the DTL client's current runtime State.
type FailOverCacheMode int

const (
	// FailOverWriteCache forwards every write synchronously to the peer.
	FailOverWriteCache FailOverCacheMode = iota
	// FailOverNoCache runs with no replication peer configured.
	FailOverNoCache
)
