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

// Package scocache implements the disk-backed, mount-point-aware cache of
// the SCO files volumes have sealed (spec.md §4.2): it serves
// reads that hit not-yet-evicted SCOs, supplies source files to the
// uploader, and evicts disposable SCOs under mount-point watermark
// pressure.
package scocache

import (
	"fmt"
	"os"
	"sync"

	"github.com/pkg/xattr"

	"github.com/nimbusvol/volumedriver/internal/util"
	"github.com/nimbusvol/volumedriver/internal/util/log"
)

// disposableXattr marks a SCO file as safe to evict (already uploaded to
// the backend), persisted as an extended attribute so a restart can tell
// disposable from non-disposable SCOs without replaying the manifest,
// mirroring the teacher domain's use of xattrs for sidecar metadata.
const disposableXattr = "user.vd.disposable"

// SCOInfo describes one SCO file resident in the cache.
type SCOInfo struct {
	Volume     string
	Path       string
	Size       int64
	Disposable bool
}

// MountPoint is one disk-backed cache span, with its own watermark
// thresholds (spec.md §4.2).
type MountPoint struct {
	Path       string
	Capacity   int64 // bytes
	TriggerGap float64
	BackoffGap float64
	// Online gates eviction scanning of this mount point (spec.md §4.2
	// "online/offline device"): EvictIfNeeded skips an offline mount point,
	// so an operator can take it offline ahead of unmounting it for
	// maintenance without having to first drain or evict everything
	// resident on it. Admit does not consult it.
	Online bool
}

// DumpState is a read-only snapshot of the cache's bookkeeping, for the
// spec.md §4.2 "dump/inspect" operational surface.
type DumpState struct {
	MountPoints []MountPoint
	SCOs        []SCOInfo
}

// volumeQuota tracks one volume's non-disposable byte budget.
type volumeQuota struct {
	nonDisposable int64
	maxNonDisp    int64
}

// Cache is the process-wide SCO cache service (spec.md §9: global mutable
// state modeled as a process-wide service with explicit init/shutdown).
type Cache struct {
	mu          sync.Mutex
	mountPoints map[string]*MountPoint
	scos        map[string]*SCOInfo // keyed by Path
	byVolume    map[string][]*SCOInfo
	quotas      map[string]*volumeQuota
	fds         *fdCache
}

// New returns an empty Cache with a bounded file-descriptor LRU of size 32
// (spec.md §4.2).
func New() *Cache {
	return &Cache{
		mountPoints: make(map[string]*MountPoint),
		scos:        make(map[string]*SCOInfo),
		byVolume:    make(map[string][]*SCOInfo),
		quotas:      make(map[string]*volumeQuota),
		fds:         newFDCache(32),
	}
}

// AddMountPoint registers mp for eviction scanning. Explicit
// add/remove-mount-point is part of the cache's operational surface
// (spec.md §4.2). A newly added mount point starts Online.
func (c *Cache) AddMountPoint(mp MountPoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mp.Online = true
	c.mountPoints[mp.Path] = &mp
}

// RemoveMountPoint unregisters mp.
func (c *Cache) RemoveMountPoint(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.mountPoints, path)
}

// SetMountPointOnline implements the spec.md §4.2 "online/offline device"
// operation: an offline mount point is skipped by EvictIfNeeded, so an
// operator can quiesce one ahead of unmounting it without its SCOs being
// evicted out from under an in-flight read.
func (c *Cache) SetMountPointOnline(path string, online bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	mp, ok := c.mountPoints[path]
	if !ok {
		return util.NewErrObjectNotFound(path, fmt.Errorf("mount point %q not registered", path))
	}
	mp.Online = online

	return nil
}

// SetVolumeQuota sets the non-disposable byte budget for volume, derived by
// the caller from sco_cache_max_non_disposable_factor * volume_live_bytes
// (spec.md §4.2).
func (c *Cache) SetVolumeQuota(volume string, maxNonDisposable int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.quotas[volume]
	if q == nil {
		q = &volumeQuota{}
		c.quotas[volume] = q
	}
	q.maxNonDisp = maxNonDisposable
}

// Admit registers a newly written, non-disposable SCO. Returns
// util.ErrInsufficientResources if the volume's non-disposable quota would
// be exceeded (spec.md §4.2: "the next write fails with
// INSUFFICIENT_RESOURCES").
func (c *Cache) Admit(info SCOInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	q := c.quotas[info.Volume]
	if q == nil {
		q = &volumeQuota{}
		c.quotas[info.Volume] = q
	}
	if q.maxNonDisp > 0 && q.nonDisposable+info.Size > q.maxNonDisp {
		return util.NewErrInsufficientResources(info.Volume, errInsufficientResources)
	}

	cp := info
	c.scos[info.Path] = &cp
	c.byVolume[info.Volume] = append(c.byVolume[info.Volume], &cp)
	q.nonDisposable += info.Size

	return nil
}

// MarkDisposable flips a SCO to disposable once the backend task pipeline
// confirms it has been uploaded (spec.md §4.3/§4.6), persisting the flag as
// an xattr so a process restart can recover cache state without re-deriving
// it from the manifest.
func (c *Cache) MarkDisposable(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, ok := c.scos[path]
	if !ok || info.Disposable {
		return nil
	}
	if err := xattr.Set(path, disposableXattr, []byte{1}); err != nil {
		log.WarningLogMsg("scocache: failed to persist disposable xattr on %s: %s", path, err)
	}
	info.Disposable = true
	if q := c.quotas[info.Volume]; q != nil {
		q.nonDisposable -= info.Size
		if q.nonDisposable < 0 {
			q.nonDisposable = 0
		}
	}

	return nil
}

// IsDisposable reports the persisted disposable flag for path, consulting
// the xattr set by MarkDisposable if not already known in-memory (used to
// recover cache state across a restart).
func IsDisposable(path string) bool {
	v, err := xattr.Get(path, disposableXattr)

	return err == nil && len(v) == 1 && v[0] == 1
}

// Lookup returns the resident SCOInfo for path, if present in the cache.
func (c *Cache) Lookup(path string) (SCOInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.scos[path]
	if !ok {
		return SCOInfo{}, false
	}

	return *info, true
}

// Open returns an *os.File for path out of the shared descriptor LRU,
// reusing a cached handle across repeated reads of the same resident SCO
// (spec.md §4.2: "File descriptors are held in a bounded path -> fd LRU").
func (c *Cache) Open(path string) (*os.File, error) {
	return c.fds.Open(path)
}

// Remove drops bookkeeping for path (the caller has already deleted the
// underlying file).
func (c *Cache) Remove(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(path)
}

// removeLocked is Remove's body, callable by other methods already holding
// c.mu.
func (c *Cache) removeLocked(path string) {
	info, ok := c.scos[path]
	if !ok {
		return
	}
	delete(c.scos, path)
	scos := c.byVolume[info.Volume]
	for i, s := range scos {
		if s.Path == path {
			c.byVolume[info.Volume] = append(scos[:i], scos[i+1:]...)

			break
		}
	}
	c.fds.evict(path)
}

// Dump implements the spec.md §4.2 "dump/inspect" operation: a point-in-time
// snapshot of registered mount points and resident SCOs, for diagnostics and
// support tooling rather than the write/read path.
func (c *Cache) Dump() DumpState {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := DumpState{
		MountPoints: make([]MountPoint, 0, len(c.mountPoints)),
		SCOs:        make([]SCOInfo, 0, len(c.scos)),
	}
	for _, mp := range c.mountPoints {
		state.MountPoints = append(state.MountPoints, *mp)
	}
	for _, info := range c.scos {
		state.SCOs = append(state.SCOs, *info)
	}

	return state
}

// Inspect returns the resident SCOInfo entries for one volume, for the
// spec.md §4.2 "dump/inspect" operation scoped to a single namespace.
func (c *Cache) Inspect(volume string) []SCOInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	scos := c.byVolume[volume]
	out := make([]SCOInfo, 0, len(scos))
	for _, s := range scos {
		out = append(out, *s)
	}

	return out
}

// PurgeNamespace implements the spec.md §4.2 "purge namespace" operation
// and the teardown-time "purge it (delete)" path of spec.md §3: it deletes
// every SCO file this cache holds for volume, regardless of disposable
// state, and returns the paths removed. The caller is responsible for any
// backend-side cleanup; this only ever touches local cache state.
func (c *Cache) PurgeNamespace(volume string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	scos := append([]*SCOInfo(nil), c.byVolume[volume]...)
	purged := make([]string, 0, len(scos))
	for _, info := range scos {
		if err := os.Remove(info.Path); err != nil && !os.IsNotExist(err) {
			log.WarningLogMsg("scocache: purge %s: %s", info.Path, err)

			continue
		}
		c.removeLocked(info.Path)
		purged = append(purged, info.Path)
	}
	if q := c.quotas[volume]; q != nil {
		q.nonDisposable = 0
	}

	return purged
}
