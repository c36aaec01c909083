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

package scocache

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/nimbusvol/volumedriver/internal/util/log"
)

// FreeBytes reports the free and total byte capacity of the filesystem
// mounted at path.
func FreeBytes(path string) (free, total int64, err error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, 0, err
	}

	//nolint:gosec // block counts are always non-negative in practice
	return int64(st.Bavail) * int64(st.Bsize), int64(st.Blocks) * int64(st.Bsize), nil
}

// EvictIfNeeded scans every registered mount point and, for any whose free
// space has fallen below TriggerGap, evicts disposable SCOs on it -- largest
// volumes first, and each volume's SCOs in the order they were admitted --
// until free space reaches BackoffGap (spec.md §4.2). Reads do not change
// that order, so it is not least-recently-used.
func (c *Cache) EvictIfNeeded(statfs func(string) (free, total int64, err error)) {
	if statfs == nil {
		statfs = FreeBytes
	}

	c.mu.Lock()
	mountPoints := make([]*MountPoint, 0, len(c.mountPoints))
	for _, mp := range c.mountPoints {
		mountPoints = append(mountPoints, mp)
	}
	c.mu.Unlock()

	for _, mp := range mountPoints {
		if !mp.Online {
			continue
		}
		free, total, err := statfs(mp.Path)
		if err != nil {
			log.WarningLogMsg("scocache: statfs %s: %s", mp.Path, err)

			continue
		}
		if total == 0 {
			continue
		}
		freeFrac := float64(free) / float64(total)
		if freeFrac >= mp.TriggerGap {
			continue
		}
		c.evictUntil(mp, freeFrac, total)
	}
}

// evictUntil removes disposable SCOs under mp, largest volumes first and
// each volume's SCOs in admission order, until the mount point's free
// fraction would reach BackoffGap.
func (c *Cache) evictUntil(mp *MountPoint, currentFreeFrac float64, total int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	type candidate struct {
		volume string
		info   *SCOInfo
	}

	prefix := filepath.Clean(mp.Path) + string(filepath.Separator)
	volumeTotals := make(map[string]int64)
	var candidates []candidate
	for vol, scos := range c.byVolume {
		for _, s := range scos {
			if !s.Disposable || !strings.HasPrefix(s.Path, prefix) {
				continue
			}
			volumeTotals[vol] += s.Size
			candidates = append(candidates, candidate{volume: vol, info: s})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return volumeTotals[candidates[i].volume] > volumeTotals[candidates[j].volume]
	})

	freed := int64(0)
	needed := int64((mp.BackoffGap - currentFreeFrac) * float64(total))
	for _, cand := range candidates {
		if freed >= needed {
			break
		}
		if err := os.Remove(cand.info.Path); err != nil && !os.IsNotExist(err) {
			log.WarningLogMsg("scocache: evict %s: %s", cand.info.Path, err)

			continue
		}
		freed += cand.info.Size
		delete(c.scos, cand.info.Path)
		c.fds.evict(cand.info.Path)
	}

	for vol, scos := range c.byVolume {
		kept := scos[:0]
		for _, s := range scos {
			if _, stillThere := c.scos[s.Path]; stillThere {
				kept = append(kept, s)
			}
		}
		c.byVolume[vol] = kept
	}
}
