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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdmitRejectsOverQuota(t *testing.T) {
	c := New()
	c.SetVolumeQuota("vol1", 100)

	require.NoError(t, c.Admit(SCOInfo{Volume: "vol1", Path: "/a", Size: 60}))
	err := c.Admit(SCOInfo{Volume: "vol1", Path: "/b", Size: 60})
	require.Error(t, err)
}

func TestMarkDisposableFreesQuota(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sco1")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	c := New()
	c.SetVolumeQuota("vol1", 10)
	require.NoError(t, c.Admit(SCOInfo{Volume: "vol1", Path: path, Size: 10}))
	require.Error(t, c.Admit(SCOInfo{Volume: "vol1", Path: path + "2", Size: 1}))

	require.NoError(t, c.MarkDisposable(path))
	require.NoError(t, c.Admit(SCOInfo{Volume: "vol1", Path: path + "2", Size: 1}))
}

func TestEvictUntilRemovesLargestVolumeFirst(t *testing.T) {
	dir := t.TempDir()
	mkSCO := func(name string, size int) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, make([]byte, size), 0o644))

		return p
	}

	c := New()
	c.AddMountPoint(MountPoint{Path: dir, Capacity: 1000, TriggerGap: 0.5, BackoffGap: 0.8})

	bigPath := mkSCO("big", 500)
	smallPath := mkSCO("small", 10)

	require.NoError(t, c.Admit(SCOInfo{Volume: "big-vol", Path: bigPath, Size: 500}))
	require.NoError(t, c.Admit(SCOInfo{Volume: "small-vol", Path: smallPath, Size: 10}))
	require.NoError(t, c.MarkDisposable(bigPath))
	require.NoError(t, c.MarkDisposable(smallPath))

	statfs := func(string) (int64, int64, error) { return 100, 1000, nil } // 10% free, under 0.5 trigger
	c.EvictIfNeeded(statfs)

	_, err := os.Stat(bigPath)
	require.True(t, os.IsNotExist(err), "largest disposable SCO should be evicted first")
}

func TestSetMountPointOnlineSkipsEvictionWhenOffline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sco1")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	c := New()
	c.AddMountPoint(MountPoint{Path: dir, Capacity: 1000, TriggerGap: 0.5, BackoffGap: 0.8})
	require.NoError(t, c.Admit(SCOInfo{Volume: "v", Path: path, Size: 4}))
	require.NoError(t, c.MarkDisposable(path))

	require.NoError(t, c.SetMountPointOnline(dir, false))

	statfs := func(string) (int64, int64, error) { return 100, 1000, nil } // 10% free, under trigger
	c.EvictIfNeeded(statfs)

	_, err := os.Stat(path)
	require.NoError(t, err, "offline mount point should not be scanned for eviction")
}

func TestSetMountPointOnlineUnknownPath(t *testing.T) {
	c := New()
	err := c.SetMountPointOnline("/no/such/mount", false)
	require.Error(t, err)
}

func TestDumpReportsMountPointsAndSCOs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sco1")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	c := New()
	c.AddMountPoint(MountPoint{Path: dir, Capacity: 1000, TriggerGap: 0.5, BackoffGap: 0.8})
	require.NoError(t, c.Admit(SCOInfo{Volume: "v", Path: path, Size: 4}))

	state := c.Dump()
	require.Len(t, state.MountPoints, 1)
	require.Len(t, state.SCOs, 1)
	require.Equal(t, path, state.SCOs[0].Path)

	require.Equal(t, state.SCOs, c.Inspect("v"))
	require.Empty(t, c.Inspect("other-vol"))
}

func TestPurgeNamespaceRemovesAllResidentSCOs(t *testing.T) {
	dir := t.TempDir()
	mkSCO := func(name string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("data"), 0o644))

		return p
	}

	c := New()
	c.SetVolumeQuota("v", 100)
	nonDisp := mkSCO("nondisposable")
	disp := mkSCO("disposable")
	other := mkSCO("other-vol-sco")
	require.NoError(t, c.Admit(SCOInfo{Volume: "v", Path: nonDisp, Size: 4}))
	require.NoError(t, c.Admit(SCOInfo{Volume: "v", Path: disp, Size: 4}))
	require.NoError(t, c.MarkDisposable(disp))
	require.NoError(t, c.Admit(SCOInfo{Volume: "other", Path: other, Size: 4}))

	purged := c.PurgeNamespace("v")
	require.ElementsMatch(t, []string{nonDisp, disp}, purged)

	_, err := os.Stat(nonDisp)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(disp)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(other)
	require.NoError(t, err, "purging one volume must not touch another's SCOs")

	require.NoError(t, c.Admit(SCOInfo{Volume: "v", Path: nonDisp, Size: 100}), "quota should be cleared by purge")
}

func TestEvictIfNeededSkipsAboveTrigger(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sco1")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	c := New()
	c.AddMountPoint(MountPoint{Path: dir, Capacity: 1000, TriggerGap: 0.1, BackoffGap: 0.2})
	require.NoError(t, c.Admit(SCOInfo{Volume: "v", Path: path, Size: 4}))
	require.NoError(t, c.MarkDisposable(path))

	statfs := func(string) (int64, int64, error) { return 900, 1000, nil } // 90% free, well above trigger
	c.EvictIfNeeded(statfs)

	_, err := os.Stat(path)
	require.NoError(t, err, "SCO should not be evicted when free space is above trigger_gap")
}
