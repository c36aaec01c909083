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

package tlog

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimbusvol/volumedriver/internal/model"
)

func TestEntryRoundTrip(t *testing.T) {
	e := Entry{
		Tag: TagCluster,
		Cluster: model.Entry{
			Address:  12345,
			Location: model.ClusterLocation{SCONumber: 7, CloneID: 2, Offset: 9},
			Hash:     model.Hash{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		},
	}

	buf := e.Encode()
	require.Len(t, buf, EntrySize)

	got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, e.Tag, got.Tag)
	require.Equal(t, e.Cluster.Address, got.Cluster.Address)
	require.Equal(t, e.Cluster.Location, got.Cluster.Location)
	require.Equal(t, e.Cluster.Hash, got.Cluster.Hash, "full 16-byte hash must survive a tlog round-trip")
}

func TestDecodeTruncated(t *testing.T) {
	_, err := Decode(make([]byte, EntrySize-1))
	require.ErrorIs(t, err, ErrTruncatedEntry)
}

func TestWriterReadAllDropsTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	tl := New(dir)
	w, err := OpenWriter(tl, 100)
	require.NoError(t, err)

	require.NoError(t, w.Append(Entry{Tag: TagCluster, Cluster: model.Entry{Address: 1}}))
	require.NoError(t, w.Append(Entry{Tag: TagCluster, Cluster: model.Entry{Address: 2}}))
	_, err = w.Close()
	require.NoError(t, err)

	// simulate a crash mid-append of a third entry.
	f, err := os.OpenFile(tl.Path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := ReadAll(tl.Path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, model.ClusterAddress(1), entries[0].Cluster.Address)
	require.Equal(t, model.ClusterAddress(2), entries[1].Cluster.Address)
}

func TestWriterFull(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(New(dir), 2)
	require.NoError(t, err)

	require.False(t, w.Full())
	require.NoError(t, w.Append(Entry{Tag: TagCluster}))
	require.False(t, w.Full())
	require.NoError(t, w.Append(Entry{Tag: TagCluster}))
	require.True(t, w.Full())
}

func TestVanishedIsRestoreLikely(t *testing.T) {
	require.True(t, VanishedIsRestoreLikely(5, 6))
	require.False(t, VanishedIsRestoreLikely(5, 5))
	require.False(t, VanishedIsRestoreLikely(5, 4))
}
