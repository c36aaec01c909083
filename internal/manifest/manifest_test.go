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

package manifest

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nimbusvol/volumedriver/internal/backend"
	"github.com/nimbusvol/volumedriver/internal/util"
)

func TestManifestHasSnapshotAndMarkInBackend(t *testing.T) {
	m := New(uuid.New(), nil)
	tlogID := uuid.New()
	m.Snapshots = append(m.Snapshots, Snapshot{Name: "s1", TLogs: []TLogRef{{ID: tlogID}}})

	require.True(t, m.HasSnapshot("s1"))
	require.False(t, m.HasSnapshot("s2"))

	require.True(t, m.MarkInBackend(tlogID))
	require.True(t, m.SnapshotByName("s1").TLogs[0].InBackend)
	require.False(t, m.MarkInBackend(uuid.New()))
}

func TestPersistorSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	be, err := backend.NewLocalConnection(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, be.CreateNamespace(ctx, "ns1", true))

	cache := util.NewCachePersister(t.TempDir(), "manifests")
	p := NewPersistor(be, "ns1", cache)

	m := New(uuid.New(), nil)
	m.Snapshots = append(m.Snapshots, Snapshot{Name: "s1"})
	require.NoError(t, p.Save(ctx, m))
	require.Equal(t, uint64(1), p.Generation())

	loaded, err := p.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, m.VolumeID, loaded.VolumeID)
	require.True(t, loaded.HasSnapshot("s1"))
}
