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
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimbusvol/volumedriver/internal/clustercache"
	"github.com/nimbusvol/volumedriver/internal/model"
)

func TestContentBasedWriteDedupesIdenticalPayload(t *testing.T) {
	cfg := baseConfig(t, "vol1")
	cfg.ClusterCache = clustercache.New(100)
	cfg.ClusterCachePolicy = clustercache.Policy{On: model.CacheOnWrite, Mode: model.ContentBased}
	h := newTestHarness(t, cfg)
	ctx := context.Background()

	payload := bytes.Repeat([]byte{0x42}, int(cfg.ClusterSize()))
	require.NoError(t, h.vol.Write(ctx, 0, payload))
	require.NoError(t, h.vol.Write(ctx, uint64(cfg.ClusterSize()/cfg.LBASize), payload))

	e0, err := h.store.Get(model.ClusterAddress(0))
	require.NoError(t, err)
	e1, err := h.store.Get(model.ClusterAddress(1))
	require.NoError(t, err)

	require.Equal(t, e0.Location, e1.Location, "identical payload should dedupe to the same location")
	require.Equal(t, e0.Hash, e1.Hash)
}

func TestContentBasedWriteDistinctPayloadGetsDistinctLocation(t *testing.T) {
	cfg := baseConfig(t, "vol1")
	cfg.ClusterCache = clustercache.New(100)
	cfg.ClusterCachePolicy = clustercache.Policy{On: model.CacheOnWrite, Mode: model.ContentBased}
	h := newTestHarness(t, cfg)
	ctx := context.Background()

	a := bytes.Repeat([]byte{0x11}, int(cfg.ClusterSize()))
	b := bytes.Repeat([]byte{0x22}, int(cfg.ClusterSize()))
	require.NoError(t, h.vol.Write(ctx, 0, a))
	require.NoError(t, h.vol.Write(ctx, uint64(cfg.ClusterSize()/cfg.LBASize), b))

	e0, err := h.store.Get(model.ClusterAddress(0))
	require.NoError(t, err)
	e1, err := h.store.Get(model.ClusterAddress(1))
	require.NoError(t, err)

	require.NotEqual(t, e0.Location, e1.Location)
}
