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

package clustercache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimbusvol/volumedriver/internal/model"
)

func TestLocationBasedRoundTrip(t *testing.T) {
	c := New(10)
	c.PutLocation("vol1", 5, []byte("payload"))

	got, ok := c.GetByLocation("vol1", 5)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), got)

	_, ok = c.GetByLocation("vol2", 5)
	require.False(t, ok)
}

func TestContentBasedDedupeAcrossVolumes(t *testing.T) {
	c := New(10)
	hash := model.Hash{1, 2, 3}
	c.PutContent(hash, []byte("same bytes"))

	got, ok := c.GetByContent(hash)
	require.True(t, ok)
	require.Equal(t, []byte("same bytes"), got)
}

func TestEvictionRespectsCapacity(t *testing.T) {
	c := New(2)
	c.PutLocation("v", 1, []byte("a"))
	c.PutLocation("v", 2, []byte("b"))
	c.PutLocation("v", 3, []byte("c"))

	require.Equal(t, 2, c.Len())
	_, ok := c.GetByLocation("v", 1)
	require.False(t, ok, "oldest entry should have been evicted")
}

func TestContentLocationFirstWriteWins(t *testing.T) {
	c := New(10)
	hash := model.Hash{9, 9, 9}
	first := model.ClusterLocation{SCONumber: 1, Offset: 0}
	second := model.ClusterLocation{SCONumber: 2, Offset: 4096}

	c.PutContentLocation(hash, first)
	c.PutContentLocation(hash, second)

	got, ok := c.GetContentLocation(hash)
	require.True(t, ok)
	require.Equal(t, first, got, "dedupe must keep pointing at the original location, not overwrite it")
}

func TestContentLocationMiss(t *testing.T) {
	c := New(10)
	_, ok := c.GetContentLocation(model.Hash{1})
	require.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	c := New(10)
	c.PutLocation("v", 1, []byte("a"))
	c.Invalidate("v", 1)

	_, ok := c.GetByLocation("v", 1)
	require.False(t, ok)
}
