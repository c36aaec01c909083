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

package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalConnectionPutGet(t *testing.T) {
	ctx := context.Background()
	conn, err := NewLocalConnection(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, conn.CreateNamespace(ctx, "ns1", true))

	data := []byte("hello world")
	require.NoError(t, conn.Put(ctx, "ns1", "obj1", data, false, Checksum(data)))

	got, err := conn.Get(ctx, "ns1", "obj1")
	require.NoError(t, err)
	require.Equal(t, data, got)

	exists, err := conn.Exists(ctx, "ns1", "obj1")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestLocalConnectionOverwriteRejected(t *testing.T) {
	ctx := context.Background()
	conn, err := NewLocalConnection(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, conn.CreateNamespace(ctx, "ns1", true))
	require.NoError(t, conn.Put(ctx, "ns1", "obj1", []byte("a"), false, 0))

	err = conn.Put(ctx, "ns1", "obj1", []byte("b"), false, 0)
	require.Error(t, err)
}

func TestLocalConnectionGetMissing(t *testing.T) {
	ctx := context.Background()
	conn, err := NewLocalConnection(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, conn.CreateNamespace(ctx, "ns1", true))

	_, err = conn.Get(ctx, "ns1", "missing")
	require.Error(t, err)
}

func TestLocalConnectionDeleteMayNotExist(t *testing.T) {
	ctx := context.Background()
	conn, err := NewLocalConnection(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, conn.CreateNamespace(ctx, "ns1", true))

	require.NoError(t, conn.Delete(ctx, "ns1", "missing", true))
	require.Error(t, conn.Delete(ctx, "ns1", "missing", false))
}

func TestLocalConnectionChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	conn, err := NewLocalConnection(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, conn.CreateNamespace(ctx, "ns1", true))

	err = conn.Put(ctx, "ns1", "obj1", []byte("a"), true, 0xdeadbeef)
	require.Error(t, err)
}
