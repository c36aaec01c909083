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

package controlplane

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/nimbusvol/volumedriver/api/volumedriverpb"
	"github.com/nimbusvol/volumedriver/internal/backend"
	"github.com/nimbusvol/volumedriver/internal/registry"
)

const testClusterID = "test-cluster"

// testServer starts a real grpc.Server on a loopback port serving svc, and
// returns the dialled client plus a teardown func.
func testServer(t *testing.T, svc *Service) (volumedriverpb.VolumeDriverClient, func()) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := grpc.NewServer()
	volumedriverpb.RegisterVolumeDriverServer(s, svc)
	go func() { _ = s.Serve(lis) }()

	rc := NewRedirectClient()
	client, err := rc.clientFor("127.0.0.1", uint32(lis.Addr().(*net.TCPAddr).Port))
	require.NoError(t, err)

	return client, func() {
		s.Stop()
		_ = rc.Close()
	}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	be, err := backend.NewLocalConnection(t.TempDir())
	require.NoError(t, err)

	return NewService(testClusterID, t.TempDir(), be, registry.New())
}

func TestCreateVolumeThenGetVolumeInfo(t *testing.T) {
	svc := newTestService(t)
	client, stop := testServer(t, svc)
	defer stop()

	ctx := context.Background()
	createResp, err := client.CreateVolume(ctx, &volumedriverpb.CreateVolumeRequest{
		ClusterID: testClusterID,
		Namespace: "vol-a",
		SizeBytes: 64 * 1024,
	})
	require.NoError(t, err)
	require.NotEmpty(t, createResp.VolumeID)

	infoResp, err := client.GetVolumeInfo(ctx, &volumedriverpb.GetVolumeInfoRequest{
		ClusterID: testClusterID,
		Namespace: "vol-a",
	})
	require.NoError(t, err)
	require.EqualValues(t, 64*1024, infoResp.SizeBytes)
	require.False(t, infoResp.Halted)
}

func TestCreateVolumeRejectsWrongClusterID(t *testing.T) {
	svc := newTestService(t)
	client, stop := testServer(t, svc)
	defer stop()

	_, err := client.CreateVolume(context.Background(), &volumedriverpb.CreateVolumeRequest{
		ClusterID: "some-other-cluster",
		Namespace: "vol-b",
		SizeBytes: 64 * 1024,
	})
	require.Error(t, err)
}

func TestCreateAndListAndDeleteSnapshot(t *testing.T) {
	svc := newTestService(t)
	client, stop := testServer(t, svc)
	defer stop()

	ctx := context.Background()
	_, err := client.CreateVolume(ctx, &volumedriverpb.CreateVolumeRequest{
		ClusterID: testClusterID,
		Namespace: "vol-c",
		SizeBytes: 64 * 1024,
	})
	require.NoError(t, err)

	snapResp, err := client.CreateSnapshot(ctx, &volumedriverpb.CreateSnapshotRequest{
		ClusterID: testClusterID,
		Namespace: "vol-c",
		Name:      "snap1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, snapResp.SnapshotUUID)

	listResp, err := client.ListSnapshots(ctx, &volumedriverpb.ListSnapshotsRequest{
		ClusterID: testClusterID,
		Namespace: "vol-c",
	})
	require.NoError(t, err)
	require.Len(t, listResp.Snapshots, 1)
	require.Equal(t, "snap1", listResp.Snapshots[0].Name)

	_, err = client.DeleteSnapshot(ctx, &volumedriverpb.DeleteSnapshotRequest{
		ClusterID: testClusterID,
		Namespace: "vol-c",
		Name:      "snap1",
	})
	require.NoError(t, err)

	listResp, err = client.ListSnapshots(ctx, &volumedriverpb.ListSnapshotsRequest{
		ClusterID: testClusterID,
		Namespace: "vol-c",
	})
	require.NoError(t, err)
	require.Empty(t, listResp.Snapshots)
}

func TestExpandVolumeIsExtendOnly(t *testing.T) {
	svc := newTestService(t)
	client, stop := testServer(t, svc)
	defer stop()

	ctx := context.Background()
	_, err := client.CreateVolume(ctx, &volumedriverpb.CreateVolumeRequest{
		ClusterID: testClusterID,
		Namespace: "vol-d",
		SizeBytes: 64 * 1024,
	})
	require.NoError(t, err)

	_, err = client.ExpandVolume(ctx, &volumedriverpb.ExpandVolumeRequest{
		ClusterID:    testClusterID,
		Namespace:    "vol-d",
		NewSizeBytes: 128 * 1024,
	})
	require.NoError(t, err)

	infoResp, err := client.GetVolumeInfo(ctx, &volumedriverpb.GetVolumeInfoRequest{
		ClusterID: testClusterID,
		Namespace: "vol-d",
	})
	require.NoError(t, err)
	require.EqualValues(t, 128*1024, infoResp.SizeBytes)

	_, err = client.ExpandVolume(ctx, &volumedriverpb.ExpandVolumeRequest{
		ClusterID:    testClusterID,
		Namespace:    "vol-d",
		NewSizeBytes: 32 * 1024,
	})
	require.Error(t, err)
}

func TestDeleteVolumeRemovesNamespace(t *testing.T) {
	svc := newTestService(t)
	client, stop := testServer(t, svc)
	defer stop()

	ctx := context.Background()
	_, err := client.CreateVolume(ctx, &volumedriverpb.CreateVolumeRequest{
		ClusterID: testClusterID,
		Namespace: "vol-e",
		SizeBytes: 64 * 1024,
	})
	require.NoError(t, err)

	_, err = client.DeleteVolume(ctx, &volumedriverpb.DeleteVolumeRequest{
		ClusterID: testClusterID,
		Namespace: "vol-e",
	})
	require.NoError(t, err)

	_, err = client.GetVolumeInfo(ctx, &volumedriverpb.GetVolumeInfoRequest{
		ClusterID: testClusterID,
		Namespace: "vol-e",
	})
	require.Error(t, err)

	exists, err := svc.be.NamespaceExists(ctx, "vol-e")
	require.NoError(t, err)
	require.False(t, exists)
}
