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

// Package volumedriverpb is the control-plane wire contract of spec.md §6.
// The message types below are hand-authored against volumedriverpb.proto
// rather than protoc-generated, since this build environment has no protoc
// toolchain available; see codec.go for how they cross the wire without a
// generated protobuf codec.
package volumedriverpb

import "google.golang.org/protobuf/types/known/timestamppb"

// RedirectInfo instructs a control-plane client to retry a call against a
// different cluster node (spec.md §6: "the server may answer with a
// redirect response {host, port}").
type RedirectInfo struct {
	Host string
	Port uint32
}

type CreateVolumeRequest struct {
	ClusterID          string
	Namespace          string
	SizeBytes          uint64
	ParentNamespace    string
	ParentSnapshotUUID string
}

type CreateVolumeResponse struct {
	Redirect *RedirectInfo
	VolumeID string
}

type DeleteVolumeRequest struct {
	ClusterID string
	Namespace string
}

type DeleteVolumeResponse struct {
	Redirect *RedirectInfo
}

type ExpandVolumeRequest struct {
	ClusterID    string
	Namespace    string
	NewSizeBytes uint64
}

type ExpandVolumeResponse struct {
	Redirect *RedirectInfo
}

type CreateSnapshotRequest struct {
	ClusterID string
	Namespace string
	Name      string
	Metadata  []byte
}

type CreateSnapshotResponse struct {
	Redirect     *RedirectInfo
	SnapshotUUID string
}

type DeleteSnapshotRequest struct {
	ClusterID string
	Namespace string
	Name      string
}

type DeleteSnapshotResponse struct {
	Redirect *RedirectInfo
}

type ListSnapshotsRequest struct {
	ClusterID string
	Namespace string
}

type SnapshotInfo struct {
	Name      string
	UUID      string
	Timestamp *timestamppb.Timestamp
	Scrubbed  bool
}

type ListSnapshotsResponse struct {
	Redirect  *RedirectInfo
	Snapshots []SnapshotInfo
}

type GetVolumeInfoRequest struct {
	ClusterID string
	Namespace string
}

type GetVolumeInfoResponse struct {
	Redirect  *RedirectInfo
	SizeBytes uint64
	Halted    bool
	HaltCause string
}
