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
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/nimbusvol/volumedriver/api/volumedriverpb"
	"github.com/nimbusvol/volumedriver/internal/backend"
	"github.com/nimbusvol/volumedriver/internal/backendtasks"
	"github.com/nimbusvol/volumedriver/internal/metadata"
	"github.com/nimbusvol/volumedriver/internal/registry"
	"github.com/nimbusvol/volumedriver/internal/util"
	"github.com/nimbusvol/volumedriver/internal/volume"
)

// Service implements volumedriverpb.VolumeDriverServer, the single-node
// half of spec.md §6's control-plane surface. It serves only the volumes
// open on this node and never answers with a redirect: a request naming a
// namespace that is not open here fails with an error (spec.md treats
// cluster membership as an external collaborator).
type Service struct {
	volumedriverpb.VolumeDriverServer // embed for forward compatibility with added RPCs

	ClusterID string
	DataDir   string

	be       backend.Interface
	registry *registry.Registry
	pipeline func(ns string) *backendtasks.Pipeline
	volumes  map[string]*volume.Volume
}

// NewService constructs a Service backed by be, registering every opened
// volume's Handle in reg so other volumes (clones) can resolve it (spec.md
// §9 "Cyclic ownership").
func NewService(clusterID, dataDir string, be backend.Interface, reg *registry.Registry) *Service {
	return &Service{
		ClusterID: clusterID,
		DataDir:   dataDir,
		be:        be,
		registry:  reg,
		pipeline:  func(ns string) *backendtasks.Pipeline { return backendtasks.New(ns, 4) },
		volumes:   make(map[string]*volume.Volume),
	}
}

func (s *Service) volumeFor(ns string) (*volume.Volume, error) {
	v, ok := s.volumes[ns]
	if !ok {
		return nil, fmt.Errorf("controlplane: volume %q not open on this node", ns)
	}

	return v, nil
}

// CreateVolume implements spec.md §3 Lifecycle: Creation: allocates the
// namespace, opens a local metadata store and TLog/SCO pair, and registers
// the resulting Volume.
func (s *Service) CreateVolume(ctx context.Context, req *volumedriverpb.CreateVolumeRequest) (*volumedriverpb.CreateVolumeResponse, error) {
	if req.ClusterID != s.ClusterID {
		return nil, fmt.Errorf("controlplane: cluster id mismatch: got %q, want %q", req.ClusterID, s.ClusterID)
	}
	if err := s.be.CreateNamespace(ctx, req.Namespace, true); err != nil {
		return nil, fmt.Errorf("controlplane: create namespace %s: %w", req.Namespace, err)
	}

	store, err := metadata.OpenBoltStore(filepath.Join(s.DataDir, req.Namespace, "metadata.db"), 64)
	if err != nil {
		return nil, fmt.Errorf("controlplane: open metadata store for %s: %w", req.Namespace, err)
	}

	cfg := volume.Config{
		Namespace:         req.Namespace,
		VolumeID:          uuid.New(),
		SizeBytes:         req.SizeBytes,
		LBASize:           volume.DefaultLBASize,
		ClusterMultiplier: volume.DefaultClusterMultiplier,
		SCOMultiplier:     volume.DefaultSCOMultiplier,
		TLogMultiplier:    volume.DefaultTLogMultiplier,
		LocalDir:          filepath.Join(s.DataDir, req.Namespace),
	}
	if req.ParentNamespace != "" {
		parentUUID, err := uuid.Parse(req.ParentSnapshotUUID)
		if err != nil {
			return nil, fmt.Errorf("controlplane: parse parent snapshot uuid: %w", err)
		}
		cfg.Parent = &volume.ParentRef{Namespace: req.ParentNamespace, SnapshotUUID: parentUUID}
		cfg.AncestorNamespaces = []string{req.ParentNamespace}
	}

	cache := util.NewCachePersister(s.DataDir, "manifests")
	pipeline := s.pipeline(req.Namespace)

	v, err := volume.Open(cfg, s.be, store, cache, pipeline, s.registry.Genealogy())
	if err != nil {
		return nil, fmt.Errorf("controlplane: open volume %s: %w", req.Namespace, err)
	}
	if err := s.registry.Register(v); err != nil {
		return nil, err
	}
	s.volumes[req.Namespace] = v

	return &volumedriverpb.CreateVolumeResponse{VolumeID: v.ID().String()}, nil
}

// DeleteVolume implements spec.md §3 Lifecycle: Teardown (delete variant):
// unregisters the volume and purges its backend namespace.
func (s *Service) DeleteVolume(ctx context.Context, req *volumedriverpb.DeleteVolumeRequest) (*volumedriverpb.DeleteVolumeResponse, error) {
	v, err := s.volumeFor(req.Namespace)
	if err != nil {
		return nil, err
	}
	if err := v.Close(); err != nil {
		return nil, fmt.Errorf("controlplane: close volume %s: %w", req.Namespace, err)
	}
	v.PurgeLocal()
	if err := s.be.DeleteNamespace(ctx, req.Namespace); err != nil {
		return nil, fmt.Errorf("controlplane: delete namespace %s: %w", req.Namespace, err)
	}

	s.registry.Unregister(v.ID())
	delete(s.volumes, req.Namespace)

	return &volumedriverpb.DeleteVolumeResponse{}, nil
}

// ExpandVolume implements spec.md §4.1 Resize.
func (s *Service) ExpandVolume(_ context.Context, req *volumedriverpb.ExpandVolumeRequest) (*volumedriverpb.ExpandVolumeResponse, error) {
	v, err := s.volumeFor(req.Namespace)
	if err != nil {
		return nil, err
	}
	if err := v.Resize(req.NewSizeBytes); err != nil {
		return nil, err
	}

	return &volumedriverpb.ExpandVolumeResponse{}, nil
}

// CreateSnapshot implements spec.md §4.5 createSnapshot.
func (s *Service) CreateSnapshot(ctx context.Context, req *volumedriverpb.CreateSnapshotRequest) (*volumedriverpb.CreateSnapshotResponse, error) {
	v, err := s.volumeFor(req.Namespace)
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	if err := v.Snapshots().CreateSnapshot(ctx, req.Name, req.Metadata, id, false); err != nil {
		return nil, err
	}

	return &volumedriverpb.CreateSnapshotResponse{SnapshotUUID: id.String()}, nil
}

// DeleteSnapshot implements spec.md §4.5 deleteSnapshot.
func (s *Service) DeleteSnapshot(_ context.Context, req *volumedriverpb.DeleteSnapshotRequest) (*volumedriverpb.DeleteSnapshotResponse, error) {
	v, err := s.volumeFor(req.Namespace)
	if err != nil {
		return nil, err
	}
	if err := v.Snapshots().DeleteSnapshot(req.Name); err != nil {
		return nil, err
	}

	return &volumedriverpb.DeleteSnapshotResponse{}, nil
}

// ListSnapshots reports every snapshot currently in the volume's manifest.
func (s *Service) ListSnapshots(_ context.Context, req *volumedriverpb.ListSnapshotsRequest) (*volumedriverpb.ListSnapshotsResponse, error) {
	v, err := s.volumeFor(req.Namespace)
	if err != nil {
		return nil, err
	}
	m := v.Snapshots().Manifest()

	out := make([]volumedriverpb.SnapshotInfo, 0, len(m.Snapshots))
	for _, snap := range m.Snapshots {
		out = append(out, volumedriverpb.SnapshotInfo{
			Name:      snap.Name,
			UUID:      snap.UUID.String(),
			Timestamp: timestamppb.New(snap.Timestamp),
			Scrubbed:  snap.Scrubbed,
		})
	}

	return &volumedriverpb.ListSnapshotsResponse{Snapshots: out}, nil
}

// GetVolumeInfo reports a volume's size and halted state.
func (s *Service) GetVolumeInfo(_ context.Context, req *volumedriverpb.GetVolumeInfoRequest) (*volumedriverpb.GetVolumeInfoResponse, error) {
	v, err := s.volumeFor(req.Namespace)
	if err != nil {
		return nil, err
	}
	halted, cause := v.Halted()
	resp := &volumedriverpb.GetVolumeInfoResponse{SizeBytes: v.Size(), Halted: halted}
	if cause != nil {
		resp.HaltCause = cause.Error()
	}

	return resp, nil
}
