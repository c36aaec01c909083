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

package volumedriverpb

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "volumedriverpb.VolumeDriver"

// VolumeDriverServer is the control-plane surface of spec.md §6, served by
// internal/controlplane.
type VolumeDriverServer interface {
	CreateVolume(context.Context, *CreateVolumeRequest) (*CreateVolumeResponse, error)
	DeleteVolume(context.Context, *DeleteVolumeRequest) (*DeleteVolumeResponse, error)
	ExpandVolume(context.Context, *ExpandVolumeRequest) (*ExpandVolumeResponse, error)
	CreateSnapshot(context.Context, *CreateSnapshotRequest) (*CreateSnapshotResponse, error)
	DeleteSnapshot(context.Context, *DeleteSnapshotRequest) (*DeleteSnapshotResponse, error)
	ListSnapshots(context.Context, *ListSnapshotsRequest) (*ListSnapshotsResponse, error)
	GetVolumeInfo(context.Context, *GetVolumeInfoRequest) (*GetVolumeInfoResponse, error)
}

// RegisterVolumeDriverServer registers srv on s, the hand-written
// equivalent of a protoc-generated *_grpc.pb.go's registration function.
func RegisterVolumeDriverServer(s grpc.ServiceRegistrar, srv VolumeDriverServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*VolumeDriverServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateVolume", Handler: createVolumeHandler},
		{MethodName: "DeleteVolume", Handler: deleteVolumeHandler},
		{MethodName: "ExpandVolume", Handler: expandVolumeHandler},
		{MethodName: "CreateSnapshot", Handler: createSnapshotHandler},
		{MethodName: "DeleteSnapshot", Handler: deleteSnapshotHandler},
		{MethodName: "ListSnapshots", Handler: listSnapshotsHandler},
		{MethodName: "GetVolumeInfo", Handler: getVolumeInfoHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "volumedriverpb.proto",
}

func createVolumeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CreateVolumeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	server := srv.(VolumeDriverServer) //nolint:forcetypeassert
	if interceptor == nil {
		return server.CreateVolume(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/CreateVolume"}

	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return server.CreateVolume(ctx, req.(*CreateVolumeRequest)) //nolint:forcetypeassert
	})
}

func deleteVolumeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DeleteVolumeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	server := srv.(VolumeDriverServer) //nolint:forcetypeassert
	if interceptor == nil {
		return server.DeleteVolume(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/DeleteVolume"}

	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return server.DeleteVolume(ctx, req.(*DeleteVolumeRequest)) //nolint:forcetypeassert
	})
}

func expandVolumeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ExpandVolumeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	server := srv.(VolumeDriverServer) //nolint:forcetypeassert
	if interceptor == nil {
		return server.ExpandVolume(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ExpandVolume"}

	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return server.ExpandVolume(ctx, req.(*ExpandVolumeRequest)) //nolint:forcetypeassert
	})
}

func createSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CreateSnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	server := srv.(VolumeDriverServer) //nolint:forcetypeassert
	if interceptor == nil {
		return server.CreateSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/CreateSnapshot"}

	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return server.CreateSnapshot(ctx, req.(*CreateSnapshotRequest)) //nolint:forcetypeassert
	})
}

func deleteSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DeleteSnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	server := srv.(VolumeDriverServer) //nolint:forcetypeassert
	if interceptor == nil {
		return server.DeleteSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/DeleteSnapshot"}

	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return server.DeleteSnapshot(ctx, req.(*DeleteSnapshotRequest)) //nolint:forcetypeassert
	})
}

func listSnapshotsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListSnapshotsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	server := srv.(VolumeDriverServer) //nolint:forcetypeassert
	if interceptor == nil {
		return server.ListSnapshots(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ListSnapshots"}

	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return server.ListSnapshots(ctx, req.(*ListSnapshotsRequest)) //nolint:forcetypeassert
	})
}

func getVolumeInfoHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetVolumeInfoRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	server := srv.(VolumeDriverServer) //nolint:forcetypeassert
	if interceptor == nil {
		return server.GetVolumeInfo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetVolumeInfo"}

	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return server.GetVolumeInfo(ctx, req.(*GetVolumeInfoRequest)) //nolint:forcetypeassert
	})
}

// VolumeDriverClient is the client-side stub, the hand-written equivalent
// of a protoc-generated client.
type VolumeDriverClient interface {
	CreateVolume(ctx context.Context, in *CreateVolumeRequest, opts ...grpc.CallOption) (*CreateVolumeResponse, error)
	DeleteVolume(ctx context.Context, in *DeleteVolumeRequest, opts ...grpc.CallOption) (*DeleteVolumeResponse, error)
	ExpandVolume(ctx context.Context, in *ExpandVolumeRequest, opts ...grpc.CallOption) (*ExpandVolumeResponse, error)
	CreateSnapshot(ctx context.Context, in *CreateSnapshotRequest, opts ...grpc.CallOption) (*CreateSnapshotResponse, error)
	DeleteSnapshot(ctx context.Context, in *DeleteSnapshotRequest, opts ...grpc.CallOption) (*DeleteSnapshotResponse, error)
	ListSnapshots(ctx context.Context, in *ListSnapshotsRequest, opts ...grpc.CallOption) (*ListSnapshotsResponse, error)
	GetVolumeInfo(ctx context.Context, in *GetVolumeInfoRequest, opts ...grpc.CallOption) (*GetVolumeInfoResponse, error)
}

type volumeDriverClient struct {
	cc grpc.ClientConnInterface
}

// NewVolumeDriverClient returns a client bound to cc.
func NewVolumeDriverClient(cc grpc.ClientConnInterface) VolumeDriverClient {
	return &volumeDriverClient{cc: cc}
}

func (c *volumeDriverClient) CreateVolume(ctx context.Context, in *CreateVolumeRequest, opts ...grpc.CallOption) (*CreateVolumeResponse, error) {
	out := new(CreateVolumeResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/CreateVolume", in, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *volumeDriverClient) DeleteVolume(ctx context.Context, in *DeleteVolumeRequest, opts ...grpc.CallOption) (*DeleteVolumeResponse, error) {
	out := new(DeleteVolumeResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/DeleteVolume", in, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *volumeDriverClient) ExpandVolume(ctx context.Context, in *ExpandVolumeRequest, opts ...grpc.CallOption) (*ExpandVolumeResponse, error) {
	out := new(ExpandVolumeResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/ExpandVolume", in, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *volumeDriverClient) CreateSnapshot(ctx context.Context, in *CreateSnapshotRequest, opts ...grpc.CallOption) (*CreateSnapshotResponse, error) {
	out := new(CreateSnapshotResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/CreateSnapshot", in, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *volumeDriverClient) DeleteSnapshot(ctx context.Context, in *DeleteSnapshotRequest, opts ...grpc.CallOption) (*DeleteSnapshotResponse, error) {
	out := new(DeleteSnapshotResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/DeleteSnapshot", in, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *volumeDriverClient) ListSnapshots(ctx context.Context, in *ListSnapshotsRequest, opts ...grpc.CallOption) (*ListSnapshotsResponse, error) {
	out := new(ListSnapshotsResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/ListSnapshots", in, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *volumeDriverClient) GetVolumeInfo(ctx context.Context, in *GetVolumeInfoRequest, opts ...grpc.CallOption) (*GetVolumeInfoResponse, error) {
	out := new(GetVolumeInfoResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetVolumeInfo", in, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}
