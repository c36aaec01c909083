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

// Package controlplane implements the gRPC control-plane surface of
// spec.md §6: create/delete/expand volume, create/delete/list snapshots,
// volume info, and the redirect-following client every call is subject to.
package controlplane

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nimbusvol/volumedriver/api/volumedriverpb"
	"github.com/nimbusvol/volumedriver/internal/util"
)

// DefaultMaxRedirects is spec.md §6's "max_redirects (default 2)".
const DefaultMaxRedirects = 2

// RedirectClient follows volumedriverpb.RedirectInfo responses up to
// MaxRedirects hops before surfacing util.ErrMaxRedirectsExceeded (spec.md
// §6 testable property 8, S6).
type RedirectClient struct {
	MaxRedirects int

	mu      sync.Mutex
	conns   map[string]*grpc.ClientConn
	dialler func(target string) (*grpc.ClientConn, error)
}

// NewRedirectClient returns a client dialling plaintext gRPC targets
// (cluster-internal traffic; spec.md does not call for TLS between
// control-plane peers).
func NewRedirectClient() *RedirectClient {
	c := &RedirectClient{MaxRedirects: DefaultMaxRedirects, conns: make(map[string]*grpc.ClientConn)}
	c.dialler = func(target string) (*grpc.ClientConn, error) {
		return grpc.Dial(target, grpc.WithTransportCredentials(insecure.NewCredentials())) //nolint:staticcheck // grpc.NewClient requires grpc >= 1.63
	}

	return c
}

func (c *RedirectClient) clientFor(host string, port uint32) (volumedriverpb.VolumeDriverClient, error) {
	target := fmt.Sprintf("%s:%d", host, port)

	c.mu.Lock()
	defer c.mu.Unlock()
	cc, ok := c.conns[target]
	if !ok {
		var err error
		cc, err = c.dialler(target)
		if err != nil {
			return nil, fmt.Errorf("controlplane: dial %s: %w", target, err)
		}
		c.conns[target] = cc
	}

	return volumedriverpb.NewVolumeDriverClient(cc), nil
}

// call invokes fn against host:port, following up to MaxRedirects
// redirects returned through getRedirect before giving up.
func call[Resp any](ctx context.Context, c *RedirectClient, host string, port uint32, fn func(volumedriverpb.VolumeDriverClient) (*Resp, error), getRedirect func(*Resp) *volumedriverpb.RedirectInfo) (*Resp, error) {
	for hop := 0; ; hop++ {
		client, err := c.clientFor(host, port)
		if err != nil {
			return nil, err
		}
		resp, err := fn(client)
		if err != nil {
			return nil, err
		}

		redirect := getRedirect(resp)
		if redirect == nil {
			return resp, nil
		}
		if hop >= c.MaxRedirects {
			return nil, util.NewErrMaxRedirectsExceeded(redirect.Host, int(redirect.Port),
				fmt.Errorf("controlplane: exceeded %d redirects", c.MaxRedirects))
		}
		host, port = redirect.Host, redirect.Port
	}
}

// CreateVolume follows redirects to completion (spec.md §6).
func (c *RedirectClient) CreateVolume(ctx context.Context, host string, port uint32, req *volumedriverpb.CreateVolumeRequest) (*volumedriverpb.CreateVolumeResponse, error) {
	return call(ctx, c, host, port,
		func(cl volumedriverpb.VolumeDriverClient) (*volumedriverpb.CreateVolumeResponse, error) {
			return cl.CreateVolume(ctx, req)
		},
		func(r *volumedriverpb.CreateVolumeResponse) *volumedriverpb.RedirectInfo { return r.Redirect })
}

// DeleteVolume follows redirects to completion (spec.md §6).
func (c *RedirectClient) DeleteVolume(ctx context.Context, host string, port uint32, req *volumedriverpb.DeleteVolumeRequest) (*volumedriverpb.DeleteVolumeResponse, error) {
	return call(ctx, c, host, port,
		func(cl volumedriverpb.VolumeDriverClient) (*volumedriverpb.DeleteVolumeResponse, error) {
			return cl.DeleteVolume(ctx, req)
		},
		func(r *volumedriverpb.DeleteVolumeResponse) *volumedriverpb.RedirectInfo { return r.Redirect })
}

// GetVolumeInfo follows redirects to completion (spec.md §6).
func (c *RedirectClient) GetVolumeInfo(ctx context.Context, host string, port uint32, req *volumedriverpb.GetVolumeInfoRequest) (*volumedriverpb.GetVolumeInfoResponse, error) {
	return call(ctx, c, host, port,
		func(cl volumedriverpb.VolumeDriverClient) (*volumedriverpb.GetVolumeInfoResponse, error) {
			return cl.GetVolumeInfo(ctx, req)
		},
		func(r *volumedriverpb.GetVolumeInfoResponse) *volumedriverpb.RedirectInfo { return r.Redirect })
}

// Close releases every dialled connection.
func (c *RedirectClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cc := range c.conns {
		if err := cc.Close(); err != nil {
			return err
		}
	}

	return nil
}
