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
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"google.golang.org/grpc"

	"github.com/nimbusvol/volumedriver/api/volumedriverpb"
	"github.com/nimbusvol/volumedriver/internal/util/log"
	"github.com/nimbusvol/volumedriver/pkg/metrics"
)

// parseEndpoint splits a "unix://path" or "tcp://host:port" endpoint into
// the (network, address) pair net.Listen expects.
func parseEndpoint(ep string) (string, string, error) {
	lower := strings.ToLower(ep)
	if strings.HasPrefix(lower, "unix://") || strings.HasPrefix(lower, "tcp://") {
		parts := strings.SplitN(ep, "://", 2)
		if parts[1] != "" {
			return parts[0], parts[1], nil
		}
	}

	return "", "", fmt.Errorf("controlplane: invalid endpoint %q", ep)
}

// Server is a non-blocking wrapper around a grpc.Server bound to
// volumedriverpb.VolumeDriver -- every unary RPC is instrumented via
// pkg/metrics.UnaryServerInterceptor.
type Server struct {
	wg     sync.WaitGroup
	server *grpc.Server
}

// NewServer returns a Server that has not yet started listening.
func NewServer() *Server {
	return &Server{}
}

// Start begins serving svc on endpoint in the background.
func (s *Server) Start(endpoint string, svc volumedriverpb.VolumeDriverServer) error {
	network, addr, err := parseEndpoint(endpoint)
	if err != nil {
		return err
	}
	if network == "unix" {
		addr = "/" + strings.TrimPrefix(addr, "/")
		if err := os.Remove(addr); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("controlplane: remove stale socket %s: %w", addr, err)
		}
	}

	listener, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("controlplane: listen on %s: %w", endpoint, err)
	}

	server := grpc.NewServer(grpc.UnaryInterceptor(metrics.UnaryServerInterceptor))
	volumedriverpb.RegisterVolumeDriverServer(server, svc)
	s.server = server

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.DefaultLog("control plane listening on %s", listener.Addr())
		if err := server.Serve(listener); err != nil {
			log.ErrorLogMsg("control plane server stopped: %s", err)
		}
	}()

	return nil
}

// Wait blocks until the server has stopped.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Stop gracefully drains in-flight RPCs before shutting down.
func (s *Server) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
	}
}
