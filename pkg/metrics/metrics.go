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

// Package metrics collects per-RPC latency and outcome counters for the
// control-plane gRPC server, exported through the same prometheus registry
// internal/backendtasks and internal/dtl publish to.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/nimbusvol/volumedriver/internal/util/log"
)

var (
	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "volumedriver",
		Subsystem: "controlplane",
		Name:      "request_duration_seconds",
		Help:      "Control plane RPC latency by method and outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "outcome"})

	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "volumedriver",
		Subsystem: "controlplane",
		Name:      "requests_total",
		Help:      "Control plane RPCs served, by method and outcome.",
	}, []string{"method", "outcome"})
)

func init() {
	prometheus.MustRegister(requestDuration, requestsTotal)
}

// UnaryServerInterceptor records requestDuration/requestsTotal for every
// unary control-plane call and logs its outcome at the debug log level.
func UnaryServerInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}

	elapsed := time.Since(start).Seconds()
	requestDuration.WithLabelValues(info.FullMethod, outcome).Observe(elapsed)
	requestsTotal.WithLabelValues(info.FullMethod, outcome).Inc()
	log.DebugLogMsg("controlplane: %s served in %.3fs (%s)", info.FullMethod, elapsed, outcome)

	return resp, err
}
