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

package util

import (
	"flag"
	"time"
)

var (
	// GitCommit is set at build time via -ldflags.
	GitCommit string
	// DriverVersion is set at build time via -ldflags.
	DriverVersion string
)

// Config holds the parameters the volumedriver process is configured with,
// gathered by FlagSet from the command line. cmd/volumedriver reads NodeID,
// ClusterID, InstanceID, ControlPlaneEndpoint, BasePath, PollTime and the
// profiling/metrics fields; the other fields are parsed from their flags but
// not read by any component, so the effects their comments name do not
// happen.
type Config struct {
	NodeID     string // identifier of this node within the cluster
	ClusterID  string // identifier of the cluster this node's control plane serves, carried on every RPC
	InstanceID string // unique ID distinguishing this instance among peers sharing a backend namespace

	ControlPlaneEndpoint string // gRPC endpoint the control plane server listens on, e.g. unix://var/run/volumedriver.sock
	DTLEndpoint          string // gRPC endpoint the DTL server listens on for replicated writes

	BasePath   string // root directory for local per-node state (SCO cache, TLog staging, cache persister records)
	PluginPath string // location volumedriver state is rooted under when run as a CSI-style plugin

	IsControllerServer bool // start the control-plane server (create/delete/snapshot/clone)
	IsNodeServer       bool // start the DTL server and local volume manager
	Version            bool // print version information and exit

	EnableProfiling bool   // enable the net/http/pprof endpoints
	MetricsPath     string // path of the prometheus endpoint
	MetricsIP       string // address the metrics/profiling HTTP server binds
	MetricsPort     int    // TCP port for the metrics/profiling HTTP server

	PollTime    time.Duration // interval between liveness polls
	PoolTimeout time.Duration // probe timeout

	PidLimit int // PID limit to configure through cgroups, 0 disables

	// SCOCacheTrigger/SCOCacheBackoff are the non-disposable SCO cache
	// high/low watermarks of spec.md §4.2, expressed as a fraction of
	// the configured cache capacity.
	SCOCacheTriggerGap float64
	SCOCacheBackoffGap float64

	// ClusterCacheCapacity is the maximum number of cluster-sized entries the
	// in-memory read cache of spec.md §4.3 will hold.
	ClusterCacheCapacity uint64

	// MaxRedirects is parsed but not read; controlplane.RedirectClient
	// bounds redirect hops by its own MaxRedirects field, which defaults to
	// DefaultMaxRedirects.
	MaxRedirects int
}

// FlagSet registers c's fields onto fs, mirroring the flat flag-variable
// convention of a cephcsi-style main package.
func (c *Config) FlagSet(fs *flag.FlagSet) {
	fs.StringVar(&c.NodeID, "nodeid", "", "node id")
	fs.StringVar(&c.ClusterID, "clusterid", "", "id of the cluster this node's control plane serves")
	fs.StringVar(&c.InstanceID, "instanceid", "", "unique ID distinguishing this instance among peers sharing a backend namespace")
	fs.StringVar(&c.ControlPlaneEndpoint, "endpoint", "unix://tmp/volumedriver.sock", "control plane gRPC endpoint")
	fs.StringVar(&c.DTLEndpoint, "dtl-endpoint", "unix://tmp/volumedriver-dtl.sock", "DTL replication gRPC endpoint")
	fs.StringVar(&c.BasePath, "base-path", "/var/lib/volumedriver", "root directory for local per-node state")
	fs.StringVar(&c.PluginPath, "pluginpath", "/var/lib/kubelet/plugins/", "the location volumedriver state is rooted under when run as a plugin")
	fs.BoolVar(&c.IsControllerServer, "controllerserver", false, "start the control plane server")
	fs.BoolVar(&c.IsNodeServer, "nodeserver", false, "start the node (DTL + volume manager) server")
	fs.BoolVar(&c.Version, "version", false, "print volumedriver version information")

	fs.BoolVar(&c.EnableProfiling, "enableprofiling", false, "enable net/http/pprof endpoints")
	fs.StringVar(&c.MetricsPath, "metricspath", "/metrics", "path of the prometheus endpoint")
	fs.StringVar(&c.MetricsIP, "metricsip", "0.0.0.0", "address the metrics server binds")
	fs.IntVar(&c.MetricsPort, "metricsport", 8080, "TCP port for metrics/profiling requests")
	fs.DurationVar(&c.PollTime, "polltime", time.Second*60, "time interval between liveness polls")
	fs.DurationVar(&c.PoolTimeout, "timeout", time.Second*3, "probe timeout")
	fs.IntVar(&c.PidLimit, "pidlimit", 0, "the PID limit to configure through cgroups")

	fs.Float64Var(&c.SCOCacheTriggerGap, "scocache-trigger-gap", 0.1, "fraction of non-disposable SCO cache capacity that triggers cleanup")
	fs.Float64Var(&c.SCOCacheBackoffGap, "scocache-backoff-gap", 0.05, "fraction of non-disposable SCO cache capacity cleanup backs off at")
	fs.Uint64Var(&c.ClusterCacheCapacity, "clustercache-capacity", 1<<16, "maximum number of cluster entries held in the read cache")
	fs.IntVar(&c.MaxRedirects, "max-redirects", 16, "control plane client redirect hops before giving up")
}
