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
	"fmt"
	"net/http"
	"net/http/pprof"
	runtime_pprof "runtime/pprof"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nimbusvol/volumedriver/internal/util/log"
)

// ValidateURL validates that c.MetricsPath is an absolute path.
func ValidateURL(c *Config) error {
	if c.MetricsPath == "" || c.MetricsPath[0] != '/' {
		return fmt.Errorf("metrics path %q is not an absolute path", c.MetricsPath)
	}

	return nil
}

func addPath(mux *http.ServeMux, name string, handler http.Handler) {
	mux.Handle(name, handler)
	log.DebugLogMsg("registered handler on %s", name)
}

// EnableProfiling registers the net/http/pprof endpoints on mux.
func EnableProfiling(mux *http.ServeMux) {
	for _, profile := range runtime_pprof.Profiles() {
		name := profile.Name()
		addPath(mux, "/debug/pprof/"+name, pprof.Handler(name))
	}

	// static profiles, as listed in net/http/pprof/pprof.go:init()
	addPath(mux, "/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
	addPath(mux, "/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	addPath(mux, "/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	addPath(mux, "/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
}

// StartMetricsServer validates c and serves the prometheus registry at
// c.MetricsPath, optionally alongside the pprof endpoints. It blocks, so
// callers run it on its own goroutine.
func StartMetricsServer(c *Config) {
	if err := ValidateURL(c); err != nil {
		log.FatalLogMsg("failed to validate metrics path: %s", err)
	}

	mux := http.NewServeMux()
	mux.Handle(c.MetricsPath, promhttp.Handler())
	if c.EnableProfiling {
		EnableProfiling(mux)
	}

	addr := fmt.Sprintf("%s:%d", c.MetricsIP, c.MetricsPort)
	log.DefaultLog("metrics server listening on %s%s", addr, c.MetricsPath)

	err := http.ListenAndServe(addr, mux) //nolint:gosec // internal metrics endpoint
	if err != nil {
		log.FatalLogMsg("failed to run metrics server: %s", err)
	}
}
