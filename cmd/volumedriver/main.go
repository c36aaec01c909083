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

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/nimbusvol/volumedriver/internal/backend"
	"github.com/nimbusvol/volumedriver/internal/controlplane"
	"github.com/nimbusvol/volumedriver/internal/heartbeat"
	"github.com/nimbusvol/volumedriver/internal/registry"
	"github.com/nimbusvol/volumedriver/internal/util"
	"github.com/nimbusvol/volumedriver/internal/util/log"
)

var cfg util.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "volumedriver",
	Short:   "Per-volume distributed block storage engine",
	Version: versionString(),
}

func versionString() string {
	return fmt.Sprintf("%s (commit %s)", orDefault(util.DriverVersion, "dev"), orDefault(util.GitCommit, "unknown"))
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}

	return s
}

func init() {
	goFlags := flag.NewFlagSet("volumedriver", flag.ContinueOnError)
	cfg.FlagSet(goFlags)
	klog.InitFlags(goFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(goFlags)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(selftestCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane gRPC server and fencing heartbeat",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := util.ValidateURL(&cfg); err != nil {
			return err
		}

		be, err := backend.NewLocalConnection(filepath.Join(cfg.BasePath, "backend"))
		if err != nil {
			return fmt.Errorf("open backend: %w", err)
		}

		reg := registry.New()
		svc := controlplane.NewService(cfg.ClusterID, cfg.BasePath, be, reg)

		srv := controlplane.NewServer()
		if err := srv.Start(cfg.ControlPlaneEndpoint, svc); err != nil {
			return fmt.Errorf("start control plane server: %w", err)
		}

		var hb *heartbeat.HeartBeat
		if cfg.InstanceID != "" {
			lockStore := heartbeat.NewBackendLockStore(be, cfg.ClusterID, "cluster.lock")
			hb = heartbeat.New(cfg.NodeID, lockStore, cfg.InstanceID, cfg.PollTime, func() {
				log.ErrorLogMsg("lost cluster lock, halting every volume on %s", cfg.NodeID)
				reg.HaltAll(util.ErrFenced)
			})
			hb.Start(cmd.Context())
		}

		if cfg.EnableProfiling || cfg.MetricsPath != "" {
			go util.StartMetricsServer(&cfg)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.DefaultLog("shutting down")
		if hb != nil {
			hb.Stop()
		}
		srv.Stop()

		return nil
	},
}

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Exercise the write/read/snapshot data path against a local backend and report pass/fail",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := os.MkdirTemp("", "volumedriver-selftest-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)

		results := runSelfTests(cmd.Context(), dir)
		failed := false
		for _, r := range results {
			status := "PASS"
			if r.err != nil {
				status = "FAIL: " + r.err.Error()
				failed = true
			}
			fmt.Printf("%-40s %s\n", r.name, status)
		}
		if failed {
			return fmt.Errorf("one or more self tests failed")
		}

		return nil
	},
}

