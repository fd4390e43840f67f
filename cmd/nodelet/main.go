/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

// Command nodelet runs the agent with internal/testprovider as its
// Provider: pods are executed as native OS processes rather than containers
// under a real runtime, making this binary a self-contained way to exercise
// the full EventQueue/StateMachine/NodeController/Log-Exec pipeline without
// a container engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	nodelet "go.corp.nvidia.com/nodelet"
	"go.corp.nvidia.com/nodelet/internal/apiclient"
	"go.corp.nvidia.com/nodelet/internal/audit"
	"go.corp.nvidia.com/nodelet/internal/config"
	"go.corp.nvidia.com/nodelet/internal/modulestore"
	"go.corp.nvidia.com/nodelet/internal/nodeerrs"
	"go.corp.nvidia.com/nodelet/internal/postgres"
	"go.corp.nvidia.com/nodelet/internal/testprovider"
	"go.corp.nvidia.com/nodelet/internal/volume"
	"go.corp.nvidia.com/nodelet/pkg/logging"
	"go.corp.nvidia.com/nodelet/pkg/metrics"
)

// scriptFetcher resolves a container's image reference to a shell script
// read from disk, rooted at a directory of demo scripts: there is no real
// registry backing this provider, just files named after their ref.
type scriptFetcher struct{ dir string }

func (f scriptFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, ref))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", nodeerrs.ErrModuleNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", nodeerrs.ErrModuleTransient, err)
	}
	return data, nil
}

func main() {
	loggingFlags := logging.RegisterFlags()
	metricsFlags := metrics.RegisterFlags("nodelet")
	agentFlags := config.RegisterAgentFlags()
	scriptsDir := flag.String("scripts-dir", "./scripts", "directory of demo container scripts, named by image ref")
	serverAddr := flag.String("server-addr", ":10250", "Log/Exec server listen address")
	auditDSN := flag.String("audit-postgres-host", "", "if set, enables the Postgres state-transition audit sink at this host")
	flag.Parse()

	logger := logging.InitLogger("nodelet", loggingFlags.ToConfig())
	slog.SetDefault(logger)

	if err := metrics.Init(metricsFlags.ToConfig()); err != nil {
		slog.Warn("metrics disabled: initialization failed", slog.String("error", err.Error()))
	}

	cfg, err := agentFlags.ToAgentConfig(runtime.GOARCH)
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", fmt.Errorf("%w: %v", nodeerrs.ErrConfig, err).Error()))
		os.Exit(1)
	}

	for _, dir := range []string{cfg.ModulesDir(), cfg.VolumesDir(), cfg.LogsDir(), cfg.PluginsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("failed to prepare data directory", slog.String("dir", dir), slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	client, err := apiclient.New(cfg.Kubeconfig, cfg.NodeName)
	if err != nil {
		slog.Error("failed to build cluster API client", slog.String("error", fmt.Errorf("%w: %v", nodeerrs.ErrConfig, err).Error()))
		os.Exit(1)
	}

	modules, err := modulestore.NewDiskCache(scriptFetcher{dir: *scriptsDir}, cfg.ModulesDir(), 5*time.Minute, 256, nil)
	if err != nil {
		slog.Error("failed to build module store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	volumes := volume.NewResolver(client, client, cfg.VolumesDir(), time.Minute, 256)

	var auditSink audit.Sink
	if *auditDSN != "" {
		pgCfg := postgres.DefaultConfig()
		pgCfg.Host = *auditDSN
		ctx := context.Background()
		pgClient, err := postgres.NewClient(ctx, pgCfg, logger)
		if err != nil {
			slog.Warn("audit sink disabled: postgres connection failed", slog.String("error", err.Error()))
		} else {
			sink := audit.NewPostgresSink(pgClient.Pool())
			if err := audit.EnsureSchema(ctx, pgClient.Pool()); err != nil {
				slog.Warn("audit sink disabled: schema setup failed", slog.String("error", err.Error()))
			} else {
				auditSink = sink
			}
		}
	}

	provider := testprovider.New(runtime.GOARCH, cfg, modules, volumes, client, client)

	agent := nodelet.New[testprovider.PodState](cfg, client, provider, nodelet.Options{
		ServerAddr: *serverAddr,
		AuditSink:  auditSink,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := agent.Bootstrap(ctx); err != nil {
		slog.Error("bootstrap failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("nodelet started", slog.String("node", cfg.NodeName), slog.String("arch", cfg.Arch))
	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("agent exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
