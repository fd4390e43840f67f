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

package config

import (
	"flag"
	"fmt"
	"os"
)

// AgentConfig holds the agent-wide settings every nodelet binary needs,
// mirroring the KRUSTLET_DATA_DIR / KRUSTLET_NODE_IP / KRUSTLET_HOSTNAME /
// KUBECONFIG environment variables from the spec.
type AgentConfig struct {
	DataDir        string
	NodeName       string
	NodeIP         string
	Kubeconfig     string
	Arch           string
	LeaseNamespace string
}

// AgentFlagPointers holds pointers to flag values for AgentConfig.
type AgentFlagPointers struct {
	dataDir        *string
	nodeName       *string
	nodeIP         *string
	kubeconfig     *string
	leaseNamespace *string
}

// RegisterAgentFlags registers agent-wide command-line flags.
func RegisterAgentFlags() *AgentFlagPointers {
	hostname, _ := os.Hostname()
	return &AgentFlagPointers{
		dataDir: flag.String("data-dir",
			GetEnv("KRUSTLET_DATA_DIR", "/var/lib/nodelet"), "Directory for cached modules, volumes, logs and plugin sockets"),
		nodeName: flag.String("node-name",
			GetEnv("KRUSTLET_HOSTNAME", hostname), "Name this node registers under"),
		nodeIP: flag.String("node-ip",
			GetEnv("KRUSTLET_NODE_IP", ""), "IP address advertised for this node"),
		kubeconfig: flag.String("kubeconfig",
			GetEnv("KUBECONFIG", ""), "Path to kubeconfig; empty uses in-cluster config"),
		leaseNamespace: flag.String("lease-namespace",
			GetEnv("NODELET_LEASE_NAMESPACE", "kube-node-lease"), "Namespace node leases are renewed in"),
	}
}

// ToAgentConfig converts flag pointers to AgentConfig. Must be called after
// flag.Parse(). arch is supplied by the provider (spec §4.7 Provider.ARCH).
func (f *AgentFlagPointers) ToAgentConfig(arch string) (AgentConfig, error) {
	if *f.nodeName == "" {
		return AgentConfig{}, fmt.Errorf("node name could not be determined: set -node-name or KRUSTLET_HOSTNAME")
	}
	return AgentConfig{
		DataDir:        *f.dataDir,
		NodeName:       *f.nodeName,
		NodeIP:         *f.nodeIP,
		Kubeconfig:     *f.kubeconfig,
		Arch:           arch,
		LeaseNamespace: *f.leaseNamespace,
	}, nil
}

// ModulesDir returns the on-disk cache directory for fetched module artifacts.
func (c AgentConfig) ModulesDir() string { return c.DataDir + "/modules" }

// VolumesDir returns the on-disk directory materialized volumes are written under.
func (c AgentConfig) VolumesDir() string { return c.DataDir + "/volumes" }

// LogsDir returns the on-disk directory rotating container log files are written under.
func (c AgentConfig) LogsDir() string { return c.DataDir + "/logs" }

// PluginsDir returns the directory device/CSI plugin sockets listen on.
// Out of core scope; nodelet only re-exports the directory (spec §6).
func (c AgentConfig) PluginsDir() string { return c.DataDir + "/plugins" }
