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

// Package testprovider is an in-process example Provider (spec §4.7) that
// runs pods as native OS processes instead of WASM modules or containers —
// "modules" fetched from a ModuleStore are executable files, one per
// container. It exists to exercise the core agent end-to-end (the E1-E6
// scenarios in spec §8) without depending on a real container or WASM
// runtime.
//
// The concrete state graph (Registered, ImagePull, ImagePullBackoff,
// VolumeMount, Starting, Running, Completed, CrashLoopBackoff) mirrors
// original_source/crates/wasi-provider/src/states/* and
// wascc-provider/src/states/pod/image_pull.rs, generalized from one fixed
// WASM provider onto the pluggable provider.Provider[S] seam.
package testprovider

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// processStopper adapts *exec.Cmd to handle.Stopper.
type processStopper struct {
	cmd *exec.Cmd

	waitErr  error
	waitDone chan struct{}
}

func startProcess(ctx context.Context, path string, args, env []string, dir string, stdout io.Writer) (*processStopper, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = env
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stdout
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("testprovider: starting %s: %w", path, err)
	}
	p := &processStopper{cmd: cmd, waitDone: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.waitDone)
	}()
	return p, nil
}

// Stop signals the process to terminate without waiting for it to exit.
func (p *processStopper) Stop() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Wait blocks until the process exits, returning its error (nil on exit
// code 0).
func (p *processStopper) Wait() error {
	<-p.waitDone
	return p.waitErr
}

// startProcessIO is startProcess's variant for interactive exec sessions,
// wiring stdin in addition to stdout/stderr.
func startProcessIO(ctx context.Context, path string, args, env []string, dir string, stdin io.Reader, stdout, stderr io.Writer) (*processStopper, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = env
	cmd.Dir = dir
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("testprovider: starting %s: %w", path, err)
	}
	p := &processStopper{cmd: cmd, waitDone: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.waitDone)
	}()
	return p, nil
}

// writeExecutable persists module bytes as a runnable file at path.
func writeExecutable(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o755); err != nil {
		return fmt.Errorf("testprovider: writing module to %s: %w", path, err)
	}
	return nil
}
