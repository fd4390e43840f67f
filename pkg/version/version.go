/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION. All rights reserved.

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

// Package version reports the agent's build version, read from a
// version.yaml shipped alongside the package (falling back to "dev" when
// absent, e.g. when running from `go run`).
package version

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Info is the parsed contents of version.yaml.
type Info struct {
	Major    string `yaml:"major"`
	Minor    string `yaml:"minor"`
	Revision string `yaml:"revision"`
	Hash     string `yaml:"hash"`
}

// String renders major.minor.revision[.hash].
func (v Info) String() string {
	s := fmt.Sprintf("%s.%s.%s", v.Major, v.Minor, v.Revision)
	if v.Hash != "" {
		s += "." + v.Hash
	}
	return s
}

// Load reads version.yaml from this package's own directory. Returns "dev"
// (with a non-nil error) if the file is missing or malformed, so callers can
// log the failure but still report a usable string.
func Load() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "dev", fmt.Errorf("version: could not determine source location")
	}

	path := filepath.Join(filepath.Dir(filename), "version.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return "dev", fmt.Errorf("version: reading %s: %w", path, err)
	}

	var info Info
	if err := yaml.Unmarshal(data, &info); err != nil {
		return "dev", fmt.Errorf("version: parsing %s: %w", path, err)
	}

	return info.String(), nil
}
