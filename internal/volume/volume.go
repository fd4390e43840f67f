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

// Package volume implements the Secret/ConfigMap resolver and volume
// materializer (spec §6): looks up secrets/configmaps and projects their
// values as files under a pod-scoped directory, returning a
// handle.VolumeRef whose Release removes the materialized directory.
//
// The lookup cache is the teacher's generic KeyedCache[V any] pattern
// (utils/roles/role_cache.go) specialized to corev1.Secret/ConfigMap
// values, since secret/configmap reads are exactly the kind of
// batch-by-name, short-TTL lookup that cache was built for.
package volume

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	corev1 "k8s.io/api/core/v1"

	"go.corp.nvidia.com/nodelet/internal/handle"
)

// SecretGetter is the consumed secret-lookup seam (spec §6).
type SecretGetter interface {
	GetSecret(ctx context.Context, ns, name string) (*corev1.Secret, error)
}

// ConfigMapGetter is the consumed configmap-lookup seam (spec §6).
type ConfigMapGetter interface {
	GetConfigMap(ctx context.Context, ns, name string) (*corev1.ConfigMap, error)
}

// Resolver materializes a pod's secret/configmap volumes onto disk, caching
// lookups for cacheTTL to absorb bursts of pods referencing the same
// secret.
type Resolver struct {
	secrets    SecretGetter
	configMaps ConfigMapGetter
	baseDir    string

	secretCache *lru.LRU[string, *corev1.Secret]
	cmCache     *lru.LRU[string, *corev1.ConfigMap]
}

// NewResolver builds a Resolver rooted at baseDir (typically
// config.VolumesDir()).
func NewResolver(secrets SecretGetter, configMaps ConfigMapGetter, baseDir string, cacheTTL time.Duration, cacheSize int) *Resolver {
	return &Resolver{
		secrets:     secrets,
		configMaps:  configMaps,
		baseDir:     baseDir,
		secretCache: lru.NewLRU[string, *corev1.Secret](cacheSize, nil, cacheTTL),
		cmCache:     lru.NewLRU[string, *corev1.ConfigMap](cacheSize, nil, cacheTTL),
	}
}

func cacheKey(ns, name string) string { return ns + "/" + name }

func (r *Resolver) getSecret(ctx context.Context, ns, name string) (*corev1.Secret, error) {
	key := cacheKey(ns, name)
	if s, ok := r.secretCache.Get(key); ok {
		return s, nil
	}
	s, err := r.secrets.GetSecret(ctx, ns, name)
	if err != nil {
		return nil, err
	}
	r.secretCache.Add(key, s)
	return s, nil
}

func (r *Resolver) getConfigMap(ctx context.Context, ns, name string) (*corev1.ConfigMap, error) {
	key := cacheKey(ns, name)
	if cm, ok := r.cmCache.Get(key); ok {
		return cm, nil
	}
	cm, err := r.configMaps.GetConfigMap(ctx, ns, name)
	if err != nil {
		return nil, err
	}
	r.cmCache.Add(key, cm)
	return cm, nil
}

// podDir is volumes/{pod_ns}-{pod_name}/ per spec §6's on-disk layout.
func (r *Resolver) podDir(ns, pod string) string {
	return filepath.Join(r.baseDir, fmt.Sprintf("%s-%s", ns, pod))
}

// Materialize resolves every volume in vols that this resolver understands
// (Secret and ConfigMap projections; other volume kinds are skipped — a
// provider may materialize those itself) and writes them as
// volumes/{ns}-{pod}/{volume}/{key} files, returning one VolumeRef per
// materialized volume.
func (r *Resolver) Materialize(ctx context.Context, ns, pod string, vols []corev1.Volume) ([]*handle.VolumeRef, error) {
	refs := make([]*handle.VolumeRef, 0, len(vols))
	for _, v := range vols {
		ref, ok, err := r.materializeOne(ctx, ns, pod, v)
		if err != nil {
			for _, r := range refs {
				_ = r.Release()
			}
			return nil, fmt.Errorf("volume: materializing %s: %w", v.Name, err)
		}
		if ok {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func (r *Resolver) materializeOne(ctx context.Context, ns, pod string, v corev1.Volume) (*handle.VolumeRef, bool, error) {
	dir := filepath.Join(r.podDir(ns, pod), v.Name)

	switch {
	case v.Secret != nil:
		secret, err := r.getSecret(ctx, ns, v.Secret.SecretName)
		if err != nil {
			return nil, false, err
		}
		if err := writeFiles(dir, secret.Data); err != nil {
			return nil, false, err
		}
	case v.ConfigMap != nil:
		cm, err := r.getConfigMap(ctx, ns, v.ConfigMap.Name)
		if err != nil {
			return nil, false, err
		}
		data := make(map[string][]byte, len(cm.Data)+len(cm.BinaryData))
		for k, v := range cm.Data {
			data[k] = []byte(v)
		}
		for k, v := range cm.BinaryData {
			data[k] = v
		}
		if err := writeFiles(dir, data); err != nil {
			return nil, false, err
		}
	default:
		return nil, false, nil
	}

	return handle.NewVolumeRef(v.Name, dir, func() error {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("volume: removing %s: %w", dir, err)
		}
		return nil
	}), true, nil
}

func writeFiles(dir string, data map[string][]byte) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating volume dir %s: %w", dir, err)
	}
	for key, value := range data {
		path := filepath.Join(dir, key)
		if err := os.WriteFile(path, value, 0o600); err != nil {
			return fmt.Errorf("writing volume file %s: %w", path, err)
		}
	}
	return nil
}

// InvalidateSecret drops a cached secret, e.g. after the cluster watch
// observes an update, so the next Materialize re-fetches it.
func (r *Resolver) InvalidateSecret(ns, name string) {
	if !r.secretCache.Remove(cacheKey(ns, name)) {
		slog.Debug("secret invalidation missed cache", slog.String("secret", cacheKey(ns, name)))
	}
}

// InvalidateConfigMap drops a cached configmap.
func (r *Resolver) InvalidateConfigMap(ns, name string) {
	if !r.cmCache.Remove(cacheKey(ns, name)) {
		slog.Debug("configmap invalidation missed cache", slog.String("configmap", cacheKey(ns, name)))
	}
}
