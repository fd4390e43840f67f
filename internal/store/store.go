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

// Package store implements ObjectStore: a typed, concurrent cache of
// cluster objects keyed by (kind, namespace, name), per spec §4.1.
//
// The store holds heterogeneous object types behind one RWMutex-guarded
// map-of-maps, the way the teacher's generic KeyedCache wraps an LRU behind
// one lock: reads and writes of every type share that one lock, held for the
// whole operation, so reads run concurrently with each other while a write
// to any TypeKey excludes reads and writes of every other TypeKey.
package store

import (
	"fmt"
	"sync"

	"go.corp.nvidia.com/nodelet/internal/nodeerrs"
)

// ObjectKey identifies an object within a type: (namespace?, name).
// Namespace is empty for cluster-scoped objects.
type ObjectKey struct {
	Namespace string
	Name      string
}

func (k ObjectKey) String() string {
	if k.Namespace == "" {
		return k.Name
	}
	return k.Namespace + "/" + k.Name
}

// TypeKey identifies the schema of stored objects: (group, version, kind).
type TypeKey struct {
	Group   string
	Version string
	Kind    string
}

func (t TypeKey) String() string {
	if t.Group == "" {
		return t.Version + "/" + t.Kind
	}
	return t.Group + "/" + t.Version + "/" + t.Kind
}

// Store is a typed, concurrent ObjectStore. The zero value is not usable;
// construct with New.
type Store struct {
	mu     sync.RWMutex
	byType map[TypeKey]map[ObjectKey]any
}

// New creates an empty Store.
func New() *Store {
	return &Store{byType: make(map[TypeKey]map[ObjectKey]any)}
}

// Insert overwrites any prior value for (typeKey, objKey).
func Insert[T any](s *Store, typeKey TypeKey, objKey ObjectKey, value T) {
	s.InsertAny(typeKey, objKey, value)
}

// InsertAny inserts a type-erased value, used when the caller received the
// value dynamically (e.g. off a generic watch decoder).
func (s *Store) InsertAny(typeKey TypeKey, objKey ObjectKey, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inner, ok := s.byType[typeKey]
	if !ok {
		inner = make(map[ObjectKey]any)
		s.byType[typeKey] = inner
	}
	inner[objKey] = value
}

// Get returns the value stored at (typeKey, objKey) downcast to T. If no
// value is stored, ok is false and err is nil. If a value is stored under a
// different type, err wraps nodeerrs.ErrTypeMismatch and ok is false — this
// is a recoverable condition, never a panic, and the caller should treat it
// as a cache miss per spec §4.1/§7.
func Get[T any](s *Store, typeKey TypeKey, objKey ObjectKey) (value T, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inner, ok := s.byType[typeKey]
	if !ok {
		return value, false, nil
	}
	raw, ok := inner[objKey]
	if !ok {
		return value, false, nil
	}
	typed, ok := raw.(T)
	if !ok {
		return value, false, fmt.Errorf("object %s of type %s: %w", objKey, typeKey, nodeerrs.ErrTypeMismatch)
	}
	return typed, true, nil
}

// Delete removes the object at (typeKey, objKey), if present.
func (s *Store) Delete(typeKey TypeKey, objKey ObjectKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inner, ok := s.byType[typeKey]; ok {
		delete(inner, objKey)
	}
}

// Reset removes every object of the given type.
func (s *Store) Reset(typeKey TypeKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byType, typeKey)
}

// ListKeys returns a snapshot of every object key currently stored for
// typeKey.
func ListKeys(s *Store, typeKey TypeKey) []ObjectKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inner := s.byType[typeKey]
	keys := make([]ObjectKey, 0, len(inner))
	for k := range inner {
		keys = append(keys, k)
	}
	return keys
}

// List returns a snapshot of every value currently stored for typeKey,
// downcast to T. A stored value of a different type is skipped rather than
// erroring, matching Get's recoverable-mismatch stance.
func List[T any](s *Store, typeKey TypeKey) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inner := s.byType[typeKey]
	values := make([]T, 0, len(inner))
	for _, raw := range inner {
		if typed, ok := raw.(T); ok {
			values = append(values, typed)
		}
	}
	return values
}

// Len returns the number of objects stored under typeKey.
func (s *Store) Len(typeKey TypeKey) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byType[typeKey])
}
