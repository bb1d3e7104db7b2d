// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sandbox

import (
	"reflect"
	"sort"
	"sync"
)

// Store is a key/value store safe for concurrent use. It backs the vars of
// one run and the script storage. Concurrent writers to the same key race;
// the last write wins.
type Store struct {
	mu sync.RWMutex
	m  map[string]interface{}
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{m: make(map[string]interface{})}
}

// NewStoreFrom returns a store initialised with a copy of m.
func NewStoreFrom(m map[string]interface{}) *Store {
	s := NewStore()
	for k, v := range m {
		s.m[k] = v
	}
	return s
}

// Get the value stored under key.
func (s *Store) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

// Set key to v.
func (s *Store) Set(key string, v interface{}) {
	s.mu.Lock()
	s.m[key] = v
	s.mu.Unlock()
}

// Delete key.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
}

// Clear removes all keys.
func (s *Store) Clear() {
	s.mu.Lock()
	s.m = make(map[string]interface{})
	s.mu.Unlock()
}

// Len returns the number of keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Keys returns the sorted keys.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.m))
	for k := range s.m {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Snapshot returns a shallow copy of the content.
func (s *Store) Snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := make(map[string]interface{}, len(s.m))
	for k, v := range s.m {
		c[k] = v
	}
	return c
}

// apply writes the difference between before and after: keys whose value
// changed are set, keys missing from after are deleted. Keys untouched by
// the script keep whatever a concurrent writer stored meanwhile.
func (s *Store) apply(before, after map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range after {
		if old, ok := before[k]; ok && reflect.DeepEqual(old, v) {
			continue
		}
		s.m[k] = v
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			delete(s.m, k)
		}
	}
}
