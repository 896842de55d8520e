/*
Copyright (c) Facebook, Inc. and its affiliates.

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

// Package memorybackend implements a minimal, unbounded in-memory
// settings.Backend with no on-media layout at all, for unit tests and
// for hosts that run without durable storage. It carries none of the
// physical constraints (record framing, CRC, compaction) the real
// backends model, keeping only the one invariant every settings.Backend
// must provide: at most one live record per name.
package memorybackend

import (
	"sync"

	"github.com/facebookincubator/iotcore/settings"
)

// Backend is a plain map-backed settings.Backend. Insertion order is
// preserved so Load's delivery order is deterministic across runs.
type Backend struct {
	mu    sync.Mutex
	order []string
	vals  map[string][]byte
}

// New creates an empty memory backend.
func New() *Backend {
	return &Backend{vals: map[string][]byte{}}
}

// Save records value for name, or deletes name when value is empty.
func (b *Backend) Save(name string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(value) == 0 {
		if _, ok := b.vals[name]; ok {
			delete(b.vals, name)
			for i, n := range b.order {
				if n == name {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		}
		return nil
	}
	if _, ok := b.vals[name]; !ok {
		b.order = append(b.order, name)
	}
	b.vals[name] = append([]byte(nil), value...)
	return nil
}

// Load walks live records under subtree in insertion order.
func (b *Backend) Load(subtree string, fn func(name string, valLen int, cb settings.ReadCB) error) error {
	b.mu.Lock()
	order := append([]string(nil), b.order...)
	vals := make(map[string][]byte, len(b.vals))
	for k, v := range b.vals {
		vals[k] = v
	}
	b.mu.Unlock()

	for _, name := range order {
		if subtree != "" {
			if ok, _ := settings.NameSteq(name, subtree); !ok {
				continue
			}
		}
		val := vals[name]
		if err := fn(name, len(val), func(dst []byte) (int, error) {
			return copy(dst, val), nil
		}); err != nil {
			return err
		}
	}
	return nil
}
