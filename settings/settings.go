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

package settings

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ReadCB is the lazy value reader handed to a set handler: Read copies up
// to len(dst) bytes of the record's value and returns how many it wrote.
// Backends hand out a ReadCB bound to the record's physical location so a
// handler that only wants the length need not touch storage at all.
type ReadCB func(dst []byte) (n int, err error)

// Handler is the {name-prefix, set, get, commit, export} tuple of §4.7,
// registered against a name prefix and invoked by longest-prefix match.
type Handler struct {
	Name string

	// Set delivers one loaded record whose name (with the handler's
	// prefix stripped) is key, of total length valLen, readable via cb.
	Set func(key string, valLen int, cb ReadCB) error

	// Get returns the current value for key (used by export/CLI paths,
	// not by load). Optional.
	Get func(key string) ([]byte, error)

	// Commit is invoked after a load pass (whole-store or subtree)
	// completes delivering to this handler.
	Commit func() error

	// Export streams every live (name, value) pair this handler owns to
	// cb. Optional.
	Export func(cb func(name string, value []byte) error) error
}

// Backend is the storage collaborator a Store sits on top of: durable
// save/load of raw (name, value) pairs. Each of settings/logbackend,
// settings/eeprombackend, settings/retentionbackend, settings/zms, and
// settings/memorybackend implements this with a different on-media
// layout, per §4.7.
type Backend interface {
	// Save durably records value for name. value == nil (or len 0)
	// deletes (tombstones) the key.
	Save(name string, value []byte) error

	// Load walks every live record whose name equals or is '/'-prefixed
	// by subtree (subtree == "" means the whole store), invoking fn with
	// each name still carrying its subtree prefix and a reader bound to
	// that record. Records may be delivered in physical storage order;
	// each backend delivers at most one live record per name, and
	// Store.Load does no deduplication of its own.
	Load(subtree string, fn func(name string, valLen int, cb ReadCB) error) error
}

// ErrNoHandler is returned by dispatch helpers when no registered handler's
// prefix matches a name; callers ignore it (the record is skipped) except
// in tests that want to assert dispatch behavior directly.
var ErrNoHandler = errors.New("settings: no handler for name")

// Store is the core key/value contract of §4.7: save/load/commit layered
// over a Backend, with dynamic handler registration and longest-prefix
// dispatch. It takes one coarse mutex around register/commit/load to
// serialize list mutation against iteration, per §5 — the rest of the
// core data plane runs single-threaded and lock-free.
type Store struct {
	mu       sync.Mutex
	backend  Backend
	handlers []*Handler
}

// NewStore wires a Store to its backend.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Register installs handler, rejecting a duplicate name prefix exactly as
// settings_register does (-EEXIST in the reference, ErrDuplicateHandler
// here).
var ErrDuplicateHandler = errors.New("settings: handler already registered for this name")

func (s *Store) Register(h *Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.handlers {
		if existing.Name == h.Name {
			return ErrDuplicateHandler
		}
	}
	s.handlers = append(s.handlers, h)
	return nil
}

// lookup implements settings_parse_and_lookup: the handler whose name is
// the longest '/'-boundary-respecting prefix of name wins.
func (s *Store) lookup(name string) (best *Handler, tail string) {
	for _, h := range s.handlers {
		ok, next := NameSteq(name, h.Name)
		if !ok {
			continue
		}
		if best == nil {
			best = h
			tail = next
			continue
		}
		if ok2, _ := NameSteq(h.Name, best.Name); ok2 {
			best = h
			tail = next
		}
	}
	return best, tail
}

// Save writes value for name through the backend. An empty value deletes
// the key (§4.7's save(name, "", 0) tombstone convention).
func (s *Store) Save(name string, value []byte) error {
	return s.backend.Save(name, value)
}

// Load iterates live records under subtree ("" for the whole store),
// dispatching each to its longest-prefix handler. This implements
// call_set_handler's non-direct-callback branch. A handler returning an
// error is logged and swallowed, matching the reference's "ignore the
// error, keep walking" behavior.
func (s *Store) Load(subtree string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Load(subtree, func(name string, valLen int, cb ReadCB) error {
		h, tail := s.lookup(name)
		if h == nil {
			return nil
		}
		if err := h.Set(tail, valLen, cb); err != nil {
			log.Warnf("settings: set failed for %q: %v", name, err)
		}
		return nil
	})
}

// LoadInto is call_set_handler's direct-callback branch: subtree is
// mandatory, and every matching record is delivered straight to cb instead
// of through the registered handler table.
func (s *Store) LoadInto(subtree string, cb func(key string, valLen int, rd ReadCB) error) error {
	return s.backend.Load(subtree, func(name string, valLen int, rd ReadCB) error {
		ok, tail := NameSteq(name, subtree)
		if !ok {
			return nil
		}
		return cb(tail, valLen, rd)
	})
}

// Commit notifies every handler whose prefix matches subtree ("" for all)
// that a load pass has finished delivering.
func (s *Store) Commit(subtree string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, h := range s.handlers {
		if subtree != "" {
			if ok, _ := NameSteq(h.Name, subtree); !ok {
				continue
			}
		}
		if h.Commit == nil {
			continue
		}
		if err := h.Commit(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
