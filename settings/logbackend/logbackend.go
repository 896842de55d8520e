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

// Package logbackend implements settings Backend A (§4.7): the append-log
// layout shared by Zephyr's FCB, file and NVS settings stores. Each save
// writes a fresh "name=value" line; a record is live iff no later record
// in the log carries the same name. Compaction copies only live,
// non-tombstone records forward and discards everything else, mirroring
// settings_fcb_compress / the file and NVS equivalents.
package logbackend

import (
	"bytes"
	"errors"
	"sync"

	"github.com/facebookincubator/iotcore/settings"
)

// line is one physical append-log record (settings_line_make's output,
// modeled as a parsed struct instead of the wire "name=value" bytes —
// encodeLine below renders those bytes and is used only for capacity
// accounting; decodeLine is its inverse and has no caller).
type line struct {
	name  string
	value []byte
	tomb  bool
}

// encodeLine renders a record the way settings_line_write lays it out on
// the wire: name, '=', value. A tombstone is the name with an empty value
// (len(value) == 0 distinguishes "deleted" from "present but empty" only
// because deletion is never re-saved with an explicit empty value in this
// store's contract — see Save).
func encodeLine(name string, value []byte, tomb bool) []byte {
	var b bytes.Buffer
	b.WriteString(name)
	b.WriteByte('=')
	if !tomb {
		b.Write(value)
	}
	return b.Bytes()
}

// decodeLine reverses encodeLine, splitting on the first '='.
func decodeLine(raw []byte) (name string, value []byte, tomb bool, err error) {
	i := bytes.IndexByte(raw, '=')
	if i < 0 {
		return "", nil, false, errors.New("logbackend: malformed record, no '=' separator")
	}
	name = string(raw[:i])
	value = raw[i+1:]
	return name, value, len(value) == 0, nil
}

// ErrCapacityExceeded is returned by Save when even after compaction the
// log has no room for the new record — the backend equivalent of a full
// flash sector with nothing left to reclaim.
var ErrCapacityExceeded = errors.New("logbackend: capacity exceeded after compaction")

// Backend is one append-log sector (or logical file/NVS partition).
// Capacity is tracked in encoded-line bytes, standing in for the
// reference's flash sector size.
type Backend struct {
	mu         sync.Mutex
	lines      []line
	used       int
	capacity   int
	compactCnt int
}

// New creates a log backend bounded to capacity encoded bytes.
func New(capacity int) *Backend {
	return &Backend{capacity: capacity}
}

// Save appends a new record. An empty (nil or zero-length) value writes a
// tombstone. Compaction runs automatically when the new record would not
// fit.
func (b *Backend) Save(name string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tomb := len(value) == 0
	rec := line{name: name, value: append([]byte(nil), value...), tomb: tomb}
	sz := len(encodeLine(name, value, tomb))

	if b.used+sz > b.capacity {
		b.compactLocked()
	}
	if b.used+sz > b.capacity {
		return ErrCapacityExceeded
	}
	b.lines = append(b.lines, rec)
	b.used += sz
	return nil
}

// liveIndices returns, for each distinct name, the index of its last
// occurrence — "a record is live iff no later record has the same name".
func (b *Backend) liveIndices() map[string]int {
	last := make(map[string]int, len(b.lines))
	for i, l := range b.lines {
		last[l.name] = i
	}
	return last
}

// compactLocked copies only live, non-tombstone records into a fresh log,
// mirroring settings_fcb_compress's "copy surviving records, erase the
// rest" behavior. Callers must hold b.mu.
func (b *Backend) compactLocked() {
	last := b.liveIndices()
	fresh := make([]line, 0, len(b.lines))
	used := 0
	for i, l := range b.lines {
		if last[l.name] != i || l.tomb {
			continue
		}
		fresh = append(fresh, l)
		used += len(encodeLine(l.name, l.value, l.tomb))
	}
	b.lines = fresh
	b.used = used
	b.compactCnt++
}

// Compact forces a compaction pass outside of Save's automatic trigger
// (e.g. for a CLI "settings compact" command).
func (b *Backend) Compact() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.compactLocked()
}

// CompactionCount reports how many compaction passes this backend has
// run over its lifetime, for metrics.
func (b *Backend) CompactionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.compactCnt
}

// Load walks live records whose name equals or is '/'-prefixed by subtree,
// delivering each exactly once (the backend itself performs the
// filter_duplicates-style dedup settings_fcb_load_priv does at load time).
func (b *Backend) Load(subtree string, fn func(name string, valLen int, cb settings.ReadCB) error) error {
	b.mu.Lock()
	last := b.liveIndices()
	lines := append([]line(nil), b.lines...)
	b.mu.Unlock()

	for i, l := range lines {
		if last[l.name] != i || l.tomb {
			continue
		}
		if subtree != "" {
			if ok, _ := settings.NameSteq(l.name, subtree); !ok {
				continue
			}
		}
		val := l.value
		err := fn(l.name, len(val), func(dst []byte) (int, error) {
			n := copy(dst, val)
			return n, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
