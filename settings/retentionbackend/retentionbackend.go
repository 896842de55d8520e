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

// Package retentionbackend implements settings Backend C (§4.7): a
// retention-RAM region of sequential {len_name; len_value; name; value}
// records that survives a warm reset but is always rewritten as a whole
// (SaveStart clears the region; the caller is expected to re-save its
// entire live set afterward, so the backend itself enforces "no
// duplicates" by replacing any existing record for the same name rather
// than requiring callers to never repeat a key).
package retentionbackend

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/facebookincubator/iotcore/settings"
)

type record struct {
	name  string
	value []byte
}

// Terminator sentinels: two zero length-fields, or two 0xFFFF fields
// (erased flash/RAM reads as all-ones), per §4.7 Backend C.
var (
	terminatorZero = [2]uint16{0, 0}
	terminatorFF   = [2]uint16{0xFFFF, 0xFFFF}
)

// ErrCapacityExceeded is returned when the region has no room for a new
// record.
var ErrCapacityExceeded = errors.New("retentionbackend: capacity exceeded")

// Backend is one retention RAM region.
type Backend struct {
	mu       sync.Mutex
	records  []record
	used     int
	capacity int
}

// New creates a retention backend bounded to capacity bytes of record
// space.
func New(capacity int) *Backend {
	return &Backend{capacity: capacity}
}

func recSize(name string, value []byte) int {
	return 2 + 2 + len(name) + len(value)
}

// SaveStart clears the region, as a caller about to rewrite its entire
// live set does at the start of a save pass.
func (b *Backend) SaveStart() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = nil
	b.used = 0
}

// Save appends value for name, replacing any existing record for name (the
// region never holds two records for the same key) or removing it when
// value is empty.
func (b *Backend) Save(name string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, r := range b.records {
		if r.name == name {
			b.used -= recSize(r.name, r.value)
			b.records = append(b.records[:i], b.records[i+1:]...)
			break
		}
	}
	if len(value) == 0 {
		return nil
	}
	sz := recSize(name, value)
	if b.used+sz > b.capacity {
		return ErrCapacityExceeded
	}
	b.records = append(b.records, record{name: name, value: append([]byte(nil), value...)})
	b.used += sz
	return nil
}

// Load walks every record under subtree; no dedup pass is needed since
// Save already guarantees at most one record per name.
func (b *Backend) Load(subtree string, fn func(name string, valLen int, cb settings.ReadCB) error) error {
	b.mu.Lock()
	records := append([]record(nil), b.records...)
	b.mu.Unlock()

	for _, r := range records {
		if subtree != "" {
			if ok, _ := settings.NameSteq(r.name, subtree); !ok {
				continue
			}
		}
		val := r.value
		if err := fn(r.name, len(val), func(dst []byte) (int, error) {
			return copy(dst, val), nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// Encode serializes the region to its persisted wire form: repeated
// {u16 len_name; u16 len_value; name; value} little-endian records,
// followed by the all-zero terminator pair.
func (b *Backend) Encode() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []byte
	for _, r := range b.records {
		var lenbuf [4]byte
		binary.LittleEndian.PutUint16(lenbuf[0:2], uint16(len(r.name)))
		binary.LittleEndian.PutUint16(lenbuf[2:4], uint16(len(r.value)))
		out = append(out, lenbuf[:]...)
		out = append(out, r.name...)
		out = append(out, r.value...)
	}
	var term [4]byte
	binary.LittleEndian.PutUint16(term[0:2], terminatorZero[0])
	binary.LittleEndian.PutUint16(term[2:4], terminatorZero[1])
	return append(out, term[:]...)
}

// Decode reconstructs a Backend's record set from Encode's wire form,
// stopping at the first all-zero or all-0xFFFF terminator pair.
func Decode(b []byte, capacity int) (*Backend, error) {
	out := New(capacity)
	pos := 0
	for pos+4 <= len(b) {
		nameLen := binary.LittleEndian.Uint16(b[pos : pos+2])
		valLen := binary.LittleEndian.Uint16(b[pos+2 : pos+4])
		if (nameLen == terminatorZero[0] && valLen == terminatorZero[1]) ||
			(nameLen == terminatorFF[0] && valLen == terminatorFF[1]) {
			return out, nil
		}
		pos += 4
		if pos+int(nameLen)+int(valLen) > len(b) {
			return nil, errors.New("retentionbackend: truncated record")
		}
		name := string(b[pos : pos+int(nameLen)])
		pos += int(nameLen)
		value := append([]byte(nil), b[pos:pos+int(valLen)]...)
		pos += int(valLen)
		if err := out.Save(name, value); err != nil {
			return nil, err
		}
	}
	return out, nil
}
