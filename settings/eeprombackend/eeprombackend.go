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

// Package eeprombackend implements settings Backend B (§4.7): the
// EEPROM-compact record layout with a CRC16-CCITT integrity check and a
// tombstone-by-inverted-CRC deletion scheme, grounded in
// settings_eeprom.c. Record layout: u16 record_len; u8 name_max_index;
// name_bytes; value_bytes; u16 crc16_ccitt(name || value).
package eeprombackend

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/facebookincubator/iotcore/settings"
)

// Magic and Version mirror §6's persisted EEPROM settings header: u32
// magic (0x45455053, "EEPS" LE); u32 version (=1).
const (
	Magic   uint32 = 0x45455053
	Version uint32 = 1
	hdrSize        = 8
)

// ErrCapacityExceeded is returned when a record (or the partition header)
// does not fit even after compaction.
var ErrCapacityExceeded = errors.New("eeprombackend: capacity exceeded after compaction")

// ErrCorrupt marks a record whose stored CRC does not match its
// recomputed one; it is treated as absent on load, per §7's StorageCorrupt
// handling.
var ErrCorrupt = errors.New("eeprombackend: CRC mismatch")

type record struct {
	name  string
	value []byte
	crc   uint16
	tomb  bool // crc16 inverted in place, per settings_eeprom_invalidate
}

// Backend is one EEPROM-backed settings partition, modeled as a flat
// append-only record list with a write cursor measured in bytes, standing
// in for the real device's linear address space.
type Backend struct {
	mu         sync.Mutex
	records    []record
	used       int
	capacity   int
	compactCnt int
}

// New creates an EEPROM backend with capacity bytes of record space after
// the fixed 8-byte header.
func New(capacity int) *Backend {
	return &Backend{capacity: capacity}
}

func recLen(name string, value []byte) int {
	// u16 reclen + u8 name_max_index + name + value + u16 crc
	return 2 + 1 + len(name) + len(value) + 2
}

func computeCRC(name string, value []byte) uint16 {
	crc := uint16(0xFFFF)
	crc = crc16CCITT(crc, []byte(name))
	crc = crc16CCITT(crc, value)
	return crc
}

// Save appends a new record (or, for an empty value, tombstones the most
// recent live record for name by inverting its stored CRC in place — the
// EEPROM equivalent of settings_eeprom_invalidate, done here on the
// in-memory record rather than a physical rewrite since no real device
// address space is being modeled).
func (b *Backend) Save(name string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(value) == 0 {
		for i := len(b.records) - 1; i >= 0; i-- {
			if b.records[i].name == name && !b.records[i].tomb {
				b.records[i].tomb = true
				b.records[i].crc = ^b.records[i].crc
				return nil
			}
		}
		return nil // nothing live to delete
	}

	sz := recLen(name, value)
	if b.used+sz > b.capacity {
		b.compactLocked()
	}
	if b.used+sz > b.capacity {
		return ErrCapacityExceeded
	}
	b.records = append(b.records, record{
		name: name, value: append([]byte(nil), value...), crc: computeCRC(name, value),
	})
	b.used += sz
	return nil
}

// verify reports whether r's stored CRC matches its recomputed one
// (skipped for tombstones, whose inverted CRC never matches by
// construction — that's what marks them dead).
func verify(r record) bool {
	if r.tomb {
		return false
	}
	return r.crc == computeCRC(r.name, r.value)
}

func (b *Backend) liveIndices() map[string]int {
	last := make(map[string]int, len(b.records))
	for i, r := range b.records {
		if verify(r) {
			last[r.name] = i
		} else {
			// a tombstone or corrupt record shadows every earlier record
			// of its name; -1 matches no index
			last[r.name] = -1
		}
	}
	return last
}

// compactLocked scans front-to-back and copies only surviving (verified,
// non-tombstone) records to a fresh record list, mirroring
// settings_eeprom_compress.
func (b *Backend) compactLocked() {
	last := b.liveIndices()
	fresh := make([]record, 0, len(b.records))
	used := 0
	for i, r := range b.records {
		if last[r.name] != i {
			continue
		}
		fresh = append(fresh, r)
		used += recLen(r.name, r.value)
	}
	b.records = fresh
	b.used = used
	b.compactCnt++
}

// Compact forces an out-of-band compaction pass.
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

// Load walks live (CRC-verified, non-tombstone) records under subtree.
func (b *Backend) Load(subtree string, fn func(name string, valLen int, cb settings.ReadCB) error) error {
	b.mu.Lock()
	last := b.liveIndices()
	records := append([]record(nil), b.records...)
	b.mu.Unlock()

	for i, r := range records {
		if last[r.name] != i {
			continue
		}
		if subtree != "" {
			if ok, _ := settings.NameSteq(r.name, subtree); !ok {
				continue
			}
		}
		val := r.value
		err := fn(r.name, len(val), func(dst []byte) (int, error) {
			return copy(dst, val), nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// headerBytes renders the §6 persisted EEPROM header for a fresh
// partition: u32 magic, u32 version, little-endian.
func headerBytes() []byte {
	b := make([]byte, hdrSize)
	binary.LittleEndian.PutUint32(b[0:4], Magic)
	binary.LittleEndian.PutUint32(b[4:8], Version)
	return b
}
