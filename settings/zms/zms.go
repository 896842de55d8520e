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

// Package zms implements settings Backend D (§4.7): a hashed-name log
// grounded in settings_zms.c. Every name hashes to an ID with its two
// high bits always "10"; the paired value lives at that same ID with its
// two high bits forced to "11". A name that collides with one already
// stored probes successive low-bit variants of its hash, bounded by a
// high-water mark on how many collision slots have ever been needed;
// the mark is kept per Backend and is not shared between Backend
// instances. A parallel doubly-linked list threads every live name ID
// in insertion order so Load can walk the whole store in O(N) without
// scanning the hash space; deleting a name unlinks its list node.
package zms

import (
	"errors"
	"sync"

	"github.com/cespare/xxhash"
	"github.com/facebookincubator/iotcore/settings"
)

const (
	// nameFlag and dataFlag give every stored ID its two-bit role tag:
	// "10" for a name entry, "11" for its paired value, matching
	// ZMS_NAME_ID_FROM_HASH / ZMS_DATA_ID_FROM_HASH.
	nameFlag uint32 = 1 << 31
	dataFlag uint32 = 1 << 30
	roleMask uint32 = nameFlag | dataFlag

	// collisionBits low bits of the hash are reserved for collision
	// probing instead of contributing to the base hash.
	collisionBits = 4
	collisionMask = uint32(1<<collisionBits - 1)
	maxCollisions = collisionMask
)

// ErrHashSpaceExhausted is returned when every collision slot for a
// name's base hash is already occupied by a different name.
var ErrHashSpaceExhausted = errors.New("zms: maximum hash collisions reached")

// hash32 is the sys_hash32 analogue: xxhash is the pack's chosen fast
// string hash, truncated to 32 bits for the ID space.
func hash32(name string) uint32 {
	return uint32(xxhash.Sum64String(name))
}

func baseHash(name string) uint32 {
	return hash32(name) &^ roleMask &^ collisionMask
}

func dataID(id uint32) uint32 {
	return id | dataFlag
}

type llNode struct {
	prev, next uint32
	linked     bool
}

// Backend is one hashed-name settings log.
type Backend struct {
	mu               sync.Mutex
	names            map[uint32]string
	values           map[uint32][]byte
	ll               map[uint32]*llNode
	head, tail       uint32
	hashCollisionNum uint32
}

// New creates an empty zms backend.
func New() *Backend {
	return &Backend{
		names:  map[uint32]string{},
		values: map[uint32][]byte{},
		ll:     map[uint32]*llNode{},
	}
}

// findID locates name's current ID, probing collision slots 0 through
// the current high-water mark. It also reports the first free slot seen,
// for Save to reuse when name is not already present.
func (b *Backend) findID(name string) (id uint32, found bool, freeID uint32, haveFree bool) {
	base := baseHash(name)
	for i := uint32(0); i <= b.hashCollisionNum; i++ {
		cand := base | i | nameFlag
		if nm, ok := b.names[cand]; ok {
			if nm == name {
				return cand, true, 0, false
			}
			continue
		}
		if !haveFree {
			freeID = cand
			haveFree = true
		}
	}
	return 0, false, freeID, haveFree
}

func (b *Backend) linkTail(id uint32) {
	node := &llNode{linked: true}
	if b.tail == 0 {
		b.head = id
	} else {
		b.ll[b.tail].next = id
		node.prev = b.tail
	}
	b.tail = id
	b.ll[id] = node
}

func (b *Backend) unlink(id uint32) {
	node, ok := b.ll[id]
	if !ok || !node.linked {
		return
	}
	if node.prev != 0 {
		b.ll[node.prev].next = node.next
	} else {
		b.head = node.next
	}
	if node.next != 0 {
		b.ll[node.next].prev = node.prev
	} else {
		b.tail = node.prev
	}
	delete(b.ll, id)
}

// Save writes value for name, or deletes name when value is empty. A
// name seen for the first time probes for a free collision slot,
// widening the backend's collision high-water mark if every existing
// slot for its base hash is taken by a different name.
func (b *Backend) Save(name string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, found, freeID, haveFree := b.findID(name)
	del := len(value) == 0

	if !found {
		if del {
			return nil // nothing live to delete
		}
		if !haveFree {
			next := b.hashCollisionNum + 1
			if next > maxCollisions {
				return ErrHashSpaceExhausted
			}
			b.hashCollisionNum = next
			freeID = baseHash(name) | next | nameFlag
		}
		id = freeID
		b.names[id] = name
		b.linkTail(id)
	} else if del {
		b.unlink(id)
		delete(b.names, id)
		delete(b.values, dataID(id))
		return nil
	}

	b.values[dataID(id)] = append([]byte(nil), value...)
	return nil
}

// Load walks every live name in insertion order, filtered to subtree.
func (b *Backend) Load(subtree string, fn func(name string, valLen int, cb settings.ReadCB) error) error {
	b.mu.Lock()
	type entry struct {
		name string
		val  []byte
	}
	var entries []entry
	for id := b.head; id != 0; {
		node := b.ll[id]
		entries = append(entries, entry{name: b.names[id], val: b.values[dataID(id)]})
		id = node.next
	}
	b.mu.Unlock()

	for _, e := range entries {
		if subtree != "" {
			if ok, _ := settings.NameSteq(e.name, subtree); !ok {
				continue
			}
		}
		val := e.val
		if err := fn(e.name, len(val), func(dst []byte) (int, error) {
			return copy(dst, val), nil
		}); err != nil {
			return err
		}
	}
	return nil
}
