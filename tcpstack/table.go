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

package tcpstack

import (
	"errors"
	"net"
)

// ErrNoSlot is returned when the connection table or the listener set is
// exhausted. Per the error taxonomy this is a TransportFull condition:
// the caller should drop and let the peer retransmit its SYN.
var ErrNoSlot = errors.New("tcpstack: connection table exhausted")

// ErrPortInUse is returned by Listen when the requested port already has
// a listener registered.
var ErrPortInUse = errors.New("tcpstack: port already in use")

// Handle is a stable reference to a Conn: table index plus generation,
// so a retained Handle from a previous incarnation of a slot reads as
// invalid (ABA protection) rather than silently addressing a new
// connection. This is the typed-handle rendering Design Notes §9 asks
// for in place of raw pointer comparisons.
type Handle struct {
	idx int
	gen uint32
}

// Table is the fixed array of connection slots (N_TCP in the spec) plus
// the fixed array of listening local ports (L in the spec).
type Table struct {
	conns     []Conn
	listeners []uint16 // 0 == free
	lastPort  uint16
}

// NewTable preallocates a table of nConns connections and nListeners
// listening-port slots. Both are compile-time sized; there is no growth.
func NewTable(nConns, nListeners int) *Table {
	return &Table{
		conns:     make([]Conn, nConns),
		listeners: make([]uint16, nListeners),
		lastPort:  4096,
	}
}

// Get dereferences a Handle, returning nil if it refers to a slot that
// has since been reused (generation mismatch) or is out of range.
func (t *Table) Get(h Handle) *Conn {
	if h.idx < 0 || h.idx >= len(t.conns) {
		return nil
	}
	c := &t.conns[h.idx]
	if c.generation != h.gen {
		return nil
	}
	return c
}

// HandleOf returns the current Handle for the slot at idx.
func (t *Table) HandleOf(idx int) Handle {
	return Handle{idx: idx, gen: t.conns[idx].generation}
}

// Find looks up an established or handshaking connection by 4-tuple.
func (t *Table) Find(localPort, remotePort uint16, remoteIP net.IP) (Handle, *Conn) {
	for i := range t.conns {
		c := &t.conns[i]
		if c.State == StateClosed {
			continue
		}
		if c.LocalPort == localPort && c.RemotePort == remotePort && c.RemoteIP.Equal(remoteIP) {
			return t.HandleOf(i), c
		}
	}
	return Handle{}, nil
}

// allocSlot implements the free-slot scan: prefer CLOSED, else the
// oldest TIME_WAIT connection (oldest meaning highest Timer value, since
// TIME_WAIT's Timer counts up toward TimeWaitTimeout).
func (t *Table) allocSlot() (Handle, *Conn, error) {
	for i := range t.conns {
		if t.conns[i].State == StateClosed {
			t.conns[i].reset()
			return t.HandleOf(i), &t.conns[i], nil
		}
	}
	oldest := -1
	oldestTimer := -1
	for i := range t.conns {
		if t.conns[i].State == StateTimeWait && t.conns[i].Timer > oldestTimer {
			oldest = i
			oldestTimer = t.conns[i].Timer
		}
	}
	if oldest == -1 {
		return Handle{}, nil, ErrNoSlot
	}
	t.conns[oldest].reset()
	return t.HandleOf(oldest), &t.conns[oldest], nil
}

// Listen registers a listening local port. 0 is never a valid port.
func (t *Table) Listen(port uint16) error {
	if port == 0 {
		return errors.New("tcpstack: cannot listen on port 0")
	}
	free := -1
	for i, p := range t.listeners {
		if p == port {
			return ErrPortInUse
		}
		if p == 0 && free == -1 {
			free = i
		}
	}
	if free == -1 {
		return ErrNoSlot
	}
	t.listeners[free] = port
	return nil
}

// Unlisten frees a listening port slot.
func (t *Table) Unlisten(port uint16) {
	for i, p := range t.listeners {
		if p == port {
			t.listeners[i] = 0
			return
		}
	}
}

// InUse reports how many connection slots are not CLOSED, for metrics.
func (t *Table) InUse() int {
	n := 0
	for i := range t.conns {
		if t.conns[i].State != StateClosed {
			n++
		}
	}
	return n
}

// isListening reports whether port has an active listener.
func (t *Table) isListening(port uint16) bool {
	for _, p := range t.listeners {
		if p == port {
			return true
		}
	}
	return false
}

// nextLocalPort implements the active-open ephemeral port allocator: a
// wrapping counter over [4096, 32000) that skips ports already in use by
// another connection.
func (t *Table) nextLocalPort() (uint16, error) {
	const lo, hi = 4096, 32000
	start := t.lastPort
	for tries := 0; tries < hi-lo; tries++ {
		t.lastPort++
		if t.lastPort < lo || t.lastPort >= hi {
			t.lastPort = lo
		}
		if !t.portInUse(t.lastPort) {
			return t.lastPort, nil
		}
		if t.lastPort == start && tries > 0 {
			break
		}
	}
	return 0, errors.New("tcpstack: no free local port")
}

func (t *Table) portInUse(port uint16) bool {
	for i := range t.conns {
		if t.conns[i].State != StateClosed && t.conns[i].LocalPort == port {
			return true
		}
	}
	return false
}
