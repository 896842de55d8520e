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

// Package udpio implements the fixed-capacity UDP association table used
// to demultiplex ingress datagrams to application callbacks (the
// collaborator that the CoAP engine sits behind on ports 5683/5684).
package udpio

import (
	"errors"
	"net"
)

// ErrNoSlot is returned when the association table is exhausted.
var ErrNoSlot = errors.New("udpio: association table exhausted")

// Assoc is one UDP association slot (N_UDP in the spec).
type Assoc struct {
	LocalPort  uint16 // 0 == free
	RemotePort uint16 // 0 == wildcard
	RemoteIP   net.IP // nil/zero == wildcard
	TTL        uint8
}

func (a *Assoc) free() bool { return a.LocalPort == 0 }

// Table is the fixed array of UDP associations.
type Table struct {
	assocs []Assoc
}

// NewTable preallocates n association slots.
func NewTable(n int) *Table {
	return &Table{assocs: make([]Assoc, n)}
}

// New registers a new association, returning its index, or ErrNoSlot if
// the table is full. remoteIP == nil and remotePort == 0 mean wildcard.
func (t *Table) New(localPort, remotePort uint16, remoteIP net.IP, ttl uint8) (int, error) {
	for i := range t.assocs {
		if t.assocs[i].free() {
			t.assocs[i] = Assoc{LocalPort: localPort, RemotePort: remotePort, RemoteIP: remoteIP, TTL: ttl}
			return i, nil
		}
	}
	return -1, ErrNoSlot
}

// Remove frees an association slot.
func (t *Table) Remove(idx int) {
	if idx >= 0 && idx < len(t.assocs) {
		t.assocs[idx] = Assoc{}
	}
}

// Get returns the association at idx, or nil if free/out of range.
func (t *Table) Get(idx int) *Assoc {
	if idx < 0 || idx >= len(t.assocs) || t.assocs[idx].free() {
		return nil
	}
	return &t.assocs[idx]
}

// InUse reports how many association slots are occupied, for metrics.
func (t *Table) InUse() int {
	n := 0
	for i := range t.assocs {
		if !t.assocs[i].free() {
			n++
		}
	}
	return n
}

func isBroadcastOrMulticast(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4[3] == 255 || ip4.IsMulticast()
	}
	// IPv6 ff02::/16 blanket accept, per §4.2 ingress step 4.
	return ip.IsMulticast()
}

// Match scans the table for a slot matching an ingress datagram destined
// for dest (our local port) from src/srcPort, per §4.3: "a slot matches
// when lport == dest && (rport == 0 || rport == src) && (ripaddr is zero
// || broadcast || equals src-ip)".
func (t *Table) Match(dest uint16, src net.IP, srcPort uint16) (int, *Assoc) {
	for i := range t.assocs {
		a := &t.assocs[i]
		if a.free() || a.LocalPort != dest {
			continue
		}
		if a.RemotePort != 0 && a.RemotePort != srcPort {
			continue
		}
		if len(a.RemoteIP) != 0 && !a.RemoteIP.IsUnspecified() {
			if !isBroadcastOrMulticast(a.RemoteIP) && !a.RemoteIP.Equal(src) {
				continue
			}
		}
		return i, a
	}
	return -1, nil
}

// Datagram is an ingress UDP datagram after IP header validation
// (external collaborator) but before application dispatch.
type Datagram struct {
	SrcIP      net.IP
	SrcPort    uint16
	DstPort    uint16
	Payload    []byte
	ChecksumOK bool
}

// OutDatagram is an application-originated datagram to encode and emit.
type OutDatagram struct {
	LocalPort  uint16
	RemoteIP   net.IP
	RemotePort uint16
	Payload    []byte
}

// Emitter hands a fully-formed outbound datagram to the IP/link layer.
type Emitter interface {
	SendDatagram(OutDatagram) error
}

// App is invoked when a datagram matches an association.
type App interface {
	// OnData is called with the matched association index and the
	// datagram; any non-empty return is sent back to the peer that
	// just delivered data (the send-workflow of §4.3: "if the app sets
	// slen > 0, ... emit").
	OnData(assocIdx int, dg Datagram) []byte
}

// Demux ties a Table, an App and an Emitter together for dispatch.
type Demux struct {
	Table *Table
	App   App
	Tx    Emitter

	// VerifyChecksum toggles the checksum-mismatch drop in Dispatch.
	// uIP makes this compile-time optional; here it is a field, which
	// NewDemux sets to true.
	VerifyChecksum bool
}

// NewDemux builds a Demux over a freshly allocated association table.
func NewDemux(nAssocs int, app App, tx Emitter) *Demux {
	return &Demux{Table: NewTable(nAssocs), App: app, Tx: tx, VerifyChecksum: true}
}

// Dispatch implements §4.3's ingress handling for one UDP datagram.
func (d *Demux) Dispatch(dg Datagram) error {
	if d.VerifyChecksum && !dg.ChecksumOK {
		return nil
	}
	idx, assoc := d.Table.Match(dg.DstPort, dg.SrcIP, dg.SrcPort)
	if assoc == nil {
		return nil
	}
	reply := d.App.OnData(idx, dg)
	if len(reply) == 0 {
		return nil
	}
	return d.Tx.SendDatagram(OutDatagram{
		LocalPort: dg.DstPort, RemoteIP: dg.SrcIP, RemotePort: dg.SrcPort, Payload: reply,
	})
}
