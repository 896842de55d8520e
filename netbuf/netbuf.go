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

// Package netbuf implements the packet buffer contract shared by the TCP
// state machine, the UDP demultiplexer and the CoAP engine: a fixed
// capacity byte region plus the bookkeeping every upper layer needs to
// find its header boundary and report what happened to the buffer.
package netbuf

import "sync/atomic"

// Flag is a per-buffer status bit raised by the dispatcher or a protocol
// handler and consumed by the application up-call.
type Flag uint16

// Flags mirror the uIP buf->flags bitset: one bit per up-call condition.
const (
	FlagNone Flag = 0
	// FlagNewData marks that app_data()/app_data_len() carry fresh
	// application bytes for the connection.
	FlagNewData Flag = 1 << iota
	// FlagACKData marks that a previously sent segment was acknowledged.
	FlagACKData
	// FlagConnected marks a connection transitioning into ESTABLISHED.
	FlagConnected
	// FlagClose requests the peer half-close the connection.
	FlagClose
	// FlagAbort requests an immediate RST and CLOSED transition.
	FlagAbort
	// FlagTimedOut marks that the retransmit budget was exhausted.
	FlagTimedOut
	// FlagPoll is set on a periodic poll up-call with no new data.
	FlagPoll
	// FlagRexmit requests the application reconstruct its last payload
	// for retransmission (the core keeps no payload copy for TCP).
	FlagRexmit
)

// Has reports whether f contains every bit of want.
func (f Flag) Has(want Flag) bool { return f&want == want }

// SentStatus is a result code recorded against a buffer once the core
// knows the fate of whatever the application attempted to send through
// it, mirroring the reserved "sent status" field of uip's net_buf.
type SentStatus int

// Result codes for SentStatus. Negative values mirror errno-style results
// used throughout the reference implementation.
const (
	StatusPending     SentStatus = 0
	StatusOK          SentStatus = 1
	StatusNoBufs      SentStatus = -1 // -ENOBUFS
	StatusAgain       SentStatus = -2 // -EAGAIN
	StatusConnAborted SentStatus = -3 // -ECONNABORTED
	StatusTimedOut    SentStatus = -4 // -ETIMEDOUT
)

// ConnRef is an opaque reference to whichever connection table slot owns
// a buffer. It is never a pointer: per the Design Notes, a Buf carries a
// handle back into the owning table rather than a live back-reference, so
// lookups always go through the table and a stale handle simply misses.
type ConnRef struct {
	Kind  ConnKind
	Index int
	Gen   uint32
}

// ConnKind distinguishes which connection table a ConnRef indexes into.
type ConnKind uint8

// Connection kinds a Buf may be associated with.
const (
	ConnNone ConnKind = iota
	ConnTCP
	ConnUDP
)

// Valid reports whether the reference points at something.
func (c ConnRef) Valid() bool { return c.Kind != ConnNone }

// Buf is a single packet buffer: a fixed backing array, the offset where
// application data begins, and the metadata every consumer needs.
type Buf struct {
	data       []byte
	appOffset  int
	totalLen   int
	flags      Flag
	conn       ConnRef
	sentStatus SentStatus
	refs       int32
}

// New wraps an existing backing array as a Buf with the application data
// offset set to linkHeaderLen (the link-layer header length configured
// for this core instance; IP/transport headers are written starting
// there by the caller before dispatch).
func New(backing []byte, linkHeaderLen int) *Buf {
	return &Buf{data: backing, appOffset: linkHeaderLen, refs: 1}
}

// AppData returns the mutable slice of b starting where headers end.
func (b *Buf) AppData() []byte {
	if b.appOffset > b.totalLen {
		return b.data[b.appOffset:b.appOffset]
	}
	return b.data[b.appOffset:b.totalLen]
}

// AppDataLen returns the number of application bytes currently in b.
func (b *Buf) AppDataLen() int {
	if b.totalLen < b.appOffset {
		return 0
	}
	return b.totalLen - b.appOffset
}

// SetAppDataLen adjusts total length so AppDataLen() == n. It is the only
// way callers grow/shrink the application payload in place.
func (b *Buf) SetAppDataLen(n int) {
	b.totalLen = b.appOffset + n
}

// TotalLen returns the total valid length of b, header bytes included.
func (b *Buf) TotalLen() int { return b.totalLen }

// SetTotalLen sets the total valid length of b.
func (b *Buf) SetTotalLen(n int) { b.totalLen = n }

// Bytes returns the full valid region of the backing array.
func (b *Buf) Bytes() []byte { return b.data[:b.totalLen] }

// Raw exposes the full backing array including capacity past TotalLen,
// for protocol code that writes a header before knowing the final length.
func (b *Buf) Raw() []byte { return b.data }

// HeaderOffset reports where application data begins.
func (b *Buf) HeaderOffset() int { return b.appOffset }

// SetHeaderOffset repositions the application-data boundary; used when a
// protocol layer (e.g. CoAP atop UDP) consumes its own sub-header.
func (b *Buf) SetHeaderOffset(n int) { b.appOffset = n }

// Conn returns the connection this buffer is currently associated with.
func (b *Buf) Conn() ConnRef { return b.conn }

// SetConn associates b with a connection table slot.
func (b *Buf) SetConn(c ConnRef) { b.conn = c }

// Flags returns the current flag bitset.
func (b *Buf) Flags() Flag { return b.flags }

// SetFlags overwrites the flag bitset.
func (b *Buf) SetFlags(f Flag) { b.flags = f }

// AddFlags ORs additional bits into the flag bitset.
func (b *Buf) AddFlags(f Flag) { b.flags |= f }

// ClearFlags clears the given bits.
func (b *Buf) ClearFlags(f Flag) { b.flags &^= f }

// SentStatus returns the last recorded completion result.
func (b *Buf) SentStatus() SentStatus { return b.sentStatus }

// SetSentStatus records a completion result for application notification.
func (b *Buf) SetSentStatus(s SentStatus) { b.sentStatus = s }

// Ref increments the reference count. Only a retransmit queue may extend
// a buffer's lifetime beyond the current dispatch; everyone else treats
// a Buf as borrowed for the duration of one call chain.
func (b *Buf) Ref() { atomic.AddInt32(&b.refs, 1) }

// Unref decrements the reference count and reports whether it reached
// zero (the caller should then return b to its pool).
func (b *Buf) Unref() bool {
	return atomic.AddInt32(&b.refs, -1) <= 0
}

// RefCount reports the current reference count, for tests and metrics.
func (b *Buf) RefCount() int32 { return atomic.LoadInt32(&b.refs) }
