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

import "net"

// TCP control bits (RFC 793 byte 13 of the header), decoded by the
// caller (the IP layer is an external collaborator per spec scope and is
// assumed to have already validated the header).
const (
	FlagFIN uint8 = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

// MSSOptionKind is the TCP option kind byte for Maximum Segment Size.
const MSSOptionKind = 2

// InSegment is a parsed, already-validated (by the external IP layer)
// TCP segment arriving for dispatch.
type InSegment struct {
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	Ctl        uint8
	Window     uint16
	MSS        uint16 // 0 if the MSS option was absent
	Payload    []byte
	ChecksumOK bool
}

// OutSegment is what the state machine asks the Emitter to serialize and
// hand to the link layer.
type OutSegment struct {
	LocalPort  uint16
	RemotePort uint16
	RemoteIP   net.IP
	Seq        uint32
	Ack        uint32
	Ctl        uint8
	Window     uint16
	MSS        uint16 // 0 means "no MSS option"
	Payload    []byte
}

// Emitter hands a fully-formed outbound segment to whatever encapsulates
// it in IP and puts it on the wire. It is the boundary to the IP/link
// layer collaborator this package never implements.
type Emitter interface {
	SendSegment(OutSegment) error
}

// App is the up-call surface a TCP application implements. Each method
// corresponds to one of the Buf flags in netbuf: the state machine
// invokes exactly the up-calls the per-state transition table specifies.
type App interface {
	// OnConnected fires once, on the handshake completing (ESTABLISHED).
	OnConnected(h Handle)
	// OnNewData fires when in-order application bytes arrived.
	OnNewData(h Handle, data []byte)
	// OnACKData fires when the single outstanding segment was acked.
	OnACKData(h Handle)
	// OnPoll fires periodically so the application may attach data to
	// send; returning non-nil data with len>0 sends it as the next
	// (and only) outstanding segment.
	OnPoll(h Handle) []byte
	// OnClose fires when the peer half-closed (FIN received).
	OnClose(h Handle)
	// OnAbort fires when the connection was forced closed (RST sent or
	// received).
	OnAbort(h Handle)
	// OnTimedOut fires when the retransmit ceiling was hit.
	OnTimedOut(h Handle)
	// OnRexmit asks the application to reconstruct the payload of the
	// single outstanding segment for retransmission; the core does not
	// keep its own copy of application data in flight.
	OnRexmit(h Handle) []byte
}
