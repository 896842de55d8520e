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

// Package tcpstack implements the RFC 793 subset of the TCP state machine
// used by embedded IP stacks such as uIP: a fixed-size connection table,
// SYN/FIN/RST handling, MSS negotiation and RTO-driven retransmission.
// There is no simultaneous open, no urgent data and no selective ACK.
package tcpstack

import "net"

// State is a TCP connection state per RFC 793 (subset). There is no
// explicit LISTEN state in the table: a listening port is tracked
// separately in Listeners and a slot is only allocated on SYN arrival.
type State uint8

// Connection states. CLOSED is the zero value so a freshly zeroed Conn
// slot is implicitly free.
const (
	StateClosed State = iota
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateLastAck
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateClosing:
		return "CLOSING"
	case StateTimeWait:
		return "TIME_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	default:
		return "UNKNOWN"
	}
}

// Tunables, matching the reference uIP defaults. They are variables, not
// untyped consts, so a daemon's Config can override them at startup the
// way ptp4u's DynamicConfig overrides protocol timing.
var (
	// RTO is the initial retransmission timeout, in clock ticks.
	RTO = 3
	// MaxRtx is the retransmit ceiling for an established connection
	// before it is aborted.
	MaxRtx = 8
	// MaxSynRtx is the retransmit ceiling while still completing the
	// handshake (SYN_SENT / SYN_RCVD).
	MaxSynRtx = 5
	// TimeWaitTimeout is how many ticks a connection lingers in
	// TIME_WAIT / FIN_WAIT_2 before reclamation.
	TimeWaitTimeout = 120
	// DefaultMSSv4 is UIP_TCP_MSS for IPv4 peers.
	DefaultMSSv4 uint16 = 536
	// DefaultMSSv6 is UIP_TCP_MSS for IPv6 peers (RFC 8200 minimum MTU
	// headroom).
	DefaultMSSv6 uint16 = 1220
)

// Conn is one slot of the fixed-size connection table.
type Conn struct {
	// identity
	LocalPort  uint16
	RemotePort uint16
	RemoteIP   net.IP

	State State

	// sequence space
	SndNxt uint32
	RcvNxt uint32
	ISS    uint32

	// Len is the number of bytes in flight: 0 or exactly one segment,
	// per the at-most-one-unacknowledged-segment invariant.
	Len int

	MSS        uint16
	InitialMSS uint16

	// RTT estimator state (Van Jacobson integer form).
	RTO   int
	SA    int
	SV    int
	NRtx  int
	Timer int

	// Stopped suppresses NEWDATA up-calls (local flow control): payload
	// arriving while it is set is neither delivered nor acknowledged.
	// The advertised window does not change; segments still carry
	// InitialMSS.
	Stopped bool

	// generation guards stale handles across slot reuse.
	generation uint32

	// pendingSet is not read or written by the state machine; a
	// retransmit gets its payload from App.OnRexmit.
	pendingSet bool
}

// Outstanding reports whether there is an unacknowledged segment,
// i.e. Len > 0 — property 1 of the testable properties list.
func (c *Conn) Outstanding() bool { return c.Len > 0 }

// IsFree reports whether this slot may be reused: CLOSED connections are
// always free; the scan in the connection table additionally considers
// the oldest TIME_WAIT slot when no CLOSED slot exists.
func (c *Conn) IsFree() bool { return c.State == StateClosed }

// reset zeroes a slot back to its free state, matching the invariant
// that CLOSED slots have zeroed addrs/ports.
func (c *Conn) reset() {
	gen := c.generation
	*c = Conn{generation: gen + 1}
}

// peerWindow clamps an advertised peer window to InitialMSS: a zero or
// oversized window is treated as exactly one MSS, which is what drives
// the persistent-timer retransmission of a single segment.
func (c *Conn) peerWindow(wnd uint32) uint32 {
	if wnd == 0 || wnd > uint32(c.InitialMSS) {
		return uint32(c.InitialMSS)
	}
	return wnd
}

// clampSegLen bounds an outbound segment length to the negotiated MSS.
func clampSegLen(slen, mss int) int {
	if slen > mss {
		return mss
	}
	return slen
}
