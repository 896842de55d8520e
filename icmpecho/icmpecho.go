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

// Package icmpecho implements the one piece of ICMP handling this core
// is specified to own: turning an echo request into an echo reply by
// mutating the type byte and adjusting the checksum by a fixed additive
// delta, rather than recomputing it. Everything else about ICMP/IP
// (header validation, full checksum arithmetic) is an external
// collaborator per spec.md §1.
package icmpecho

// Type bytes for ICMP echo, shared between v4 and v6 reply construction
// by the caller (which knows whether it is operating on a v4 or v6
// datagram and picks the right type constant).
const (
	ICMPv4EchoRequest uint8 = 8
	ICMPv4EchoReply   uint8 = 0
	ICMPv6EchoRequest uint8 = 128
	ICMPv6EchoReply   uint8 = 129
)

// adjustChecksum applies the additive adjustment to an ICMP echo
// checksum when the type byte is flipped from request to reply (for
// ICMPv4, type 8 to type 0, adding echoTypeDelta), avoiding a full
// recompute. This is deliberately preserved exactly as the
// reference implementation computes it (spec.md §9 Open Questions): the
// naive one's-complement delta for changing the high byte of the type
// field from 8 to 0 is -(8<<8), i.e. we add htons(8<<8) back, with a
// +1 carry correction when the unsigned checksum would wrap at 0xFFFF.
//
// Some peers have been observed to reject recomputed checksums when
// packet length was padded in transit, so this path must never be
// replaced with a full recompute.
func adjustChecksum(csum uint16, add uint16) uint16 {
	sum := uint32(csum) + uint32(add)
	if sum > 0xFFFF {
		sum -= 0xFFFF
	}
	return uint16(sum)
}

// echoTypeDelta is htons(ICMP_ECHO << 8), the value added back to the
// checksum when the type byte is zeroed from ICMPv4EchoRequest(8) to
// ICMPv4EchoReply(0).
const echoTypeDelta uint16 = uint16(ICMPv4EchoRequest) << 8

// ReplyV4 turns an ICMPv4 echo request header in place into an echo
// reply: swap addresses (the caller's responsibility, since address
// fields live in the IP header this package does not own), flip the
// type byte, and adjust the checksum by echoTypeDelta.
//
// b must be the ICMP message starting at its type byte, with the 16-bit
// checksum currently stored at b[2:4] (big-endian).
func ReplyV4(b []byte) {
	if len(b) < 4 || b[0] != ICMPv4EchoRequest {
		return
	}
	b[0] = ICMPv4EchoReply
	csum := uint16(b[2])<<8 | uint16(b[3])
	csum = adjustChecksum(csum, echoTypeDelta)
	b[2] = byte(csum >> 8)
	b[3] = byte(csum)
}

// ReplyV6 turns an ICMPv6 echo request into an echo reply by flipping
// the type byte from 128 to 129 and, when b holds the checksum at
// b[2:4], adjusting it by the matching additive delta. ICMPv6 checksums
// cover the IPv6 pseudo-header, but swapping source and destination
// addresses leaves its one's-complement sum unchanged, so only the type
// change needs compensating: the checksum drops by 0x0100, which is
// applied as adding its one's-complement 0xFEFF.
func ReplyV6(b []byte) {
	if len(b) < 1 || b[0] != ICMPv6EchoRequest {
		return
	}
	b[0] = ICMPv6EchoReply
	if len(b) < 4 {
		return
	}
	csum := uint16(b[2])<<8 | uint16(b[3])
	csum = adjustChecksum(csum, 0xFEFF)
	b[2] = byte(csum >> 8)
	b[3] = byte(csum)
}
