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

package daemon

import (
	"net"

	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// connFd extracts the raw file descriptor from conn, the way
// protocol.connFd does for hardware timestamp ioctls — here used for
// socket options instead.
func connFd(conn *net.UDPConn) (int, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	if err := sc.Control(func(p uintptr) { fd = int(p) }); err != nil {
		return -1, err
	}
	return fd, nil
}

// tuneSocket sets SO_REUSEADDR (so a restarted daemon can rebind
// immediately) and, when dscp > 0, the IPv4 IP_TOS byte CoAP egress
// should carry (set on whatever socket family conn is; the IPv6
// traffic class is not set), mirroring the teacher's direct
// SetsockoptInt calls on a raw fd pulled off a *net.UDPConn.
func tuneSocket(conn *net.UDPConn, dscp int) error {
	fd, err := connFd(conn)
	if err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	if dscp > 0 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, dscp<<2); err != nil {
			return err
		}
	}
	return nil
}

// joinMulticast joins the CoAP "all nodes" IPv6 multicast group on
// iface, implementing §4.2 step 4's "ripaddr is ... broadcast" blanket
// accept for the ff02::/16 range at the socket level (udpio.Table.Match
// only decides whether a *received* datagram matches an association;
// the socket still has to be a member of the group to receive it at
// all).
func joinMulticast(conn *net.UDPConn, iface string) error {
	if iface == "" {
		return nil
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return err
	}
	pc := ipv6.NewPacketConn(conn)
	group := &net.UDPAddr{IP: net.ParseIP("ff02::1")}
	return pc.JoinGroup(ifi, group)
}
