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

	"github.com/facebookincubator/iotcore/tcpstack"
	"github.com/facebookincubator/iotcore/udpio"
	log "github.com/sirupsen/logrus"
)

// udpEmitter is the real link-layer collaborator for one bound UDP
// socket. It satisfies netcore.LinkEmitter: SendDatagram and SendTo put
// bytes on the actual wire; SendSegment has nothing to frame into since
// this port has no raw IP layer backing the TCP state machine, so it
// only logs (the TCP core is still fully exercised by anything that
// calls Machine.Input/Send/Close directly, e.g. over a Unix socket
// front-end — just not over a live NIC in this binary).
type udpEmitter struct {
	conn *net.UDPConn
}

func newUDPEmitter(conn *net.UDPConn) *udpEmitter {
	return &udpEmitter{conn: conn}
}

func (e *udpEmitter) SendDatagram(dg udpio.OutDatagram) error {
	_, err := e.conn.WriteToUDP(dg.Payload, &net.UDPAddr{IP: dg.RemoteIP, Port: int(dg.RemotePort)})
	return err
}

func (e *udpEmitter) SendTo(peer net.IP, port uint16, b []byte) error {
	_, err := e.conn.WriteToUDP(b, &net.UDPAddr{IP: peer, Port: int(port)})
	return err
}

func (e *udpEmitter) SendSegment(seg tcpstack.OutSegment) error {
	log.Debugf("daemon: no link layer for TCP segment to %s:%d (local port %d)", seg.RemoteIP, seg.RemotePort, seg.LocalPort)
	return nil
}

// noopTCPApp is the TCP application collaborator for deployments that
// only use this core for its CoAP/UDP surface.
type noopTCPApp struct{}

func (noopTCPApp) OnConnected(h tcpstack.Handle)         {}
func (noopTCPApp) OnNewData(h tcpstack.Handle, b []byte) {}
func (noopTCPApp) OnACKData(h tcpstack.Handle)           {}
func (noopTCPApp) OnPoll(h tcpstack.Handle) []byte       { return nil }
func (noopTCPApp) OnClose(h tcpstack.Handle)             {}
func (noopTCPApp) OnAbort(h tcpstack.Handle)             {}
func (noopTCPApp) OnTimedOut(h tcpstack.Handle)          {}
func (noopTCPApp) OnRexmit(h tcpstack.Handle) []byte     { return nil }
