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

// Package netcore wires the TCP state machine, UDP demultiplexer, CoAP
// transaction/observe layers, REST binding and settings store into one
// single-threaded cooperative core, per §5's concurrency model: one
// goroutine owns every pool and table; a socket reader and a timer
// ticker only ever enqueue events onto NetCore's channels, never touch
// pool state directly.
package netcore

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/facebookincubator/iotcore/coapmsg"
	"github.com/facebookincubator/iotcore/coapobserve"
	"github.com/facebookincubator/iotcore/coaptrans"
	"github.com/facebookincubator/iotcore/restbind"
	"github.com/facebookincubator/iotcore/settings"
	"github.com/facebookincubator/iotcore/tcpstack"
	"github.com/facebookincubator/iotcore/udpio"
	log "github.com/sirupsen/logrus"
)

// CoAPPort is the default CoAP UDP port (§4.6/RFC 7252 §12.8).
const CoAPPort uint16 = 5683

// Config sizes every fixed pool this core owns.
type Config struct {
	TCPConns      int
	TCPListeners  int
	UDPAssocs     int
	Transactions  int
	Observers     int
	Observees     int
	TickInterval  time.Duration
}

// DefaultConfig mirrors the embedded-scale defaults spec.md's component
// table gives for N_TCP/N_UDP/N_TR.
func DefaultConfig() Config {
	return Config{
		TCPConns: 8, TCPListeners: 4, UDPAssocs: 8,
		Transactions: 4, Observers: 4, Observees: 4,
		TickInterval: time.Second,
	}
}

// LinkEmitter is the external collaborator that actually puts bytes on
// the wire: TCP segments, UDP datagrams, and CoAP's peer-addressed send
// used directly by the transaction pool (ARP/IP framing is out of this
// core's scope, per spec.md Non-goals).
type LinkEmitter interface {
	tcpstack.Emitter
	udpio.Emitter
	coaptrans.Emitter
}

// NetCore is the aggregate single-threaded core.
type NetCore struct {
	TCP      *tcpstack.Machine
	UDP      *udpio.Demux
	Trans    *coaptrans.Pool
	Observe  *coapobserve.Registry
	Observee *coapobserve.ObserveeList
	Engine   *restbind.Engine
	Settings *settings.Store

	ingress chan Event
	midCtr  uint32
	tokCtr  uint32
}

// Event is one item on the core's single event queue: an ingress TCP
// segment, an ingress UDP datagram, or a timer tick. Exactly one of
// TCPSegment, UDPDatagram and Tick is set; TCPSrcIP accompanies
// TCPSegment.
type Event struct {
	TCPSegment *tcpstack.InSegment
	TCPSrcIP   net.IP
	UDPDatagram *udpio.Datagram
	Tick        time.Duration
}

// coapApp adapts the CoAP request/response pipeline to udpio.App so the
// Demux can deliver ingress datagrams addressed to the CoAP port without
// tcpstack/udpio ever importing coapmsg.
type coapApp struct {
	core *NetCore
}

func (c *coapApp) OnData(assocIdx int, dg udpio.Datagram) []byte {
	msg, err := coapmsg.Decode(dg.Payload)
	if err != nil {
		log.Debugf("netcore: dropping malformed CoAP datagram from %s:%d: %v", dg.SrcIP, dg.SrcPort, err)
		return nil
	}

	switch msg.Type {
	case coapmsg.TypeACK:
		c.core.Trans.OnACK(dg.SrcIP, dg.SrcPort, msg)
		return nil
	case coapmsg.TypeRST:
		if c.core.Trans.OnRST(dg.SrcIP, dg.SrcPort, msg.MessageID) {
			c.core.Observe.RemoveByMID(dg.SrcIP, dg.SrcPort, msg.MessageID)
		}
		return nil
	}

	if msg.Code.Class() != 0 {
		// A CON/NON response that didn't correlate by MID/ACK (e.g. a
		// notification's confirmable promotion already handled via
		// OnACK above); nothing further to do for class >= 2 here.
		return nil
	}

	resp := coapmsg.NewResponse(msg, coapmsg.CodeNotFound)
	if !c.core.Engine.Dispatch(msg, resp, dg.SrcIP, dg.SrcPort) {
		log.Debugf("netcore: no resource for %s from %s:%d", msg.UriPath, dg.SrcIP, dg.SrcPort)
	}

	out, err := coapmsg.Encode(resp)
	if err != nil {
		log.Warnf("netcore: failed to encode CoAP response: %v", err)
		return nil
	}
	return out
}

// New wires every subsystem together. tx is shared by the TCP and UDP
// emit paths; app is the TCP application collaborator (the TCP core has
// no CoAP-specific use in this spec, so most deployments pass a no-op
// App and drive TCP purely through Send/Close).
func New(cfg Config, tx LinkEmitter, tcpApp tcpstack.App, backend settings.Backend) *NetCore {
	nc := &NetCore{
		Settings: settings.NewStore(backend),
		ingress:  make(chan Event, 64),
	}
	nc.TCP = tcpstack.NewMachine(cfg.TCPConns, cfg.TCPListeners, tx, tcpApp)
	nc.Trans = coaptrans.NewPool(cfg.Transactions, tx)
	nc.Observe = coapobserve.NewRegistry(cfg.Observers, nc.Trans, nc.nextMID)
	nc.Observee = coapobserve.NewObserveeList(cfg.Observees, nc.Trans, nc.nextToken)
	nc.Engine = restbind.NewEngine(nc.Observe)
	app := &coapApp{core: nc}
	nc.UDP = udpio.NewDemux(cfg.UDPAssocs, app, tx)
	return nc
}

// nextMID hands out a process-wide monotonically increasing CoAP message
// ID, matching the reference's free-running 16-bit counter.
func (nc *NetCore) nextMID() uint16 {
	return uint16(atomic.AddUint32(&nc.midCtr, 1))
}

// nextToken hands out a small opaque correlation token for client-side
// Observe registrations.
func (nc *NetCore) nextToken() []byte {
	v := atomic.AddUint32(&nc.tokCtr, 1)
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// Post enqueues an event for Run to process; safe to call from any
// goroutine (the socket reader, the timer ticker).
func (nc *NetCore) Post(ev Event) {
	nc.ingress <- ev
}

// Run is the one cooperative loop that ever touches pool state: it
// drains the event queue and dispatches each event to the owning
// subsystem, until ctx is canceled.
func (nc *NetCore) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-nc.ingress:
			nc.handle(ev)
		}
	}
}

func (nc *NetCore) handle(ev Event) {
	switch {
	case ev.TCPSegment != nil:
		if err := nc.TCP.Input(*ev.TCPSegment, ev.TCPSrcIP); err != nil {
			log.Debugf("netcore: tcp input: %v", err)
		}
	case ev.UDPDatagram != nil:
		if err := nc.UDP.Dispatch(*ev.UDPDatagram); err != nil {
			log.Debugf("netcore: udp dispatch: %v", err)
		}
	case ev.Tick > 0:
		nc.TCP.Tick()
		nc.Trans.Tick(ev.Tick)
	}
}
