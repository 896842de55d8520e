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
	"math/rand"
	"net"

	log "github.com/sirupsen/logrus"
)

// ErrWouldBlock is returned by Send when a segment is already
// outstanding on the connection (property 1: at most one in flight).
var ErrWouldBlock = errors.New("tcpstack: -EAGAIN, segment already outstanding")

// ErrAborted is returned by operations against a connection that is not
// in a state that accepts them.
var ErrAborted = errors.New("tcpstack: connection not established")

// Machine is one NetCore's worth of TCP state: the connection table
// threaded explicitly through every operation, per Design Notes §9 in
// place of the reference implementation's global uip_conns array.
type Machine struct {
	table       *Table
	tx          Emitter
	app         App
	reassembler *Reassembler
}

// Option configures optional, compiled-in Machine behavior.
type Option func(*Machine)

// WithReassembly enables the IPv4 fragment reassembly hook (uip_reass),
// recovered from the reference implementation's UIP_REASSEMBLY path: an
// external IP layer that sees fragments may feed them through
// Machine.InputFragment before constructing the InSegment this state
// machine otherwise expects pre-assembled. bufSize bounds the
// reassembled payload size, mirroring UIP_REASS_BUFSIZE.
func WithReassembly(bufSize int) Option {
	return func(m *Machine) { m.reassembler = NewReassembler(bufSize) }
}

// NewMachine builds a TCP state machine over a freshly allocated
// connection table of the given sizes.
func NewMachine(nConns, nListeners int, tx Emitter, app App, opts ...Option) *Machine {
	m := &Machine{table: NewTable(nConns, nListeners), tx: tx, app: app}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InputFragment feeds one IPv4 fragment through the optional
// reassembler. If WithReassembly was not configured, a fragment that is
// a whole datagram (offset 0, more unset) passes through unchanged and
// is reported complete, matching the reference's "#else uip_len = ..."
// passthrough when UIP_REASSEMBLY is compiled out; any other fragment
// is dropped (nil, false).
func (m *Machine) InputFragment(header []byte, offset int, payload []byte, more bool) ([]byte, bool, error) {
	if m.reassembler == nil {
		if offset != 0 || more {
			return nil, false, nil
		}
		out := make([]byte, len(header)+len(payload))
		copy(out, header)
		copy(out[len(header):], payload)
		return out, true, nil
	}
	return m.reassembler.Input(header, offset, payload, more)
}

// ReassemblyTick ages the optional reassembler's in-flight datagram, a
// no-op when WithReassembly was not configured. Callers drive this from
// the same tick that calls Tick.
func (m *Machine) ReassemblyTick() {
	if m.reassembler != nil {
		m.reassembler.Tick()
	}
}

// Listen registers a passive-open listening port.
func (m *Machine) Listen(port uint16) error { return m.table.Listen(port) }

// Unlisten removes a listening port.
func (m *Machine) Unlisten(port uint16) { m.table.Unlisten(port) }

// Conn dereferences a handle for read access, e.g. for metrics or tests.
func (m *Machine) Conn(h Handle) *Conn { return m.table.Get(h) }

// ConnsInUse reports how many of the fixed connection slots are not
// CLOSED, for pool occupancy metrics.
func (m *Machine) ConnsInUse() int { return m.table.InUse() }

func defaultMSS(ip net.IP) uint16 {
	if ip.To4() != nil {
		return DefaultMSSv4
	}
	return DefaultMSSv6
}

// Connect performs an active open: allocates a slot, picks a fresh
// ephemeral local port, and emits the initial SYN.
func (m *Machine) Connect(remoteIP net.IP, remotePort uint16) (Handle, error) {
	localPort, err := m.table.nextLocalPort()
	if err != nil {
		return Handle{}, err
	}
	h, c, err := m.table.allocSlot()
	if err != nil {
		return Handle{}, err
	}
	c.LocalPort = localPort
	c.RemotePort = remotePort
	c.RemoteIP = remoteIP
	c.ISS = rand.Uint32()
	c.SndNxt = c.ISS + 1
	c.InitialMSS = defaultMSS(remoteIP)
	c.MSS = c.InitialMSS
	c.State = StateSynSent
	c.initRTOActiveOpen()
	c.armRetransmit()

	err = m.tx.SendSegment(OutSegment{
		LocalPort: localPort, RemotePort: remotePort, RemoteIP: remoteIP,
		Seq: c.ISS, Ctl: FlagSYN, Window: uint16(c.InitialMSS), MSS: c.InitialMSS,
	})
	return h, err
}

// Input dispatches one ingress segment (step 7 of §4.2's ingress
// demultiplexing: IP/ICMP/UDP handling happens upstream of this call).
func (m *Machine) Input(seg InSegment, remoteIP net.IP) error {
	if !seg.ChecksumOK {
		log.Debug("tcpstack: dropping segment with bad checksum")
		return nil
	}

	h, c := m.table.Find(seg.DstPort, seg.SrcPort, remoteIP)
	if c == nil {
		if seg.Ctl&FlagSYN != 0 && seg.Ctl&FlagACK == 0 {
			return m.acceptSYN(seg, remoteIP)
		}
		if seg.Ctl&FlagRST == 0 {
			m.sendRST(seg, remoteIP)
		}
		return nil
	}
	return m.dispatch(h, c, seg)
}

// acceptSYN handles a SYN for which no connection slot exists yet:
// match a listener, allocate a slot (preferring CLOSED, else oldest
// TIME_WAIT), parse the MSS option, and reply with SYNACK.
func (m *Machine) acceptSYN(seg InSegment, remoteIP net.IP) error {
	if !m.table.isListening(seg.DstPort) {
		m.sendRST(seg, remoteIP)
		return nil
	}
	h, c, err := m.table.allocSlot()
	if err != nil {
		log.Debugf("tcpstack: connection table exhausted, dropping SYN for port %d", seg.DstPort)
		return nil
	}
	c.LocalPort = seg.DstPort
	c.RemotePort = seg.SrcPort
	c.RemoteIP = remoteIP
	c.RcvNxt = seg.Seq + 1
	c.ISS = rand.Uint32()
	c.SndNxt = c.ISS + 1
	mss := seg.MSS
	if mss == 0 {
		mss = defaultMSS(remoteIP)
	}
	c.InitialMSS = mss
	c.MSS = mss
	c.State = StateSynRcvd
	c.initRTOPassiveOpen()
	c.Len = 1 // the SYNACK itself counts as the outstanding segment
	c.armRetransmit()

	_ = h
	return m.sendSynAck(c)
}

func (m *Machine) sendSynAck(c *Conn) error {
	return m.tx.SendSegment(OutSegment{
		LocalPort: c.LocalPort, RemotePort: c.RemotePort, RemoteIP: c.RemoteIP,
		Seq: c.ISS, Ack: c.RcvNxt, Ctl: FlagSYN | FlagACK,
		Window: uint16(c.InitialMSS), MSS: c.InitialMSS,
	})
}

func (m *Machine) sendRST(seg InSegment, remoteIP net.IP) {
	ack := seg.Seq + uint32(len(seg.Payload))
	if seg.Ctl&FlagSYN != 0 {
		ack++
	}
	ctl := FlagRST
	var seq uint32
	if seg.Ctl&FlagACK != 0 {
		seq = seg.Ack
	} else {
		ctl |= FlagACK
	}
	_ = m.tx.SendSegment(OutSegment{
		LocalPort: seg.DstPort, RemotePort: seg.SrcPort, RemoteIP: remoteIP,
		Seq: seq, Ack: ack, Ctl: ctl,
	})
}

func (m *Machine) sendAck(c *Conn) error {
	return m.tx.SendSegment(OutSegment{
		LocalPort: c.LocalPort, RemotePort: c.RemotePort, RemoteIP: c.RemoteIP,
		Seq: c.SndNxt, Ack: c.RcvNxt, Ctl: FlagACK, Window: uint16(c.InitialMSS),
	})
}

func (m *Machine) sendFinAck(c *Conn) error {
	return m.tx.SendSegment(OutSegment{
		LocalPort: c.LocalPort, RemotePort: c.RemotePort, RemoteIP: c.RemoteIP,
		Seq: c.SndNxt, Ack: c.RcvNxt, Ctl: FlagFIN | FlagACK, Window: uint16(c.InitialMSS),
	})
}

func (m *Machine) abort(h Handle, c *Conn) {
	m.sendRST(InSegment{SrcPort: c.RemotePort, DstPort: c.LocalPort, Seq: c.SndNxt, Ctl: FlagACK, Ack: c.RcvNxt}, c.RemoteIP)
	c.State = StateClosed
	m.app.OnAbort(h)
	c.reset()
}

// dispatch implements the canonical per-state transition table of §4.2.
func (m *Machine) dispatch(h Handle, c *Conn, seg InSegment) error {
	if seg.Window > 0 {
		_ = c.peerWindow(uint32(seg.Window))
	}
	if seg.MSS != 0 && (c.State == StateSynSent || c.State == StateSynRcvd) {
		c.MSS = seg.MSS
	}

	if seg.Ctl&FlagRST != 0 {
		// A validly-sequenced RST aborts unconditionally from any state.
		c.State = StateClosed
		m.app.OnAbort(h)
		c.reset()
		return nil
	}

	switch c.State {
	case StateSynSent:
		return m.inSynSent(h, c, seg)
	case StateSynRcvd:
		return m.inSynRcvd(h, c, seg)
	case StateEstablished:
		return m.inEstablished(h, c, seg)
	case StateFinWait1:
		return m.inFinWait1(h, c, seg)
	case StateFinWait2:
		return m.inFinWait2(h, c, seg)
	case StateClosing:
		return m.inClosing(h, c, seg)
	case StateLastAck:
		return m.inLastAck(h, c, seg)
	case StateTimeWait:
		// Any further segment in TIME_WAIT is acknowledged but ignored.
		return m.sendAck(c)
	default:
		return nil
	}
}

func (m *Machine) inSynSent(h Handle, c *Conn, seg InSegment) error {
	if seg.Ctl&FlagSYN != 0 && seg.Ctl&FlagACK != 0 && seg.Ack == c.SndNxt {
		c.RcvNxt = seg.Seq + 1
		c.State = StateEstablished
		c.Len = 0
		c.NRtx = 0
		c.Timer = 0
		m.app.OnConnected(h)
		return m.sendAck(c)
	}
	// anything else in SYN_SENT aborts the attempt.
	m.abort(h, c)
	return nil
}

func (m *Machine) inSynRcvd(h Handle, c *Conn, seg InSegment) error {
	if seg.Ctl&FlagACK != 0 && seg.Ack == c.SndNxt {
		c.State = StateEstablished
		c.Len = 0
		c.NRtx = 0
		c.Timer = 0
		m.app.OnConnected(h)
		return nil
	}
	if seg.Ctl&FlagSYN != 0 {
		// retransmitted SYN: resend SYNACK.
		return m.sendSynAck(c)
	}
	return nil
}

func (m *Machine) inEstablished(h Handle, c *Conn, seg InSegment) error {
	if seg.Ctl&FlagFIN != 0 {
		c.RcvNxt += uint32(len(seg.Payload)) + 1
		if err := m.sendFinAck(c); err != nil {
			return err
		}
		c.State = StateLastAck
		c.Len = 1
		c.armRetransmit()
		m.app.OnClose(h)
		return nil
	}

	ackedOutstanding := false
	if seg.Ctl&FlagACK != 0 && c.Outstanding() && seg.Ack == c.SndNxt+uint32(c.Len) {
		if c.NRtx == 0 {
			c.updateRTT()
		}
		c.SndNxt += uint32(c.Len)
		c.Len = 0
		c.NRtx = 0
		c.Timer = 0
		ackedOutstanding = true
	}

	if len(seg.Payload) > 0 && !c.Stopped {
		c.RcvNxt += uint32(len(seg.Payload))
		m.app.OnNewData(h, seg.Payload)
	}

	if ackedOutstanding {
		m.app.OnACKData(h)
	}

	if !c.Outstanding() {
		m.poll(h, c)
	}
	return m.sendAck(c)
}

// poll invokes OnPoll and, if the application attaches data, sends it as
// the connection's single outstanding segment.
func (m *Machine) poll(h Handle, c *Conn) {
	data := m.app.OnPoll(h)
	if len(data) == 0 {
		return
	}
	n := clampSegLen(len(data), int(c.MSS))
	data = data[:n]
	c.Len = n
	c.armRetransmit()
	_ = m.tx.SendSegment(OutSegment{
		LocalPort: c.LocalPort, RemotePort: c.RemotePort, RemoteIP: c.RemoteIP,
		Seq: c.SndNxt, Ack: c.RcvNxt, Ctl: FlagACK | FlagPSH,
		Window: uint16(c.InitialMSS), Payload: data,
	})
}

// Send is the application-initiated send entry point. Property 1: it is
// refused with ErrWouldBlock while a segment is already outstanding.
func (m *Machine) Send(h Handle, data []byte) error {
	c := m.table.Get(h)
	if c == nil || c.State != StateEstablished {
		return ErrAborted
	}
	if c.Outstanding() {
		return ErrWouldBlock
	}
	n := clampSegLen(len(data), int(c.MSS))
	data = data[:n]
	c.Len = n
	c.armRetransmit()
	return m.tx.SendSegment(OutSegment{
		LocalPort: c.LocalPort, RemotePort: c.RemotePort, RemoteIP: c.RemoteIP,
		Seq: c.SndNxt, Ack: c.RcvNxt, Ctl: FlagACK | FlagPSH,
		Window: uint16(c.InitialMSS), Payload: data,
	})
}

func (m *Machine) inFinWait1(h Handle, c *Conn, seg InSegment) error {
	ackedFin := seg.Ctl&FlagACK != 0 && c.Outstanding() && seg.Ack == c.SndNxt+uint32(c.Len)
	if ackedFin {
		c.SndNxt += uint32(c.Len)
		c.Len = 0
		c.NRtx = 0
	}
	if seg.Ctl&FlagFIN != 0 {
		c.RcvNxt += uint32(len(seg.Payload)) + 1
		if err := m.sendAck(c); err != nil {
			return err
		}
		if ackedFin {
			c.State = StateTimeWait
			c.Timer = 0
		} else {
			c.State = StateClosing
		}
		return nil
	}
	if ackedFin {
		c.State = StateFinWait2
	}
	return nil
}

func (m *Machine) inFinWait2(h Handle, c *Conn, seg InSegment) error {
	if seg.Ctl&FlagFIN != 0 {
		c.RcvNxt += uint32(len(seg.Payload)) + 1
		if err := m.sendAck(c); err != nil {
			return err
		}
		c.State = StateTimeWait
		c.Timer = 0
	}
	return nil
}

func (m *Machine) inClosing(h Handle, c *Conn, seg InSegment) error {
	if seg.Ctl&FlagACK != 0 && c.Outstanding() && seg.Ack == c.SndNxt+uint32(c.Len) {
		c.SndNxt += uint32(c.Len)
		c.Len = 0
		c.State = StateTimeWait
		c.Timer = 0
	}
	return nil
}

func (m *Machine) inLastAck(h Handle, c *Conn, seg InSegment) error {
	if seg.Ctl&FlagACK != 0 && c.Outstanding() && seg.Ack == c.SndNxt+uint32(c.Len) {
		c.SndNxt += uint32(c.Len)
		c.Len = 0
		c.State = StateClosed
		c.reset()
	}
	return nil
}

// Close begins an active close from ESTABLISHED, sending a FIN.
func (m *Machine) Close(h Handle) error {
	c := m.table.Get(h)
	if c == nil || c.State != StateEstablished || c.Outstanding() {
		return ErrAborted
	}
	if err := m.tx.SendSegment(OutSegment{
		LocalPort: c.LocalPort, RemotePort: c.RemotePort, RemoteIP: c.RemoteIP,
		Seq: c.SndNxt, Ack: c.RcvNxt, Ctl: FlagFIN | FlagACK, Window: uint16(c.InitialMSS),
	}); err != nil {
		return err
	}
	c.State = StateFinWait1
	c.Len = 1
	c.armRetransmit()
	return nil
}

// Abort forces a connection closed with an RST, per AppAbort in the
// error taxonomy.
func (m *Machine) Abort(h Handle) {
	c := m.table.Get(h)
	if c == nil {
		return
	}
	m.abort(h, c)
}

// Tick advances every connection's retransmit timer by one unit and
// performs retransmission / timeout handling, per §4.2 Retransmission
// and §5's single authoritative per-connection timer.
func (m *Machine) Tick() {
	for i := range m.table.conns {
		c := &m.table.conns[i]
		h := m.table.HandleOf(i)
		switch c.State {
		case StateTimeWait, StateFinWait2:
			c.Timer++
			if c.Timer >= TimeWaitTimeout {
				c.State = StateClosed
				c.reset()
			}
		case StateClosed:
			// nothing to do
		default:
			if c.Outstanding() {
				m.tickRetransmit(h, c)
			}
		}
	}
}

func (m *Machine) tickRetransmit(h Handle, c *Conn) {
	if !c.tickRetransmitTimer() {
		return
	}
	if c.rtxExhausted() {
		c.State = StateClosed
		m.app.OnTimedOut(h)
		m.sendRST(InSegment{SrcPort: c.RemotePort, DstPort: c.LocalPort, Seq: c.SndNxt, Ctl: FlagACK, Ack: c.RcvNxt}, c.RemoteIP)
		c.reset()
		return
	}
	c.backoff()
	switch c.State {
	case StateSynRcvd:
		_ = m.sendSynAck(c)
	case StateSynSent:
		_ = m.tx.SendSegment(OutSegment{
			LocalPort: c.LocalPort, RemotePort: c.RemotePort, RemoteIP: c.RemoteIP,
			Seq: c.ISS, Ctl: FlagSYN, Window: uint16(c.InitialMSS), MSS: c.InitialMSS,
		})
	case StateFinWait1, StateClosing, StateLastAck:
		_ = m.sendFinAck(c)
	case StateEstablished:
		data := m.app.OnRexmit(h)
		if len(data) > c.Len {
			data = data[:c.Len]
		}
		_ = m.tx.SendSegment(OutSegment{
			LocalPort: c.LocalPort, RemotePort: c.RemotePort, RemoteIP: c.RemoteIP,
			Seq: c.SndNxt, Ack: c.RcvNxt, Ctl: FlagACK | FlagPSH,
			Window: uint16(c.InitialMSS), Payload: data,
		})
	}
}
