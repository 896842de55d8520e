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
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeEmitter struct {
	sent []OutSegment
}

func (f *fakeEmitter) SendSegment(s OutSegment) error {
	f.sent = append(f.sent, s)
	return nil
}

func (f *fakeEmitter) last() OutSegment { return f.sent[len(f.sent)-1] }

type fakeApp struct {
	connected  []Handle
	newData    [][]byte
	acked      int
	closed     int
	aborted    int
	timedOut   int
	pollReturn []byte
	rexmit     []byte
}

func (a *fakeApp) OnConnected(h Handle)         { a.connected = append(a.connected, h) }
func (a *fakeApp) OnNewData(h Handle, d []byte) { a.newData = append(a.newData, append([]byte(nil), d...)) }
func (a *fakeApp) OnACKData(h Handle)           { a.acked++ }
func (a *fakeApp) OnPoll(h Handle) []byte       { return a.pollReturn }
func (a *fakeApp) OnClose(h Handle)             { a.closed++ }
func (a *fakeApp) OnAbort(h Handle)             { a.aborted++ }
func (a *fakeApp) OnTimedOut(h Handle)          { a.timedOut++ }
func (a *fakeApp) OnRexmit(h Handle) []byte     { return a.rexmit }

// TestThreeWayHandshake implements scenario S1 from spec.md §8.
func TestThreeWayHandshake(t *testing.T) {
	tx := &fakeEmitter{}
	app := &fakeApp{}
	m := NewMachine(4, 2, tx, app)
	require.NoError(t, m.Listen(80))

	peer := net.ParseIP("10.0.0.2")
	err := m.Input(InSegment{
		SrcPort: 1234, DstPort: 80, Seq: 0x1000, Ctl: FlagSYN, ChecksumOK: true,
	}, peer)
	require.NoError(t, err)
	require.Len(t, tx.sent, 1)

	synack := tx.last()
	require.Equal(t, FlagSYN|FlagACK, synack.Ctl)
	require.Equal(t, uint32(0x1001), synack.Ack)
	require.Equal(t, DefaultMSSv4, synack.MSS)

	h, c := m.table.Find(80, 1234, peer)
	require.NotNil(t, c)
	require.Equal(t, StateSynRcvd, c.State)
	require.Equal(t, uint32(0x1001), c.RcvNxt)

	// complete handshake
	err = m.Input(InSegment{
		SrcPort: 1234, DstPort: 80, Seq: 0x1001, Ack: synack.Seq + 1, Ctl: FlagACK, ChecksumOK: true,
	}, peer)
	require.NoError(t, err)
	require.Equal(t, StateEstablished, m.table.Get(h).State)
	require.Len(t, app.connected, 1)
}

func TestSendRefusedWhileOutstanding(t *testing.T) {
	tx := &fakeEmitter{}
	app := &fakeApp{}
	m := NewMachine(2, 1, tx, app)
	h, c := m.table.allocSlot()
	c.State = StateEstablished
	c.MSS = 512
	c.InitialMSS = 512

	require.NoError(t, m.Send(h, []byte("hello")))
	require.True(t, c.Outstanding())
	err := m.Send(h, []byte("again"))
	require.ErrorIs(t, err, ErrWouldBlock)
}

func TestRTOMonotoneOnCleanACK(t *testing.T) {
	c := &Conn{}
	c.initRTOActiveOpen()
	start := c.RTO
	c.Timer = c.RTO // pretend the ACK arrived immediately
	c.updateRTT()
	require.GreaterOrEqual(t, c.RTO, 1)
	require.LessOrEqual(t, c.RTO, 2*start)
}

func TestRetransmitBackoffCap(t *testing.T) {
	c := &Conn{RTO: 3}
	for i := 0; i < 10; i++ {
		c.backoff()
	}
	require.Equal(t, 3<<4, c.Timer)
}

func TestFreeSlotPrefersClosedThenOldestTimeWait(t *testing.T) {
	tbl := NewTable(2, 1)
	tbl.conns[0].State = StateTimeWait
	tbl.conns[0].Timer = 5
	tbl.conns[1].State = StateTimeWait
	tbl.conns[1].Timer = 50

	_, c, err := tbl.allocSlot()
	require.NoError(t, err)
	require.Same(t, &tbl.conns[1], c, "must evict the oldest TIME_WAIT slot")
}
