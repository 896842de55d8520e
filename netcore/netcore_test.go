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

package netcore

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/facebookincubator/iotcore/coapmsg"
	"github.com/facebookincubator/iotcore/restbind"
	"github.com/facebookincubator/iotcore/settings/memorybackend"
	"github.com/facebookincubator/iotcore/tcpstack"
	"github.com/facebookincubator/iotcore/udpio"
	"github.com/stretchr/testify/require"
)

type capturingTx struct {
	mu   sync.Mutex
	sent [][]byte
}

func (c *capturingTx) SendSegment(tcpstack.OutSegment) error { return nil }
func (c *capturingTx) SendDatagram(dg udpio.OutDatagram) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, dg.Payload)
	return nil
}
func (c *capturingTx) SendTo(peer net.IP, port uint16, b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, b)
	return nil
}

type nopTCPApp struct{}

func (nopTCPApp) OnConnected(tcpstack.Handle)          {}
func (nopTCPApp) OnNewData(tcpstack.Handle, []byte)    {}
func (nopTCPApp) OnACKData(tcpstack.Handle)            {}
func (nopTCPApp) OnPoll(tcpstack.Handle) []byte        { return nil }
func (nopTCPApp) OnClose(tcpstack.Handle)               {}
func (nopTCPApp) OnAbort(tcpstack.Handle)               {}
func (nopTCPApp) OnTimedOut(tcpstack.Handle)            {}
func (nopTCPApp) OnRexmit(tcpstack.Handle) []byte       { return nil }

func newTestCore(t *testing.T) (*NetCore, *capturingTx) {
	tx := &capturingTx{}
	cfg := DefaultConfig()
	nc := New(cfg, tx, nopTCPApp{}, memorybackend.New())
	return nc, tx
}

func TestNewWiresAllSubsystems(t *testing.T) {
	nc, _ := newTestCore(t)
	require.NotNil(t, nc.TCP)
	require.NotNil(t, nc.UDP)
	require.NotNil(t, nc.Trans)
	require.NotNil(t, nc.Observe)
	require.NotNil(t, nc.Engine)
	require.NotNil(t, nc.Settings)
}

func TestCoAPDispatchOverUDPReachesEngine(t *testing.T) {
	nc, tx := newTestCore(t)

	var hit bool
	nc.Engine.Activate(&restbind.Resource{
		URL:     "test",
		Methods: restbind.MethodGET,
		GET: func(req, resp *coapmsg.Message, peerIP net.IP, peerPort uint16) {
			hit = true
			resp.Code = coapmsg.CodeContent
		},
	})
	_, err := nc.UDP.Table.New(CoAPPort, 0, nil, 0)
	require.NoError(t, err)

	req := coapmsg.NewRequest(coapmsg.TypeCON, coapmsg.CodeGET, 7)
	req.SetURIPath("test")
	wire, err := coapmsg.Encode(req)
	require.NoError(t, err)

	ctx := context.Background()
	go nc.Run(ctx)
	nc.Post(Event{UDPDatagram: &udpio.Datagram{
		SrcIP: net.ParseIP("10.0.0.1"), SrcPort: 40000, DstPort: CoAPPort,
		Payload: wire, ChecksumOK: true,
	}})

	require.Eventually(t, func() bool {
		tx.mu.Lock()
		defer tx.mu.Unlock()
		return len(tx.sent) == 1
	}, time.Second, 10*time.Millisecond)
	require.True(t, hit)
}

func TestTickAdvancesRetransmitPool(t *testing.T) {
	nc, _ := newTestCore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go nc.Run(ctx)

	tr, err := nc.Trans.New(1, net.ParseIP("10.0.0.2"), 5683, coapmsg.TypeCON, nil)
	require.NoError(t, err)
	require.NoError(t, nc.Trans.Send(tr, []byte{0x40, 0x01, 0, 1}))
	nc.Post(Event{Tick: time.Hour})
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, tr.Retransmits())
}

func TestNextMIDMonotonic(t *testing.T) {
	nc, _ := newTestCore(t)
	a := nc.nextMID()
	b := nc.nextMID()
	require.NotEqual(t, a, b)
}
