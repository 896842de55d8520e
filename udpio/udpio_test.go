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

package udpio

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchWildcardRemote(t *testing.T) {
	tbl := NewTable(4)
	idx, err := tbl.New(5683, 0, nil, 64)
	require.NoError(t, err)

	gotIdx, assoc := tbl.Match(5683, net.ParseIP("10.0.0.5"), 12345)
	require.Equal(t, idx, gotIdx)
	require.NotNil(t, assoc)
}

func TestMatchRejectsWrongRemotePort(t *testing.T) {
	tbl := NewTable(4)
	_, err := tbl.New(5683, 9999, net.ParseIP("10.0.0.5"), 64)
	require.NoError(t, err)

	_, assoc := tbl.Match(5683, net.ParseIP("10.0.0.5"), 12345)
	require.Nil(t, assoc)
}

func TestPoolExhaustion(t *testing.T) {
	tbl := NewTable(1)
	_, err := tbl.New(1, 0, nil, 0)
	require.NoError(t, err)
	_, err = tbl.New(2, 0, nil, 0)
	require.ErrorIs(t, err, ErrNoSlot)
}

type echoApp struct{ received []Datagram }

func (e *echoApp) OnData(idx int, dg Datagram) []byte {
	e.received = append(e.received, dg)
	return dg.Payload
}

type captureEmitter struct{ sent []OutDatagram }

func (c *captureEmitter) SendDatagram(o OutDatagram) error {
	c.sent = append(c.sent, o)
	return nil
}

func TestDispatchEchoesReply(t *testing.T) {
	app := &echoApp{}
	tx := &captureEmitter{}
	d := NewDemux(4, app, tx)
	_, err := d.Table.New(5683, 0, nil, 64)
	require.NoError(t, err)

	err = d.Dispatch(Datagram{
		SrcIP: net.ParseIP("10.0.0.2"), SrcPort: 4000, DstPort: 5683,
		Payload: []byte("hi"), ChecksumOK: true,
	})
	require.NoError(t, err)
	require.Len(t, tx.sent, 1)
	require.Equal(t, "hi", string(tx.sent[0].Payload))
}

func TestDispatchDropsBadChecksum(t *testing.T) {
	app := &echoApp{}
	tx := &captureEmitter{}
	d := NewDemux(4, app, tx)
	_, _ = d.Table.New(5683, 0, nil, 64)

	err := d.Dispatch(Datagram{DstPort: 5683, ChecksumOK: false})
	require.NoError(t, err)
	require.Empty(t, tx.sent)
	require.Empty(t, app.received)
}
