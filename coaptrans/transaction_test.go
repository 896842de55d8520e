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

package coaptrans

import (
	"net"
	"testing"
	"time"

	"github.com/facebookincubator/iotcore/coapmsg"
	"github.com/stretchr/testify/require"
)

type captureTx struct {
	sent [][]byte
}

func (c *captureTx) SendTo(peer net.IP, port uint16, b []byte) error {
	c.sent = append(c.sent, append([]byte(nil), b...))
	return nil
}

// TestRetransmitBackoff implements scenario S5: on the fourth failure
// (MaxRetransmit=4) the handler fires with a nil response.
func TestRetransmitBackoff(t *testing.T) {
	tx := &captureTx{}
	p := NewPool(4, tx)

	var gotNil bool
	var calls int
	t1, err := p.New(1, net.ParseIP("10.0.0.1"), 5683, coapmsg.TypeCON, func(resp *coapmsg.Message) {
		calls++
		gotNil = resp == nil
	})
	require.NoError(t, err)
	require.NoError(t, p.Send(t1, []byte{0x40, 0x01, 0, 1}))

	for i := 0; i < MaxRetransmit; i++ {
		p.Tick(time.Hour) // force immediate expiry regardless of jitter
	}

	require.Equal(t, 1, calls)
	require.True(t, gotNil)
	// initial send + MaxRetransmit retransmits
	require.Equal(t, 1+MaxRetransmit, len(tx.sent))
}

func TestPoolExhaustion(t *testing.T) {
	tx := &captureTx{}
	p := NewPool(1, tx)
	_, err := p.New(1, net.ParseIP("10.0.0.1"), 5683, coapmsg.TypeCON, nil)
	require.NoError(t, err)
	_, err = p.New(2, net.ParseIP("10.0.0.1"), 5683, coapmsg.TypeCON, nil)
	require.ErrorIs(t, err, ErrPoolExhausted)
}

func TestACKCorrelationClearsSlot(t *testing.T) {
	tx := &captureTx{}
	p := NewPool(2, tx)
	var got *coapmsg.Message
	tr, err := p.New(7, net.ParseIP("10.0.0.1"), 5683, coapmsg.TypeCON, func(resp *coapmsg.Message) { got = resp })
	require.NoError(t, err)
	require.NoError(t, p.Send(tr, []byte{0x40, 0x01, 0, 7}))

	resp := &coapmsg.Message{MessageID: 7, Code: coapmsg.CodeContent}
	ok := p.OnACK(net.ParseIP("10.0.0.1"), 5683, resp)
	require.True(t, ok)
	require.Same(t, resp, got)

	// slot must be free again
	_, err = p.New(8, net.ParseIP("10.0.0.1"), 5683, coapmsg.TypeCON, nil)
	require.NoError(t, err)
}

// TestSeparateResponse implements scenario S6.
func TestSeparateResponse(t *testing.T) {
	tx := &captureTx{}
	req := &coapmsg.Message{Type: coapmsg.TypeCON, Code: coapmsg.CodeGET, MessageID: 1, Token: []byte{0x01, 0x02}}
	store, err := SeparateAccept(tx, req, net.ParseIP("10.0.0.1"), 5683)
	require.NoError(t, err)
	require.Len(t, tx.sent, 1)

	ack, err := coapmsg.Decode(tx.sent[0])
	require.NoError(t, err)
	require.Equal(t, coapmsg.TypeACK, ack.Type)
	require.Equal(t, uint16(1), ack.MessageID)
	require.Empty(t, ack.Token)
	require.Len(t, tx.sent[0], 4) // 4-byte header, zero token

	p := NewPool(2, tx)
	nextMID := func() uint16 { return 99 }
	resp := &coapmsg.Message{Code: coapmsg.NewCode(2, 5)}
	_, err = SeparateResume(p, store, resp, nextMID, nil)
	require.NoError(t, err)

	sent, err := coapmsg.Decode(tx.sent[1])
	require.NoError(t, err)
	require.Equal(t, coapmsg.TypeCON, sent.Type)
	require.Equal(t, uint16(99), sent.MessageID)
	require.Equal(t, []byte{0x01, 0x02}, sent.Token)
}

func TestBlockAssemblerReassemblesInOrder(t *testing.T) {
	a := NewBlockAssembler(1024)
	peer := net.ParseIP("10.0.0.1")

	_, done, err := a.Append(peer, 5683, []byte{1}, coapmsg.BlockOption{Num: 0, More: true, Size: 4, Offset: 0}, []byte("abcd"))
	require.NoError(t, err)
	require.False(t, done)

	full, done, err := a.Append(peer, 5683, []byte{1}, coapmsg.BlockOption{Num: 1, More: false, Size: 4, Offset: 4}, []byte("ef"))
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, "abcdef", string(full))
}

func TestBlockAssemblerRejectsOversize(t *testing.T) {
	a := NewBlockAssembler(4)
	peer := net.ParseIP("10.0.0.1")
	_, _, err := a.Append(peer, 5683, []byte{1}, coapmsg.BlockOption{Num: 0, More: true, Size: 4, Offset: 0}, []byte("abcde"))
	require.ErrorIs(t, err, ErrChunkTooLarge)
}
