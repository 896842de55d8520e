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

package coapobserve

import (
	"net"
	"testing"

	"github.com/facebookincubator/iotcore/coapmsg"
	"github.com/facebookincubator/iotcore/coaptrans"
	"github.com/stretchr/testify/require"
)

func TestSubscribeSendsObserveZero(t *testing.T) {
	tx := &fakeTx{}
	pool := coaptrans.NewPool(4, tx)
	tok := []byte{0x01, 0x02}
	list := NewObserveeList(4, pool, func() []byte { return tok })

	var flags []NotificationFlag
	_, err := list.Subscribe(net.ParseIP("10.0.0.1"), 5683, "sensors/temp", 10, func(s *Observee, n *coapmsg.Message, f NotificationFlag) {
		flags = append(flags, f)
	}, nil)
	require.NoError(t, err)
	require.Len(t, tx.sent, 1)

	req, err := coapmsg.Decode(tx.sent[0])
	require.NoError(t, err)
	require.Equal(t, coapmsg.TypeCON, req.Type)
	require.Equal(t, coapmsg.CodeGET, req.Code)
	require.True(t, req.Has(coapmsg.OptObserve))
	require.Equal(t, uint32(0), req.Observe)
	require.Equal(t, tok, req.Token)
}

func TestClassifyNotificationSequence(t *testing.T) {
	tx := &fakeTx{}
	pool := coaptrans.NewPool(4, tx)
	list := NewObserveeList(4, pool, func() []byte { return []byte{0xAA} })

	var got []NotificationFlag
	ob, err := list.Subscribe(net.ParseIP("10.0.0.1"), 5683, "r", 1, func(s *Observee, n *coapmsg.Message, f NotificationFlag) {
		got = append(got, f)
	}, nil)
	require.NoError(t, err)

	first := &coapmsg.Message{Code: coapmsg.CodeContent}
	first.SetObserve(1)
	list.deliver(ob, first)
	require.Equal(t, []NotificationFlag{ObserveOK}, got)

	dup := &coapmsg.Message{Code: coapmsg.CodeContent}
	dup.SetObserve(1)
	list.deliver(ob, dup)
	require.Equal(t, []NotificationFlag{ObserveOK}, got) // duplicate discarded

	next := &coapmsg.Message{Code: coapmsg.CodeContent}
	next.SetObserve(2)
	list.deliver(ob, next)
	require.Equal(t, []NotificationFlag{ObserveOK, NotificationOK}, got)

	errResp := &coapmsg.Message{Code: coapmsg.CodeNotFound}
	list.deliver(ob, errResp)
	require.Equal(t, ErrorResponseCode, got[len(got)-1])
}

func TestClassifyNoReplyRemovesObservee(t *testing.T) {
	tx := &fakeTx{}
	pool := coaptrans.NewPool(4, tx)
	list := NewObserveeList(1, pool, func() []byte { return []byte{0x01} })

	var lastFlag NotificationFlag
	ob, err := list.Subscribe(net.ParseIP("10.0.0.1"), 5683, "r", 1, func(s *Observee, n *coapmsg.Message, f NotificationFlag) {
		lastFlag = f
	}, nil)
	require.NoError(t, err)

	list.deliver(ob, nil)
	require.Equal(t, NoReplyFromServer, lastFlag)

	// slot freed: a second subscribe must now succeed
	_, err = list.Subscribe(net.ParseIP("10.0.0.2"), 5683, "r2", 2, nil, nil)
	require.NoError(t, err)
}

func TestClassifyObserveNotSupported(t *testing.T) {
	tx := &fakeTx{}
	pool := coaptrans.NewPool(4, tx)
	list := NewObserveeList(4, pool, func() []byte { return []byte{0x01} })

	var flag NotificationFlag
	ob, err := list.Subscribe(net.ParseIP("10.0.0.1"), 5683, "r", 1, func(s *Observee, n *coapmsg.Message, f NotificationFlag) {
		flag = f
	}, nil)
	require.NoError(t, err)

	resp := &coapmsg.Message{Code: coapmsg.CodeContent} // no Observe option set
	list.deliver(ob, resp)
	require.Equal(t, ObserveNotSupported, flag)
}
