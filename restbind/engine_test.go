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

package restbind

import (
	"net"
	"testing"

	"github.com/facebookincubator/iotcore/coapmsg"
	"github.com/facebookincubator/iotcore/coaptrans"
	"github.com/facebookincubator/iotcore/coapobserve"
	"github.com/stretchr/testify/require"
)

type nopTx struct{}

func (nopTx) SendTo(net.IP, uint16, []byte) error { return nil }

func newTestEngine() *Engine {
	pool := coaptrans.NewPool(4, nopTx{})
	reg := coapobserve.NewRegistry(4, pool, func() uint16 { return 1 })
	return NewEngine(reg)
}

func TestDispatchExactMatch(t *testing.T) {
	e := newTestEngine()
	var called bool
	e.Activate(&Resource{
		URL:     "sensors/temp",
		Methods: MethodGET,
		GET: func(req *coapmsg.Message, resp *coapmsg.Message, peerIP net.IP, peerPort uint16) {
			called = true
			resp.Code = coapmsg.CodeContent
		},
	})

	req := &coapmsg.Message{Code: coapmsg.CodeGET}
	req.SetURIPath("sensors/temp")
	resp := &coapmsg.Message{}
	ok := e.Dispatch(req, resp, net.ParseIP("10.0.0.1"), 5683)
	require.True(t, ok)
	require.True(t, called)
	require.Equal(t, coapmsg.CodeContent, resp.Code)
}

func TestDispatchNotFound(t *testing.T) {
	e := newTestEngine()
	req := &coapmsg.Message{Code: coapmsg.CodeGET}
	req.SetURIPath("missing")
	resp := &coapmsg.Message{}
	ok := e.Dispatch(req, resp, net.ParseIP("10.0.0.1"), 5683)
	require.False(t, ok)
	require.Equal(t, coapmsg.CodeNotFound, resp.Code)
}

func TestDispatchMethodNotAllowed(t *testing.T) {
	e := newTestEngine()
	e.Activate(&Resource{URL: "ro", Methods: MethodGET, GET: func(*coapmsg.Message, *coapmsg.Message, net.IP, uint16) {}})

	req := &coapmsg.Message{Code: coapmsg.CodePUT}
	req.SetURIPath("ro")
	resp := &coapmsg.Message{}
	ok := e.Dispatch(req, resp, net.ParseIP("10.0.0.1"), 5683)
	require.False(t, ok)
	require.Equal(t, coapmsg.CodeMethodNotAllowed, resp.Code)
}

func TestDispatchSubResourceMatch(t *testing.T) {
	e := newTestEngine()
	var seenPath string
	e.Activate(&Resource{
		URL:     "parent",
		Flags:   coapobserve.HasSubResources,
		Methods: MethodGET,
		GET: func(req *coapmsg.Message, resp *coapmsg.Message, peerIP net.IP, peerPort uint16) {
			seenPath = req.UriPath
			resp.Code = coapmsg.CodeContent
		},
	})

	req := &coapmsg.Message{Code: coapmsg.CodeGET}
	req.SetURIPath("parent/child")
	resp := &coapmsg.Message{}
	ok := e.Dispatch(req, resp, net.ParseIP("10.0.0.1"), 5683)
	require.True(t, ok)
	require.Equal(t, "parent/child", seenPath)
}

func TestWellKnownCoreListsResources(t *testing.T) {
	e := newTestEngine()
	e.Activate(&Resource{URL: "a", Methods: MethodGET, GET: func(*coapmsg.Message, *coapmsg.Message, net.IP, uint16) {}})
	e.Activate(&Resource{URL: "b", Methods: MethodGET, GET: func(*coapmsg.Message, *coapmsg.Message, net.IP, uint16) {}})
	e.Activate(WellKnownCore(e))

	req := &coapmsg.Message{Code: coapmsg.CodeGET}
	req.SetURIPath(".well-known/core")
	resp := &coapmsg.Message{}
	ok := e.Dispatch(req, resp, net.ParseIP("10.0.0.1"), 5683)
	require.True(t, ok)
	require.Equal(t, coapmsg.CodeContent, resp.Code)
	require.Equal(t, ApplicationLinkFormat, resp.ContentFormat)
	require.Contains(t, string(resp.Payload), "</a>")
	require.Contains(t, string(resp.Payload), "</b>")
}
