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

	"github.com/facebookincubator/iotcore/coapmsg"
)

// SeparateStore is the "store" parameter of §4.5's separate_accept /
// separate_resume pair: whatever the resource handler needed to resume
// the exchange later, once its response is ready.
type SeparateStore struct {
	PeerIP   net.IP
	PeerPort uint16
	MID      uint16
	Token    []byte
	ReqType  coapmsg.Type
	Block2   coapmsg.BlockOption
	accepted bool
}

// SeparateAccept immediately emits an empty-code ACK for req's MID and
// records everything separate_resume will need, per §4.5 / scenario S6.
func SeparateAccept(tx Emitter, req *coapmsg.Message, peerIP net.IP, peerPort uint16) (*SeparateStore, error) {
	ack := &coapmsg.Message{Type: coapmsg.TypeACK, Code: coapmsg.CodeEmpty, MessageID: req.MessageID}
	b, err := coapmsg.Encode(ack)
	if err != nil {
		return nil, err
	}
	if err := tx.SendTo(peerIP, peerPort, b); err != nil {
		return nil, err
	}
	return &SeparateStore{
		PeerIP: peerIP, PeerPort: peerPort, MID: req.MessageID,
		Token: append([]byte(nil), req.Token...), ReqType: req.Type,
		Block2: req.Block2, accepted: true,
	}, nil
}

// SeparateResume allocates a new transaction under a fresh MID (CON or
// NON per the original request's type) carrying the stored token, and
// sends resp. A nextMID function supplies the fresh message id (the
// caller's MID allocator, shared with the rest of the CoAP context).
func SeparateResume(p *Pool, store *SeparateStore, resp *coapmsg.Message, nextMID func() uint16, handler ResponseHandler) (*Transaction, error) {
	typ := coapmsg.TypeNON
	if store.ReqType == coapmsg.TypeCON {
		typ = coapmsg.TypeCON
	}
	mid := nextMID()
	t, err := p.New(mid, store.PeerIP, store.PeerPort, typ, handler)
	if err != nil {
		return nil, err
	}
	resp.Type = typ
	resp.MessageID = mid
	resp.Token = store.Token

	b, err := coapmsg.Encode(resp)
	if err != nil {
		p.clear(t)
		return nil, err
	}
	if err := p.Send(t, b); err != nil {
		p.clear(t)
		return nil, err
	}
	return t, nil
}
