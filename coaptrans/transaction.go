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

// Package coaptrans implements the CoAP transaction layer: a fixed pool
// of open transactions, CON retransmission with exponential backoff and
// jitter, MID correlation, and response-handler dispatch. It sits above
// coapmsg (which only encodes/decodes bytes) and below the application's
// REST resource handlers.
package coaptrans

import (
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/facebookincubator/iotcore/coapmsg"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
)

// Tunables, named after the reference constants so the grounding in
// er-coap-transactions.h/er-coap-conf.h is traceable in code.
var (
	// ResponseTimeout is COAP_RESPONSE_TIMEOUT in ticks (seconds in the
	// reference clock).
	ResponseTimeout = 3
	// MaxRetransmit is COAP_MAX_RETRANSMIT.
	MaxRetransmit = 4
	// BackoffMask is COAP_RESPONSE_TIMEOUT_BACKOFF_MASK: the jitter
	// added to the initial retransmit interval, drawn from
	// [0, BackoffMask). The reference derives this as
	// ResponseTimeout * (COAP_RESPONSE_RANDOM_FACTOR - 1) + 0.5,
	// truncated to an integer, plus 1, which for ResponseTimeout=3 and
	// the reference's 1.5 random factor evaluates to 2 + 1 = 3.
	BackoffMask = 3
)

// ErrPoolExhausted is returned by New when every transaction slot is in
// use; callers reply SERVICE_UNAVAILABLE_5_03.
var ErrPoolExhausted = errors.New("coaptrans: transaction pool exhausted")

// ResponseHandler is invoked exactly once per CON transaction lifecycle:
// with the parsed response on ACK/2.xx-5.xx correlation, or with
// resp == nil on RST or retransmit-ceiling timeout. A NON transaction's
// slot is freed as soon as it is sent, and its handler is not invoked.
type ResponseHandler func(resp *coapmsg.Message)

// Emitter hands a serialized CoAP datagram to the UDP layer.
type Emitter interface {
	SendTo(peer net.IP, port uint16, b []byte) error
}

// Transaction is one slot of the fixed pool (N_TR in the spec).
type Transaction struct {
	id xid.ID

	mid      uint16
	peerIP   net.IP
	peerPort uint16

	packet []byte
	typ    coapmsg.Type

	retrans  int
	interval time.Duration
	handler  ResponseHandler

	inUse bool
}

// Pool is the fixed-capacity transaction pool; MID correlation is a
// linear scan of its slots.
type Pool struct {
	slots   []Transaction
	tx      Emitter
	rng     *rand.Rand
	retrans int // lifetime retransmit count, for metrics
}

// NewPool preallocates n transaction slots.
func NewPool(n int, tx Emitter) *Pool {
	return &Pool{
		slots: make([]Transaction, n),
		tx:    tx,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// New reserves the first free slot for an outgoing message, matching
// "the free-pool scan returns the first free slot" ordering guarantee
// (§5). Returns ErrPoolExhausted if none are free.
func (p *Pool) New(mid uint16, peerIP net.IP, peerPort uint16, typ coapmsg.Type, handler ResponseHandler) (*Transaction, error) {
	for i := range p.slots {
		if !p.slots[i].inUse {
			p.slots[i] = Transaction{
				id: xid.New(), mid: mid, peerIP: peerIP, peerPort: peerPort,
				typ: typ, handler: handler, inUse: true,
			}
			return &p.slots[i], nil
		}
	}
	return nil, ErrPoolExhausted
}

func (p *Pool) clear(t *Transaction) {
	*t = Transaction{}
}

// findByMID looks up the open transaction addressed to peer with the
// given MID, used for ACK/RST correlation.
func (p *Pool) findByMID(peerIP net.IP, peerPort uint16, mid uint16) *Transaction {
	for i := range p.slots {
		t := &p.slots[i]
		if t.inUse && t.mid == mid && t.peerPort == peerPort && t.peerIP.Equal(peerIP) {
			return t
		}
	}
	return nil
}

// Send serializes packet into the transaction's private buffer and emits
// it. If typ is CON, a retransmit timer is armed per §4.5; any other
// type is not retransmitted, so its slot is freed once it is sent.
func (p *Pool) Send(t *Transaction, b []byte) error {
	t.packet = append([]byte(nil), b...)
	if err := p.tx.SendTo(t.peerIP, t.peerPort, t.packet); err != nil {
		return err
	}
	if t.typ != coapmsg.TypeCON {
		p.clear(t)
		return nil
	}
	if t.retrans < MaxRetransmit {
		jitter := 0
		if BackoffMask > 0 {
			jitter = p.rng.Intn(BackoffMask)
		}
		t.interval = time.Duration(ResponseTimeout+jitter) * time.Second
	}
	return nil
}

// OnACK correlates an ACK (or a piggybacked 2.xx/4.xx/5.xx response
// carried in an ACK) with its transaction by MID, invokes the response
// handler, and clears the slot.
func (p *Pool) OnACK(peerIP net.IP, peerPort uint16, resp *coapmsg.Message) bool {
	t := p.findByMID(peerIP, peerPort, resp.MessageID)
	if t == nil {
		return false
	}
	h := t.handler
	p.clear(t)
	if h != nil {
		h(resp)
	}
	return true
}

// OnRST clears the matching transaction (if any), invokes its response
// handler with nil, and reports whether one was found so the caller
// (typically the observe registry) can cancel any observer registration
// keyed by (peer, MID).
func (p *Pool) OnRST(peerIP net.IP, peerPort uint16, mid uint16) (found bool) {
	t := p.findByMID(peerIP, peerPort, mid)
	if t == nil {
		return false
	}
	h := t.handler
	p.clear(t)
	if h != nil {
		h(nil)
	}
	return true
}

// Tick advances every in-flight CON transaction's retransmit timer by
// dt. On expiry the retransmit always goes out first (coap_send_message
// runs unconditionally in coap_check_transactions); only then does the
// now-incremented counter decide whether to arm the next interval or
// fire the timeout handler — so the MaxRetransmit-th retransmit and the
// nil timeout callback coincide on the same expiry, not one tick apart.
func (p *Pool) Tick(dt time.Duration) {
	for i := range p.slots {
		t := &p.slots[i]
		if !t.inUse || t.typ != coapmsg.TypeCON || t.interval <= 0 {
			continue
		}
		t.interval -= dt
		if t.interval > 0 {
			continue
		}
		t.retrans++
		p.retrans++
		if err := p.tx.SendTo(t.peerIP, t.peerPort, t.packet); err != nil {
			log.Warnf("coaptrans: retransmit failed: %v", err)
		}
		if t.retrans < MaxRetransmit {
			t.interval = time.Duration(ResponseTimeout) * time.Second * time.Duration(1<<uint(t.retrans))
			continue
		}
		log.Debugf("coaptrans: transaction %s to %s:%d exhausted retransmits", t.id, t.peerIP, t.peerPort)
		h := t.handler
		p.clear(t)
		if h != nil {
			h(nil)
		}
	}
}

// InUse reports how many of the fixed transaction slots are occupied,
// for pool occupancy metrics.
func (p *Pool) InUse() int {
	n := 0
	for i := range p.slots {
		if p.slots[i].inUse {
			n++
		}
	}
	return n
}

// TotalRetransmits reports the pool's lifetime retransmit count, for
// metrics.
func (p *Pool) TotalRetransmits() int { return p.retrans }

// Retransmits reports how many retransmissions a transaction has sent,
// for tests and metrics.
func (t *Transaction) Retransmits() int { return t.retrans }

// MID returns the transaction's message ID.
func (t *Transaction) MID() uint16 { return t.mid }
