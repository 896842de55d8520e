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
	"sync"

	"github.com/facebookincubator/iotcore/coapmsg"
	"github.com/facebookincubator/iotcore/coaptrans"
)

// NotificationFlag classifies an incoming message against an observee's
// expectations, mirroring coap_notification_flag_t.
type NotificationFlag int

const (
	ObserveOK NotificationFlag = iota
	NotificationOK
	ObserveNotSupported
	ErrorResponseCode
	NoReplyFromServer
)

func (f NotificationFlag) String() string {
	switch f {
	case ObserveOK:
		return "OBSERVE_OK"
	case NotificationOK:
		return "NOTIFICATION_OK"
	case ObserveNotSupported:
		return "OBSERVE_NOT_SUPPORTED"
	case ErrorResponseCode:
		return "ERROR_RESPONSE_CODE"
	case NoReplyFromServer:
		return "NO_REPLY_FROM_SERVER"
	default:
		return "?"
	}
}

// NotificationCallback receives each delivered notification for a subject,
// or a nil notification with NoReplyFromServer when the subscribing
// transaction's retransmits are exhausted.
type NotificationCallback func(subject *Observee, notification *coapmsg.Message, flag NotificationFlag)

// Observee is one outstanding client-side subscription (coap_observee_t).
type Observee struct {
	peerIP      net.IP
	peerPort    uint16
	url         string
	token       []byte
	cb          NotificationCallback
	lastObserve uint32
	haveLast    bool
	data        any
}

// Data returns the caller-supplied opaque value passed to Subscribe.
func (o *Observee) Data() any { return o.data }

// ObserveeList is the client-side subscription table (COAP_MAX_OBSERVEES).
type ObserveeList struct {
	mu        sync.Mutex
	observees []Observee
	inUse     []bool
	pool      *coaptrans.Pool
	nextToken func() []byte
}

// NewObserveeList preallocates n subscription slots.
func NewObserveeList(n int, pool *coaptrans.Pool, nextToken func() []byte) *ObserveeList {
	return &ObserveeList{observees: make([]Observee, n), inUse: make([]bool, n), pool: pool, nextToken: nextToken}
}

// Subscribe implements request_registration: generates a token, sends a CON
// GET with Observe=0 to uri, and installs cb to receive classified
// notifications. mid is supplied by the caller's MID allocator.
func (l *ObserveeList) Subscribe(peerIP net.IP, peerPort uint16, uri string, mid uint16, cb NotificationCallback, data any) (*Observee, error) {
	l.mu.Lock()
	idx := -1
	for i, used := range l.inUse {
		if !used {
			idx = i
			break
		}
	}
	if idx < 0 {
		l.mu.Unlock()
		return nil, coaptrans.ErrPoolExhausted
	}
	token := l.nextToken()
	l.observees[idx] = Observee{peerIP: peerIP, peerPort: peerPort, url: uri, token: token, cb: cb, data: data}
	l.inUse[idx] = true
	ob := &l.observees[idx]
	l.mu.Unlock()

	req := &coapmsg.Message{Type: coapmsg.TypeCON, Code: coapmsg.CodeGET, MessageID: mid, Token: token}
	req.SetURIPath(uri)
	req.SetObserve(0)

	tr, err := l.pool.New(mid, peerIP, peerPort, coapmsg.TypeCON, func(resp *coapmsg.Message) {
		l.deliver(ob, resp)
	})
	if err != nil {
		l.mu.Lock()
		l.inUse[idx] = false
		l.mu.Unlock()
		return nil, err
	}
	b, err := coapmsg.Encode(req)
	if err != nil {
		return nil, err
	}
	if err := l.pool.Send(tr, b); err != nil {
		return nil, err
	}
	return ob, nil
}

// findByToken locates the observee matching a notification's token.
func (l *ObserveeList) findByToken(token []byte) *Observee {
	for i := range l.observees {
		if l.inUse[i] && string(l.observees[i].token) == string(token) {
			return &l.observees[i]
		}
	}
	return nil
}

// deliver classifies one inbound message for subject and invokes its
// callback, implementing classify_notification's decision table. A nil
// notification (transaction timeout) yields NoReplyFromServer and the
// subscription is dropped.
func (l *ObserveeList) deliver(subject *Observee, notification *coapmsg.Message) {
	if notification == nil {
		removed := *subject
		l.Remove(subject)
		removed.cb(&removed, nil, NoReplyFromServer)
		return
	}

	if notification.Code.Class() >= 4 {
		subject.cb(subject, notification, ErrorResponseCode)
		return
	}
	if !notification.Has(coapmsg.OptObserve) {
		removed := *subject
		l.Remove(subject)
		removed.cb(&removed, notification, ObserveNotSupported)
		return
	}

	flag := ObserveOK
	if subject.haveLast {
		if notification.Observe == subject.lastObserve {
			return // duplicate, discarded per §4.6
		}
		flag = NotificationOK
	}
	subject.lastObserve = notification.Observe
	subject.haveLast = true
	subject.cb(subject, notification, flag)
}

// Remove cancels subject's subscription, freeing its slot.
func (l *ObserveeList) Remove(subject *Observee) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.observees {
		if &l.observees[i] == subject {
			l.inUse[i] = false
			l.observees[i] = Observee{}
			return
		}
	}
}

// RemoveByToken cancels whichever subscription (if any) matches token.
func (l *ObserveeList) RemoveByToken(token []byte) bool {
	l.mu.Lock()
	o := l.findByToken(token)
	l.mu.Unlock()
	if o == nil {
		return false
	}
	l.Remove(o)
	return true
}
