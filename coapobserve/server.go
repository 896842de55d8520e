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

// Package coapobserve implements the CoAP Observe (RFC 7641) registries on
// both ends of a subscription: the server-side observer table that drives
// resource notifications, and the client-side observee list that tracks
// outstanding subscriptions and classifies incoming notifications.
package coapobserve

import (
	"net"
	"strings"
	"sync"

	"github.com/facebookincubator/iotcore/coapmsg"
	"github.com/facebookincubator/iotcore/coaptrans"
	log "github.com/sirupsen/logrus"
)

// OBSERVE_REFRESH_INTERVAL in the reference: after every this-many
// notifications, the next one is promoted to CON to verify the observer
// is still alive.
const RefreshInterval = 20

// URLMaxLen bounds a registered resource URL, mirroring
// COAP_OBSERVER_URL_LEN.
const URLMaxLen = 20

// HasSubResources marks a resource whose observers may subscribe to any
// "/"-prefixed child path (the reference's HAS_SUB_RESOURCES flag).
type ResourceFlags uint8

const HasSubResources ResourceFlags = 1

// Resource is the minimal shape the registry needs from a REST resource:
// its canonical URL, flags, and a handler producing the notification body.
type Resource struct {
	URL      string
	Flags    ResourceFlags
	GetValue func() (code coapmsg.Code, contentFormat uint16, payload []byte)
}

// observer is one live (peer, token, URL) subscription.
type observer struct {
	url      string
	peerIP   net.IP
	peerPort uint16
	token    []byte
	lastMID  uint16
	counter  uint32
	inUse    bool
}

// Registry is the fixed-size server-side observer table (N_OBS in §4.6).
type Registry struct {
	mu        sync.Mutex
	observers []observer
	pool      *coaptrans.Pool
	nextMID   func() uint16
}

// NewRegistry preallocates n observer slots.
func NewRegistry(n int, pool *coaptrans.Pool, nextMID func() uint16) *Registry {
	return &Registry{observers: make([]observer, n), pool: pool, nextMID: nextMID}
}

func keyMatch(addr net.IP, port uint16, token []byte, o *observer) bool {
	return o.inUse && o.peerPort == port && o.peerIP.Equal(addr) && string(o.token) == string(token)
}

// removeByToken drops any existing subscription from the same (peer, token)
// pair, mirroring coap_add_observer's "remove existing relationship" step.
func (r *Registry) removeByToken(addr net.IP, port uint16, token []byte) {
	for i := range r.observers {
		if keyMatch(addr, port, token, &r.observers[i]) {
			r.observers[i] = observer{}
		}
	}
}

// RemoveByUri drops every observer whose URL matches uri exactly.
func (r *Registry) RemoveByUri(uri string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.observers {
		if r.observers[i].inUse && r.observers[i].url == uri {
			r.observers[i] = observer{}
			n++
		}
	}
	return n
}

// RemoveByMID cancels the observer whose last notification MID matches mid
// for (peer, port), used when the transaction layer reports an RST.
func (r *Registry) RemoveByMID(addr net.IP, port uint16, mid uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.observers {
		o := &r.observers[i]
		if o.inUse && o.peerPort == port && o.peerIP.Equal(addr) && o.lastMID == mid {
			*o = observer{}
			return true
		}
	}
	return false
}

// InUse reports how many of the fixed observer slots are occupied, for
// metrics.
func (r *Registry) InUse() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.observers {
		if r.observers[i].inUse {
			n++
		}
	}
	return n
}

// errTooManyObservers is the payload Handle puts in the
// SERVICE_UNAVAILABLE_5_03 response it writes when the fixed observer
// table is full.
var errTooManyObservers = "too many observers"

// Handle implements §4.6's server-side subscription handler: called after
// a GET resource handler has produced a success response to a request
// whose Observe option is set. Observe==0 registers (or re-registers) the
// subscription and stamps the observer's counter onto resp's Observe
// option; Observe==1 cancels it.
func (r *Registry) Handle(req *coapmsg.Message, resp *coapmsg.Message, peerIP net.IP, peerPort uint16, url string) error {
	if req.Code != coapmsg.CodeGET || resp.Code.Class() >= 4 || !req.Has(coapmsg.OptObserve) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch req.Observe {
	case 0:
		r.removeByToken(peerIP, peerPort, req.Token)
		for i := range r.observers {
			if !r.observers[i].inUse {
				r.observers[i] = observer{
					url: truncate(url, URLMaxLen), peerIP: peerIP, peerPort: peerPort,
					token: append([]byte(nil), req.Token...), inUse: true,
				}
				resp.SetObserve(r.observers[i].counter)
				r.observers[i].counter++
				return nil
			}
		}
		resp.Code = coapmsg.CodeServiceUnavailable
		resp.Payload = []byte(errTooManyObservers)
		return nil
	case 1:
		r.removeByToken(peerIP, peerPort, req.Token)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Notify implements coap_notify_observers_sub: iterate observers whose URL
// equals resource.URL (optionally with subpath appended) or, when the
// resource HasSubResources, is prefixed by it at a '/' boundary. Each match
// gets a fresh transaction carrying the resource's current value, with the
// Observe option set to the observer's counter. After every
// RefreshInterval notifications, the next one is promoted to CON (the
// 21st, 41st, ... for an interval of 20). Failure to allocate a transaction
// silently drops that one notification; the observer is not evicted.
func (r *Registry) Notify(res Resource, subpath string) {
	url := res.URL
	if subpath != "" {
		url = strings.TrimRight(url, "/") + "/" + strings.TrimLeft(subpath, "/")
	}
	url = truncate(url, URLMaxLen)

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.observers {
		o := &r.observers[i]
		if !o.inUse {
			continue
		}
		if !(o.url == url || (len(o.url) > len(url) && res.Flags&HasSubResources != 0 &&
			o.url[len(url)] == '/' && strings.HasPrefix(o.url, url))) {
			continue
		}

		typ := coapmsg.TypeNON
		// counter 0 went out on the registration response, so counter-1
		// notifications have been sent to this observer so far.
		if sent := o.counter - 1; sent > 0 && sent%RefreshInterval == 0 {
			typ = coapmsg.TypeCON
		}
		mid := r.nextMID()

		code, cf, payload := res.GetValue()
		notif := &coapmsg.Message{Type: typ, Code: code, MessageID: mid, Token: o.token}
		notif.SetContentFormat(cf)
		notif.Payload = payload
		if code.Class() < 4 {
			notif.SetObserve(o.counter)
			o.counter++
		}

		b, err := coapmsg.Encode(notif)
		if err != nil {
			log.Warnf("coapobserve: failed to encode notification for %s: %v", o.url, err)
			continue
		}
		tr, err := r.pool.New(mid, o.peerIP, o.peerPort, typ, nil)
		if err != nil {
			log.Debugf("coapobserve: transaction pool exhausted, dropping notification for %s", o.url)
			continue
		}
		o.lastMID = mid
		if err := r.pool.Send(tr, b); err != nil {
			log.Warnf("coapobserve: send failed for %s: %v", o.url, err)
		}
	}
}
