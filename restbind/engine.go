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

// Package restbind binds CoAP requests to resource handlers by URI prefix,
// the way rest-engine.c binds Erbium resources: a flat resource list,
// longest-match-first lookup, and an optional HasSubResources flag that
// lets a parent resource answer for its children's paths.
package restbind

import (
	"net"
	"strings"
	"sync"

	"github.com/facebookincubator/iotcore/coapmsg"
	"github.com/facebookincubator/iotcore/coapobserve"
)

// Method is a bitmask of handled CoAP methods.
type Method uint8

const (
	MethodGET Method = 1 << iota
	MethodPOST
	MethodPUT
	MethodDELETE
)

// Handler produces a response for one method on one resource.
type Handler func(req *coapmsg.Message, resp *coapmsg.Message, peerIP net.IP, peerPort uint16)

// Resource is one registered RESTful resource.
type Resource struct {
	URL     string
	Flags   coapobserve.ResourceFlags
	Methods Method

	GET    Handler
	POST   Handler
	PUT    Handler
	DELETE Handler

	// Observable marks a GET-able resource as subject to the Observe
	// registry's subscription handler (IS_OBSERVABLE in the reference).
	Observable bool
	// Value backs coapobserve.Resource.GetValue for notifications; only
	// required when Observable is set.
	Value func() (code coapmsg.Code, contentFormat uint16, payload []byte)
}

// Engine is the fixed resource table plus dispatch, mirroring
// rest_invoke_restful_service.
type Engine struct {
	mu        sync.RWMutex
	resources []*Resource
	observe   *coapobserve.Registry
}

// NewEngine wires the engine to the observe registry that IS_OBSERVABLE
// resources notify through.
func NewEngine(observe *coapobserve.Registry) *Engine {
	return &Engine{observe: observe}
}

// Activate registers resource under its URL, matching
// rest_activate_resource (no periodic-resource support: this port has no
// single-threaded timer process to drive one from).
func (e *Engine) Activate(r *Resource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resources = append(e.resources, r)
}

// Resources returns the activated resource list, used by the well-known/core
// discovery handler.
func (e *Engine) Resources() []*Resource {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Resource, len(e.resources))
	copy(out, e.resources)
	return out
}

func methodFor(code coapmsg.Code) Method {
	switch code {
	case coapmsg.CodeGET:
		return MethodGET
	case coapmsg.CodePOST:
		return MethodPOST
	case coapmsg.CodePUT:
		return MethodPUT
	case coapmsg.CodeDELETE:
		return MethodDELETE
	default:
		return 0
	}
}

func urlMatches(resourceURL, reqURL string, subResources bool) bool {
	if len(reqURL) == len(resourceURL) {
		return reqURL == resourceURL
	}
	if len(reqURL) > len(resourceURL) && subResources && strings.HasPrefix(reqURL, resourceURL) {
		return reqURL[len(resourceURL)] == '/'
	}
	return false
}

// Dispatch finds the resource whose URL matches req's Uri-Path (the longest
// URL wins when several match) and invokes
// the handler for req's method, writing the outcome into resp. It returns
// false if no resource matched (resp is set to 4.04) or the method was not
// allowed (4.05).
func (e *Engine) Dispatch(req *coapmsg.Message, resp *coapmsg.Message, peerIP net.IP, peerPort uint16) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var r *Resource
	for _, cand := range e.resources {
		if urlMatches(cand.URL, req.UriPath, cand.Flags&coapobserve.HasSubResources != 0) &&
			(r == nil || len(cand.URL) > len(r.URL)) {
			r = cand
		}
	}
	if r == nil {
		resp.Code = coapmsg.CodeNotFound
		return false
	}
	method := methodFor(req.Code)
	h, ok := e.handlerFor(r, method)
	if !ok {
		resp.Code = coapmsg.CodeMethodNotAllowed
		return false
	}
	h(req, resp, peerIP, peerPort)
	if r.Observable && e.observe != nil {
		_ = e.observe.Handle(req, resp, peerIP, peerPort, req.UriPath)
	}
	return true
}

func (e *Engine) handlerFor(r *Resource, m Method) (Handler, bool) {
	switch {
	case m == MethodGET && r.Methods&MethodGET != 0 && r.GET != nil:
		return r.GET, true
	case m == MethodPOST && r.Methods&MethodPOST != 0 && r.POST != nil:
		return r.POST, true
	case m == MethodPUT && r.Methods&MethodPUT != 0 && r.PUT != nil:
		return r.PUT, true
	case m == MethodDELETE && r.Methods&MethodDELETE != 0 && r.DELETE != nil:
		return r.DELETE, true
	default:
		return nil, false
	}
}

// Notify pushes resource r's current value to its observers; call this
// after a state change that r.URL represents.
func (e *Engine) Notify(r *Resource, subpath string) {
	if e.observe == nil || !r.Observable {
		return
	}
	e.observe.Notify(coapobserve.Resource{URL: r.URL, Flags: r.Flags, GetValue: r.Value}, subpath)
}
