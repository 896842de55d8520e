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
	"strings"

	"github.com/facebookincubator/iotcore/coapmsg"
)

// ApplicationLinkFormat is the CoAP Content-Format id for "application/
// link-format" (RFC 6690), ct=40 in the reference resource declaration.
const ApplicationLinkFormat uint16 = 40

// WellKnownCore builds the /.well-known/core discovery resource (§11):
// a GET that lists every activated resource's URL in link-format. Unlike
// well_known_core_get_handler this does not page the listing across
// Block2 windows — resource counts on this kind of node are small enough
// that a single datagram holds the whole list; coaptrans's Block2 support
// remains available to callers that need to paginate a large payload.
func WellKnownCore(e *Engine) *Resource {
	return &Resource{
		URL:     ".well-known/core",
		Methods: MethodGET,
		GET: func(req *coapmsg.Message, resp *coapmsg.Message, peerIP net.IP, peerPort uint16) {
			var b strings.Builder
			for i, r := range e.Resources() {
				if r.URL == ".well-known/core" {
					continue
				}
				if i > 0 && b.Len() > 0 {
					b.WriteByte(',')
				}
				b.WriteByte('<')
				b.WriteByte('/')
				b.WriteString(r.URL)
				b.WriteByte('>')
			}
			resp.Code = coapmsg.CodeContent
			resp.SetContentFormat(ApplicationLinkFormat)
			resp.Payload = []byte(b.String())
		},
	}
}
