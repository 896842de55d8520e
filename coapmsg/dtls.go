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

package coapmsg

// DTLSSession is the hook point for CoAPS (CoAP over DTLS). It has no
// default implementation: PSK/ECDH key establishment and record-layer
// framing are acknowledged as external collaborators only, out of this
// package's scope. A caller wiring DTLS support implements this
// interface over whatever library terminates the handshake and hands
// this codec decrypted CoAP message bytes on Read and takes plaintext
// message bytes to encrypt on Write.
type DTLSSession interface {
	Read(b []byte) (n int, err error)
	Write(b []byte) (n int, err error)
}
