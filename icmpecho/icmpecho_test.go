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

package icmpecho

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplyV4FlipsTypeAndAdjustsChecksum(t *testing.T) {
	b := []byte{ICMPv4EchoRequest, 0, 0x12, 0x34}
	ReplyV4(b)
	require.Equal(t, ICMPv4EchoReply, b[0])
	require.NotEqual(t, byte(0x12), b[2], "checksum must be adjusted, not left untouched")
}

func TestReplyV4IgnoresNonEchoRequest(t *testing.T) {
	b := []byte{ICMPv4EchoReply, 0, 0x12, 0x34}
	orig := append([]byte(nil), b...)
	ReplyV4(b)
	require.Equal(t, orig, b)
}

func TestReplyV6FlipsType(t *testing.T) {
	b := []byte{ICMPv6EchoRequest, 0, 0, 0}
	ReplyV6(b)
	require.Equal(t, ICMPv6EchoReply, b[0])
}
