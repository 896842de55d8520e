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

package tcpstack

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fragHeader() []byte {
	h := make([]byte, ipv4HeaderLen)
	for i := range h {
		h[i] = byte(i)
	}
	return h
}

func TestReassemblerJoinsTwoFragments(t *testing.T) {
	r := NewReassembler(64)
	header := fragHeader()

	first := make([]byte, 16)
	for i := range first {
		first[i] = 0xAA
	}
	out, done, err := r.Input(header, 0, first, true)
	require.NoError(t, err)
	require.False(t, done)
	require.Nil(t, out)
	require.True(t, r.Reassembling())

	second := make([]byte, 8)
	for i := range second {
		second[i] = 0xBB
	}
	out, done, err = r.Input(header, 16, second, false)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, header, out[:ipv4HeaderLen])
	require.Equal(t, first, out[ipv4HeaderLen:ipv4HeaderLen+16])
	require.Equal(t, second, out[ipv4HeaderLen+16:])
	require.False(t, r.Reassembling())
}

func TestReassemblerRejectsOverflow(t *testing.T) {
	r := NewReassembler(16)
	header := fragHeader()
	_, done, err := r.Input(header, 0, make([]byte, 32), true)
	require.Error(t, err)
	require.False(t, done)
}

func TestReassemblerDiscardsOnTick(t *testing.T) {
	r := NewReassembler(64)
	header := fragHeader()
	_, done, err := r.Input(header, 0, make([]byte, 8), true)
	require.NoError(t, err)
	require.False(t, done)

	for i := 0; i < ReassemblyMaxAge; i++ {
		r.Tick()
	}
	require.False(t, r.Reassembling())

	// A fresh fragment after expiry starts a new datagram rather than
	// appending to the discarded one.
	out, done, err := r.Input(header, 0, make([]byte, 8), false)
	require.NoError(t, err)
	require.True(t, done)
	require.Len(t, out, ipv4HeaderLen+8)
}

func TestMachineInputFragmentPassthroughWithoutOption(t *testing.T) {
	tx := &fakeEmitter{}
	app := &fakeApp{}
	m := NewMachine(2, 1, tx, app)

	header := fragHeader()
	payload := []byte("hello")
	out, done, err := m.InputFragment(header, 0, payload, false)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, header, out[:ipv4HeaderLen])
	require.Equal(t, payload, out[ipv4HeaderLen:])

	// ReassemblyTick is a no-op without WithReassembly.
	m.ReassemblyTick()
}

func TestMachineInputFragmentWithReassemblyOption(t *testing.T) {
	tx := &fakeEmitter{}
	app := &fakeApp{}
	m := NewMachine(2, 1, tx, app, WithReassembly(64))

	header := fragHeader()
	first := make([]byte, 8)
	out, done, err := m.InputFragment(header, 0, first, true)
	require.NoError(t, err)
	require.False(t, done)
	require.Nil(t, out)

	second := make([]byte, 8)
	out, done, err = m.InputFragment(header, 8, second, false)
	require.NoError(t, err)
	require.True(t, done)
	require.Len(t, out, ipv4HeaderLen+16)

	m.ReassemblyTick()
}
