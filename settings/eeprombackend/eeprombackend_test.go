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

package eeprombackend

import (
	"fmt"
	"testing"

	"github.com/facebookincubator/iotcore/settings"
	"github.com/stretchr/testify/require"
)

func readVal(t *testing.T, cb settings.ReadCB, n int) string {
	buf := make([]byte, n)
	got, err := cb(buf)
	require.NoError(t, err)
	return string(buf[:got])
}

func TestHeaderBytesMagicAndVersion(t *testing.T) {
	h := headerBytes()
	require.Len(t, h, hdrSize)
	require.Equal(t, byte(0x53), h[0]) // 'S' low byte of 0x45455053, little-endian
}

func TestRoundTripWithTombstone(t *testing.T) {
	b := New(4096)
	require.NoError(t, b.Save("net/ip", []byte("192.168.1.10")))
	require.NoError(t, b.Save("net/mask", []byte("255.255.255.0")))
	require.NoError(t, b.Save("net/ip", nil))

	var seen []string
	require.NoError(t, b.Load("", func(name string, valLen int, cb settings.ReadCB) error {
		seen = append(seen, name+"="+readVal(t, cb, valLen))
		return nil
	}))
	require.Equal(t, []string{"net/mask=255.255.255.0"}, seen)
}

func TestCRCMismatchTreatedAsAbsent(t *testing.T) {
	b := New(4096)
	require.NoError(t, b.Save("k", []byte("v")))
	b.records[0].crc ^= 0xFFFF // simulate bit rot

	var calls int
	require.NoError(t, b.Load("", func(name string, valLen int, cb settings.ReadCB) error {
		calls++
		return nil
	}))
	require.Zero(t, calls)
}

func TestCompactionDurability(t *testing.T) {
	b := New(2048)
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("k%d", i%30)
		require.NoError(t, b.Save(key, []byte(fmt.Sprintf("v%d", i))))
	}
	for i := 0; i < 30; i += 2 {
		require.NoError(t, b.Save(fmt.Sprintf("k%d", i), nil))
	}
	b.Compact()

	live := map[string]bool{}
	require.NoError(t, b.Load("", func(name string, valLen int, cb settings.ReadCB) error {
		live[name] = true
		return nil
	}))
	for i := 1; i < 30; i += 2 {
		require.True(t, live[fmt.Sprintf("k%d", i)])
	}
	for i := 0; i < 30; i += 2 {
		require.False(t, live[fmt.Sprintf("k%d", i)])
	}
}
