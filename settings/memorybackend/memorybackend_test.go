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

package memorybackend

import (
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

// TestSettingsRoundTrip implements scenario S4.
func TestSettingsRoundTrip(t *testing.T) {
	b := New()
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

func TestUniqueness(t *testing.T) {
	b := New()
	require.NoError(t, b.Save("k", []byte("v1")))
	require.NoError(t, b.Save("k", []byte("v2")))

	var calls int
	var last string
	require.NoError(t, b.Load("", func(name string, valLen int, cb settings.ReadCB) error {
		calls++
		last = readVal(t, cb, valLen)
		return nil
	}))
	require.Equal(t, 1, calls)
	require.Equal(t, "v2", last)
}

func TestSubtreeLoad(t *testing.T) {
	b := New()
	require.NoError(t, b.Save("net/ip", []byte("a")))
	require.NoError(t, b.Save("net/mask", []byte("b")))
	require.NoError(t, b.Save("other/x", []byte("c")))

	var names []string
	require.NoError(t, b.Load("net", func(name string, valLen int, cb settings.ReadCB) error {
		names = append(names, name)
		return nil
	}))
	require.ElementsMatch(t, []string{"net/ip", "net/mask"}, names)
}

func TestInsertionOrderPreservedAcrossDelete(t *testing.T) {
	b := New()
	require.NoError(t, b.Save("a", []byte("1")))
	require.NoError(t, b.Save("b", []byte("2")))
	require.NoError(t, b.Save("c", []byte("3")))
	require.NoError(t, b.Save("b", nil))
	require.NoError(t, b.Save("b", []byte("2b")))

	var order []string
	require.NoError(t, b.Load("", func(name string, valLen int, cb settings.ReadCB) error {
		order = append(order, name)
		return nil
	}))
	require.Equal(t, []string{"a", "c", "b"}, order)
}
