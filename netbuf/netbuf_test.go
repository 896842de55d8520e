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

package netbuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppDataOffsets(t *testing.T) {
	b := New(make([]byte, 128), 14)
	b.SetTotalLen(14 + 20)
	require.Equal(t, 20, b.AppDataLen())
	require.Len(t, b.AppData(), 20)

	b.SetAppDataLen(5)
	require.Equal(t, 5, b.AppDataLen())
	require.Equal(t, 19, b.TotalLen())
}

func TestFlags(t *testing.T) {
	b := New(make([]byte, 64), 0)
	b.AddFlags(FlagNewData | FlagConnected)
	require.True(t, b.Flags().Has(FlagNewData))
	require.True(t, b.Flags().Has(FlagConnected))
	require.False(t, b.Flags().Has(FlagAbort))

	b.ClearFlags(FlagNewData)
	require.False(t, b.Flags().Has(FlagNewData))
	require.True(t, b.Flags().Has(FlagConnected))
}

func TestRefCounting(t *testing.T) {
	b := New(make([]byte, 64), 0)
	require.Equal(t, int32(1), b.RefCount())
	b.Ref()
	require.Equal(t, int32(2), b.RefCount())
	require.False(t, b.Unref())
	require.True(t, b.Unref())
}

func TestPoolExhaustion(t *testing.T) {
	p := NewPool(2, 256, 14)
	require.Equal(t, 2, p.Available())

	b1 := p.Get()
	require.NotNil(t, b1)
	b2 := p.Get()
	require.NotNil(t, b2)
	require.Nil(t, p.Get(), "pool must return nil, never block, when exhausted")

	p.Put(b1)
	require.Equal(t, 1, p.Available())
}

func TestConnRefValid(t *testing.T) {
	var c ConnRef
	require.False(t, c.Valid())
	c.Kind = ConnTCP
	require.True(t, c.Valid())
}
