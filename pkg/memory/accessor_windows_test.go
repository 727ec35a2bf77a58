/*
 * Copyright 2021-present by Nedim Sabic Sabic
 * https://www.fibratus.io
 * All Rights Reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

//go:build windows

package memory

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boresic/grapple/pkg/errs"
	"github.com/boresic/grapple/pkg/handle"
	"github.com/boresic/grapple/pkg/va"
)

func selfAccessor(t *testing.T) *Accessor {
	t.Helper()
	proc, err := handle.Current(handle.Tamper)
	require.NoError(t, err)
	t.Cleanup(func() { proc.Close() })
	return NewAccessor(proc)
}

func TestAccessorRoundTrip(t *testing.T) {
	acc := selfAccessor(t)

	buf := make([]byte, 512)
	for i := range buf {
		buf[i] = byte(i)
	}
	addr := va.Address(uintptr(unsafe.Pointer(&buf[0])))

	got, err := acc.ReadBytes(addr, len(buf))
	require.NoError(t, err)
	assert.Equal(t, buf, got)

	require.NoError(t, acc.WriteBytes(addr, []byte{0xAA, 0xBB, 0xCC}))
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, buf[:3])

	runtime.KeepAlive(buf)
}

func TestAccessorTypedTransfer(t *testing.T) {
	acc := selfAccessor(t)

	var slot uint64
	addr := va.Address(uintptr(unsafe.Pointer(&slot)))

	require.NoError(t, Write(acc, addr, uint64(0x1122334455667788)))
	assert.Equal(t, uint64(0x1122334455667788), slot)

	v, err := Read[uint64](acc, addr)
	require.NoError(t, err)
	assert.Equal(t, slot, v)

	runtime.KeepAlive(&slot)
}

func TestAccessorQuery(t *testing.T) {
	acc := selfAccessor(t)

	buf := make([]byte, va.PageSize)
	addr := va.Address(uintptr(unsafe.Pointer(&buf[0])))

	region, err := acc.Query(addr)
	require.NoError(t, err)
	assert.True(t, region.IsCommitted())
	assert.True(t, region.IsReadable())
	assert.True(t, region.Contains(addr))

	runtime.KeepAlive(buf)
}

func TestAccessorUnreadableRegion(t *testing.T) {
	acc := selfAccessor(t)
	// the null page is never mapped
	_, err := acc.ReadBytes(0x0, 16)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrRegionUnreadable)
}

func TestAccessorForeignAllocation(t *testing.T) {
	acc := selfAccessor(t)

	region, err := acc.Alloc(va.PageSize)
	require.NoError(t, err)
	defer region.Free()

	require.NoError(t, acc.WriteBytes(region.Base(), []byte{0xC3}))
	got, err := acc.ReadBytes(region.Base(), 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xC3}, got)

	require.NoError(t, region.Zero())
	got, err = acc.ReadBytes(region.Base(), 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00}, got)

	require.NoError(t, region.Free())
}

func TestAccessorClosedHandle(t *testing.T) {
	proc, err := handle.Current(handle.Inspect)
	require.NoError(t, err)
	acc := NewAccessor(proc)
	require.NoError(t, proc.Close())
	_, err = acc.ReadBytes(0x10000, 8)
	assert.ErrorIs(t, err, errs.ErrHandleInvalid)
}
