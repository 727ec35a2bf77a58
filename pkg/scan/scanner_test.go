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

package scan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boresic/grapple/pkg/errs"
	"github.com/boresic/grapple/pkg/va"
)

// fakeSpace emulates a foreign address space as a list of regions, each
// either readable with backing bytes or inaccessible.
type fakeSpace struct {
	regions []fakeRegion
}

type fakeRegion struct {
	base     va.Address
	data     []byte
	size     uint64
	readable bool
}

func (r fakeRegion) region() va.Region {
	protect := va.ProtectNoAccess
	if r.readable {
		protect = va.ProtectReadOnly
	}
	size := r.size
	if size == 0 {
		size = uint64(len(r.data))
	}
	return va.Region{Base: r.base, Size: size, Protect: protect, State: va.StateCommit}
}

func (s *fakeSpace) Query(addr va.Address) (va.Region, error) {
	for _, r := range s.regions {
		if reg := r.region(); reg.Contains(addr) {
			return reg, nil
		}
	}
	return va.Region{}, errs.ErrRegionUnreadable
}

func (s *fakeSpace) ReadBytes(addr va.Address, n int) ([]byte, error) {
	for _, r := range s.regions {
		reg := r.region()
		if !reg.Contains(addr) {
			continue
		}
		if !r.readable {
			return nil, errs.ErrRegionUnreadable
		}
		off := addr.Delta(r.base)
		avail := int64(len(r.data)) - off
		if avail <= 0 {
			return nil, errs.ErrRegionUnreadable
		}
		if int64(n) > avail {
			return r.data[off:], &errs.PartialTransferError{Addr: addr.Uint64(), Requested: n, Transferred: int(avail)}
		}
		return r.data[off : off+int64(n)], nil
	}
	return nil, errs.ErrRegionUnreadable
}

func plant(size int, at int, needle []byte) []byte {
	data := make([]byte, size)
	copy(data[at:], needle)
	return data
}

func TestScanFirst(t *testing.T) {
	needle := []byte{0x48, 0x8B, 0x05, 0xDE, 0xAD, 0xBE, 0xEF}
	space := &fakeSpace{regions: []fakeRegion{
		{base: 0x400000, data: plant(va.PageSize, 512, needle), readable: true},
	}}
	s := NewScanner(space, space)

	addr, err := s.ScanFirst(context.Background(), Range{Base: 0x400000, Size: va.PageSize}, MustCompile("48 8B 05 ?? ?? ?? EF"))
	require.NoError(t, err)
	assert.Equal(t, va.Address(0x400000+512), addr)
}

func TestScanFirstAbsence(t *testing.T) {
	space := &fakeSpace{regions: []fakeRegion{
		{base: 0x400000, data: make([]byte, va.PageSize), readable: true},
	}}
	s := NewScanner(space, space)

	_, err := s.ScanFirst(context.Background(), Range{Base: 0x400000, Size: va.PageSize}, MustCompile("DE AD BE EF"))
	assert.ErrorIs(t, err, errs.ErrPatternNotFound)
}

func TestScanMatchStraddlingChunkBoundary(t *testing.T) {
	needle := []byte{0x11, 0x22, 0x33, 0x44, 0x55}
	// plant the needle across the 64-byte chunk boundary
	space := &fakeSpace{regions: []fakeRegion{
		{base: 0x500000, data: plant(256, 62, needle), readable: true},
	}}
	s := NewScanner(space, space, WithChunkSize(64))

	addr, err := s.ScanFirst(context.Background(), Range{Base: 0x500000, Size: 256}, MustCompile("11 22 33 44 55"))
	require.NoError(t, err)
	assert.Equal(t, va.Address(0x500000+62), addr)
}

func TestScanMatchAtLastByte(t *testing.T) {
	data := make([]byte, 128)
	data[126] = 0xAB
	data[127] = 0xCD
	space := &fakeSpace{regions: []fakeRegion{
		{base: 0x600000, data: data, readable: true},
	}}
	s := NewScanner(space, space)

	addr, err := s.ScanFirst(context.Background(), Range{Base: 0x600000, Size: 128}, MustCompile("AB CD"))
	require.NoError(t, err)
	assert.Equal(t, va.Address(0x600000+126), addr)
}

func TestScanSkipsUnreadableRegions(t *testing.T) {
	needle := []byte{0xFE, 0xED, 0xFA, 0xCE}
	space := &fakeSpace{regions: []fakeRegion{
		{base: 0x700000, size: va.PageSize, readable: false},
		{base: 0x701000, data: plant(va.PageSize, 100, needle), readable: true},
	}}
	s := NewScanner(space, space)

	addr, err := s.ScanFirst(context.Background(), Range{Base: 0x700000, Size: va.PageSize * 2}, MustCompile("FE ED FA CE"))
	require.NoError(t, err)
	assert.Equal(t, va.Address(0x701000+100), addr)
}

func TestScanWholeRangeUnreadable(t *testing.T) {
	space := &fakeSpace{regions: []fakeRegion{
		{base: 0x700000, size: va.PageSize * 2, readable: false},
	}}
	s := NewScanner(space, space)

	_, err := s.ScanFirst(context.Background(), Range{Base: 0x700000, Size: va.PageSize * 2}, MustCompile("AA BB"))
	assert.ErrorIs(t, err, errs.ErrRegionUnreadable)
}

func TestScanPatternLongerThanRange(t *testing.T) {
	space := &fakeSpace{regions: []fakeRegion{
		{base: 0x700000, data: []byte{0xAA, 0xBB}, readable: true},
	}}
	s := NewScanner(space, space)

	_, err := s.ScanFirst(context.Background(), Range{Base: 0x700000, Size: 2}, MustCompile("AA BB CC DD"))
	assert.ErrorIs(t, err, errs.ErrPatternNotFound)
}

func TestScanAllAscendingAndLazy(t *testing.T) {
	data := make([]byte, 512)
	for _, off := range []int{10, 200, 450} {
		data[off] = 0xCA
		data[off+1] = 0xFE
	}
	space := &fakeSpace{regions: []fakeRegion{
		{base: 0x800000, data: data, readable: true},
	}}
	s := NewScanner(space, space)

	var matches []va.Address
	err := s.ScanAll(context.Background(), Range{Base: 0x800000, Size: 512}, MustCompile("CA FE"), func(addr va.Address) bool {
		matches = append(matches, addr)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []va.Address{0x800000 + 10, 0x800000 + 200, 0x800000 + 450}, matches)

	// early termination after the second match
	matches = matches[:0]
	err = s.ScanAll(context.Background(), Range{Base: 0x800000, Size: 512}, MustCompile("CA FE"), func(addr va.Address) bool {
		matches = append(matches, addr)
		return len(matches) < 2
	})
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestScanCancellation(t *testing.T) {
	space := &fakeSpace{regions: []fakeRegion{
		{base: 0x900000, data: make([]byte, va.PageSize), readable: true},
	}}
	s := NewScanner(space, space, WithChunkSize(64))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.ScanAll(ctx, Range{Base: 0x900000, Size: va.PageSize}, MustCompile("AA"), func(va.Address) bool { return true })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScanRateLimited(t *testing.T) {
	needle := []byte{0xBE, 0xEF}
	space := &fakeSpace{regions: []fakeRegion{
		{base: 0xA00000, data: plant(128, 70, needle), readable: true},
	}}
	s := NewScanner(space, space, WithChunkSize(64), WithReadLimit(1000))

	addr, err := s.ScanFirst(context.Background(), Range{Base: 0xA00000, Size: 128}, MustCompile("BE EF"))
	require.NoError(t, err)
	assert.Equal(t, va.Address(0xA00000+70), addr)
}
