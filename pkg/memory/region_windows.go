//go:build windows
// +build windows

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

package memory

import (
	"sync/atomic"

	"github.com/boresic/grapple/pkg/errs"
	"github.com/boresic/grapple/pkg/sys"
	"github.com/boresic/grapple/pkg/va"
	"github.com/pkg/errors"
)

const (
	memCommit  = 0x1000
	memReserve = 0x2000
	memRelease = 0x8000

	// allocation granularity on all supported Windows architectures
	allocGranularity = 0x10000
)

// ForeignRegion owns a committed allocation in the target process
// address space. The region is released exactly once, on Free, and it
// is safe to free it multiple times.
type ForeignRegion struct {
	acc   *Accessor
	base  va.Address
	size  uint64
	freed atomic.Bool
}

// Base returns the start address of the allocation.
func (r *ForeignRegion) Base() va.Address { return r.base }

// Size returns the allocation size in bytes.
func (r *ForeignRegion) Size() uint64 { return r.size }

// Zero overwrites the whole region with zero bytes, resetting it to the
// state right after allocation.
func (r *ForeignRegion) Zero() error {
	return r.acc.WriteBytes(r.base, make([]byte, r.size))
}

// Free releases the allocation back to the target process.
func (r *ForeignRegion) Free() error {
	if r.freed.Swap(true) {
		return nil
	}
	proc, err := r.acc.proc.Use()
	if err != nil {
		return err
	}
	return sys.VirtualFreeEx(proc, r.base.Uintptr(), 0, memRelease)
}

// Alloc commits size bytes of RWX memory at an address of the
// target process kernel's choosing.
func (a *Accessor) Alloc(size int) (*ForeignRegion, error) {
	return a.AllocNear(0, size, 0)
}

// AllocNear commits size bytes of RWX memory no farther than maxDelta
// bytes away from the near address. When near is zero the placement is
// left to the kernel. The probe walks allocation-granularity slots
// outwards from the hint in both directions. Failing to place the region
// within reach yields AllocationFailedError so the caller can fall back
// to a redirect encoding with no reach limit.
func (a *Accessor) AllocNear(near va.Address, size int, maxDelta uint64) (*ForeignRegion, error) {
	proc, err := a.proc.Use()
	if err != nil {
		return nil, err
	}
	if near.IsZero() {
		base, err := sys.VirtualAllocEx(proc, 0, uintptr(size), memCommit|memReserve, va.ProtectExecuteReadWrite)
		if err != nil {
			return nil, errors.Wrapf(err, "couldn't allocate %d bytes", size)
		}
		return &ForeignRegion{acc: a, base: va.Address(base), size: uint64(size)}, nil
	}

	origin := near.Uint64() &^ (allocGranularity - 1)
	for delta := uint64(allocGranularity); delta <= maxDelta; delta += allocGranularity {
		hints := []uint64{origin + delta}
		if origin > delta {
			hints = append(hints, origin-delta)
		}
		for _, hint := range hints {
			base, err := sys.VirtualAllocEx(proc, uintptr(hint), uintptr(size), memCommit|memReserve, va.ProtectExecuteReadWrite)
			if err != nil {
				continue
			}
			return &ForeignRegion{acc: a, base: va.Address(base), size: uint64(size)}, nil
		}
	}
	return nil, &errs.AllocationFailedError{Near: near.Uint64(), Size: size, MaxDelta: maxDelta}
}
