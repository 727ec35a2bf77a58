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
	"expvar"
	"unsafe"

	"github.com/boresic/grapple/pkg/errs"
	"github.com/boresic/grapple/pkg/handle"
	"github.com/boresic/grapple/pkg/sys"
	"github.com/boresic/grapple/pkg/va"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"
)

var (
	bytesRead            = expvar.NewInt("memory.bytes.read")
	bytesWritten         = expvar.NewInt("memory.bytes.written")
	partialTransfers     = expvar.NewInt("memory.partial.transfers")
	protectionElevations = expvar.NewInt("memory.protection.elevations")
)

// Accessor performs typed and raw transfers against the address space of
// a foreign process. The accessor holds no mutable state of its own
// besides the borrowed handle, so a single instance can be used from
// multiple goroutines. Each call is a self-contained transfer.
type Accessor struct {
	proc  *handle.Process
	chunk int
}

// NewAccessor creates the memory accessor for the given process handle.
func NewAccessor(proc *handle.Process) *Accessor {
	return &Accessor{proc: proc, chunk: va.PageSize}
}

// Query consults the attributes of the region holding the given address.
// The returned region is a snapshot valid at the instant of the query.
func (a *Accessor) Query(addr va.Address) (va.Region, error) {
	proc, err := a.proc.Use()
	if err != nil {
		return va.Region{}, err
	}
	var mbi windows.MemoryBasicInformation
	if err := windows.VirtualQueryEx(proc, addr.Uintptr(), &mbi, unsafe.Sizeof(mbi)); err != nil {
		return va.Region{}, errors.Wrapf(err, "couldn't query region at %s", addr)
	}
	return va.Region{
		Base:    va.Address(mbi.BaseAddress),
		Size:    uint64(mbi.RegionSize),
		Protect: mbi.Protect,
		State:   mbi.State,
		Type:    mbi.Type,
	}, nil
}

// ReadBytes copies n bytes starting at the foreign address. Transfers
// larger than one page are performed in page-granular chunks so a range
// that crosses into an unmapped page still yields the readable remainder.
// A torn transfer returns the bytes moved so far along with a
// PartialTransferError carrying the requested and transferred counts.
func (a *Accessor) ReadBytes(addr va.Address, n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	proc, err := a.proc.Use()
	if err != nil {
		return nil, err
	}
	region, err := a.Query(addr)
	if err != nil {
		return nil, err
	}
	if !region.IsReadable() {
		return nil, errors.Wrapf(errs.ErrRegionUnreadable, "read of %d bytes at %s", n, addr)
	}

	buf := make([]byte, n)
	transferred := 0
	for transferred < n {
		c := a.chunkAt(addr.Inc(uint64(transferred)), n-transferred)
		var nr uintptr
		err := windows.ReadProcessMemory(proc, addr.Inc(uint64(transferred)).Uintptr(), &buf[transferred], uintptr(c), &nr)
		transferred += int(nr)
		if err != nil || int(nr) < c {
			partialTransfers.Add(1)
			bytesRead.Add(int64(transferred))
			return buf[:transferred], &errs.PartialTransferError{
				Addr:        addr.Uint64(),
				Requested:   n,
				Transferred: transferred,
			}
		}
	}
	bytesRead.Add(int64(n))
	return buf, nil
}

// WriteBytes copies the buffer to the foreign address. When the target
// region isn't writable the page protection is elevated for the duration
// of the write and restored afterwards, even if the write itself failed.
// A restore failure doesn't retract a write that already succeeded. It is
// reported as a ProtectionRestoreError the caller may treat as a warning.
func (a *Accessor) WriteBytes(addr va.Address, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	proc, err := a.proc.Use()
	if err != nil {
		return err
	}
	region, err := a.Query(addr)
	if err != nil {
		return err
	}

	var oldProtect uint32
	elevated := false
	if !region.IsWritable() {
		if err := windows.VirtualProtectEx(proc, addr.Uintptr(), uintptr(len(b)), va.ProtectExecuteReadWrite, &oldProtect); err != nil {
			if err == windows.ERROR_ACCESS_DENIED {
				return errors.Wrapf(errs.ErrAccessDenied, "write of %d bytes at %s", len(b), addr)
			}
			return errors.Wrapf(err, "couldn't elevate protection at %s", addr)
		}
		elevated = true
		protectionElevations.Add(1)
	}

	writeErr := a.writeChunked(proc, addr, b)

	if region.IsExecutable() {
		// the processor may still hold stale instruction bytes
		if err := sys.FlushInstructionCache(proc, addr.Uintptr(), uintptr(len(b))); err != nil {
			log.Warnf("couldn't flush instruction cache at %s: %v", addr, err)
		}
	}

	if elevated {
		var prev uint32
		if err := windows.VirtualProtectEx(proc, addr.Uintptr(), uintptr(len(b)), oldProtect, &prev); err != nil {
			restoreErr := &errs.ProtectionRestoreError{Addr: addr.Uint64(), Protect: oldProtect, Err: err}
			log.Warnf("write at %s: %v", addr, restoreErr)
			if writeErr == nil {
				return restoreErr
			}
		}
	}
	return writeErr
}

func (a *Accessor) writeChunked(proc windows.Handle, addr va.Address, b []byte) error {
	transferred := 0
	for transferred < len(b) {
		c := a.chunkAt(addr.Inc(uint64(transferred)), len(b)-transferred)
		var nw uintptr
		err := windows.WriteProcessMemory(proc, addr.Inc(uint64(transferred)).Uintptr(), &b[transferred], uintptr(c), &nw)
		transferred += int(nw)
		if err != nil || int(nw) < c {
			partialTransfers.Add(1)
			bytesWritten.Add(int64(transferred))
			return &errs.PartialTransferError{
				Addr:        addr.Uint64(),
				Requested:   len(b),
				Transferred: transferred,
			}
		}
	}
	bytesWritten.Add(int64(len(b)))
	return nil
}

// chunkAt clamps the transfer size so a chunk never crosses a page
// boundary. Failures are thus isolated to the page that caused them.
func (a *Accessor) chunkAt(addr va.Address, remaining int) int {
	c := a.chunk - int(addr.Uint64()&uint64(a.chunk-1))
	if c > remaining {
		c = remaining
	}
	return c
}
