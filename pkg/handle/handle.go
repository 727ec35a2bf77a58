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

// Package handle owns the validated reference to a foreign process. Every
// other component borrows the handle and never assumes ownership of the
// underlying kernel object.
package handle

import (
	"sync/atomic"

	"github.com/boresic/grapple/pkg/errs"
	"github.com/boresic/grapple/pkg/sys"
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// Access defines the type alias for process access modifiers.
type Access uint32

const (
	// QueryInformation is required to retrieve certain information about
	// a process, such as its exit code and module list.
	QueryInformation Access = 0x0400
	// QueryLimitedInformation is required to retrieve a restricted set of process information.
	QueryLimitedInformation Access = 0x1000
	// VMRead is required to read memory in a process.
	VMRead Access = 0x0010
	// VMWrite is required to write to memory in a process.
	VMWrite Access = 0x0020
	// VMOperation is required to perform an operation on the address space
	// of a process, such as changing page protection or allocating memory.
	VMOperation Access = 0x0008
	// SuspendResume is required to suspend or resume the threads of a process.
	SuspendResume Access = 0x0800

	// AllAccess grants all possible access rights for a process object.
	AllAccess Access = 0x000F0000 | 0x00100000 | 0xFFFF
)

// Inspect is the access rights set sufficient for module enumeration,
// memory reads and pattern scanning.
const Inspect = QueryInformation | VMRead

// Tamper is the access rights set sufficient for the full hook
// installation protocol, including memory writes, foreign allocations
// and thread suspension.
const Tamper = Inspect | VMWrite | VMOperation | SuspendResume

// Has determines if the access mask contains the given rights.
func (a Access) Has(rights Access) bool { return a&rights == rights }

// String returns the human-readable representation of the process access rights.
func (a Access) String() string {
	switch a {
	case QueryInformation:
		return "QUERY_INFORMATION"
	case QueryLimitedInformation:
		return "QUERY_LIMITED_INFORMATION"
	case VMRead:
		return "VM_READ"
	case VMWrite:
		return "VM_WRITE"
	case VMOperation:
		return "VM_OPERATION"
	case SuspendResume:
		return "SUSPEND_RESUME"
	case AllAccess:
		return "ALL_ACCESS"
	default:
		return "UNKNOWN"
	}
}

// Process wraps a single OS-level reference to a foreign process along
// with the access rights it was granted. The zero value is not usable.
// The handle is released exactly once. Closing an already closed handle
// has no effect.
type Process struct {
	raw    windows.Handle
	pid    uint32
	access Access
	closed atomic.Bool
}

// Open acquires a new handle to the process with the given identifier and
// the requested access rights set.
func Open(pid uint32, access Access) (*Process, error) {
	if pid == sys.InvalidProcessID {
		return nil, errs.ErrHandleInvalid
	}
	raw, err := windows.OpenProcess(uint32(access), false, pid)
	if err != nil {
		if err == windows.ERROR_ACCESS_DENIED {
			return nil, errs.ErrAccessDenied
		}
		return nil, errors.Wrapf(err, "couldn't open process %d", pid)
	}
	return &Process{raw: raw, pid: pid, access: access}, nil
}

// Current returns a handle to the calling process itself. It is mostly
// useful for testing the memory accessor against a live address space.
func Current(access Access) (*Process, error) {
	return Open(windows.GetCurrentProcessId(), access)
}

// FromRaw adopts an externally acquired handle. The returned Process takes
// ownership and releases the handle on Close.
func FromRaw(raw windows.Handle, pid uint32, access Access) *Process {
	return &Process{raw: raw, pid: pid, access: access}
}

// PID returns the identifier of the target process.
func (p *Process) PID() uint32 { return p.pid }

// Access returns the rights set granted at open time.
func (p *Process) Access() Access { return p.access }

// Alive reports whether the handle is open and its process still running.
func (p *Process) Alive() bool {
	if p.closed.Load() {
		return false
	}
	return sys.IsProcessRunning(p.raw)
}

// Use yields the raw handle for a system call. It fails with
// ErrHandleInvalid once the handle is closed or the process is gone, so
// no operation can ever run against a stale kernel object.
func (p *Process) Use() (windows.Handle, error) {
	if !p.Alive() {
		return windows.InvalidHandle, errs.ErrHandleInvalid
	}
	return p.raw, nil
}

// Close releases the underlying handle. It is safe to call multiple
// times. Only the first call closes the kernel object.
func (p *Process) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return windows.CloseHandle(p.raw)
}
