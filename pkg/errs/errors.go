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

// Package errs declares the error kinds surfaced by all grapple components.
// Errors that need to transport structured detail, such as the number of
// bytes moved by a torn memory transfer, are expressed as distinct types so
// callers can recover the detail with errors.As.
package errs

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrHandleInvalid is returned when an operation is attempted on a
	// process handle that was closed or whose process is gone.
	ErrHandleInvalid = errors.New("process handle is invalid or closed")

	// ErrAccessDenied signals the granted access rights are insufficient
	// for the requested operation.
	ErrAccessDenied = errors.New("access denied")

	// ErrRegionUnreadable is returned when the entire requested memory
	// range is unreadable.
	ErrRegionUnreadable = errors.New("memory region is not readable")

	// ErrPatternNotFound denotes the absence result of a signature scan.
	// It is not a failure condition.
	ErrPatternNotFound = errors.New("pattern not found")

	// ErrHookNotFound is returned when the hook registry has no entry
	// for the given target address.
	ErrHookNotFound = errors.New("hook not found")

	// ErrSuspendUnsupported signals the thread suspension facility is not
	// available for the target process. The hook engine falls back to the
	// opcode-first write protocol in that case.
	ErrSuspendUnsupported = errors.New("thread suspension is not supported")

	// ErrTornSnapshot signals the module list mutated while it was being
	// captured. Callers retry the enumeration.
	ErrTornSnapshot = errors.New("module list changed during enumeration")
)

// PartialTransferError is reported when a memory transfer moved fewer
// bytes than requested, e.g. when the address range crosses into an
// unmapped page. Transfers are never silently truncated or zero padded.
type PartialTransferError struct {
	Addr        uint64
	Requested   int
	Transferred int
}

func (e *PartialTransferError) Error() string {
	return fmt.Sprintf("partial transfer at %x: %d of %d bytes moved", e.Addr, e.Transferred, e.Requested)
}

// ProtectionRestoreError is attached as a warning to an otherwise
// successful write for which the original page protection couldn't be
// restored. The write itself is not retracted.
type ProtectionRestoreError struct {
	Addr    uint64
	Protect uint32
	Err     error
}

func (e *ProtectionRestoreError) Error() string {
	return fmt.Sprintf("couldn't restore protection %x at %x: %v", e.Protect, e.Addr, e.Err)
}

func (e *ProtectionRestoreError) Unwrap() error { return e.Err }

// InvalidPatternError is returned when a signature string can't be
// compiled into a byte pattern.
type InvalidPatternError struct {
	Signature string
	Token     string
	Pos       int
}

func (e *InvalidPatternError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("invalid pattern %q: empty signature", e.Signature)
	}
	return fmt.Sprintf("invalid pattern %q: bad token %q at position %d", e.Signature, e.Token, e.Pos)
}

// ModuleNotFoundError is returned when no module with the given name is
// loaded in the target process.
type ModuleNotFoundError struct {
	Name string
}

func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("module %q not found in target process", e.Name)
}

// EnumerationTimeoutError signals the module list couldn't be read
// consistently within the allotted time.
type EnumerationTimeoutError struct {
	Timeout time.Duration
}

func (e *EnumerationTimeoutError) Error() string {
	return fmt.Sprintf("couldn't get a consistent module list within %v", e.Timeout)
}

// InstructionDecodeError is returned when an instruction at the hook site
// can't be measured or relocated. Guessing the encoding would corrupt the
// target process, so the operation is refused instead.
type InstructionDecodeError struct {
	Addr   uint64
	Offset int
	Reason string
}

func (e *InstructionDecodeError) Error() string {
	return fmt.Sprintf("undecodable instruction at %x+%d: %s", e.Addr, e.Offset, e.Reason)
}

// HookAlreadyInstalledError is returned when the hook registry holds a
// non-removed entry for the target address.
type HookAlreadyInstalledError struct {
	Addr uint64
}

func (e *HookAlreadyInstalledError) Error() string {
	return fmt.Sprintf("hook already installed at %x", e.Addr)
}

// AllocationFailedError signals no executable memory reachable from the
// hook site could be allocated under the chosen redirect encoding.
type AllocationFailedError struct {
	Near     uint64
	Size     int
	MaxDelta uint64
}

func (e *AllocationFailedError) Error() string {
	return fmt.Sprintf("couldn't allocate %d bytes of executable memory within %x of %x", e.Size, e.MaxDelta, e.Near)
}

// UntransmutableTypeError is returned when a type without the transmutable
// capability is given to the typed memory accessor.
type UntransmutableTypeError struct {
	Type   string
	Reason string
}

func (e *UntransmutableTypeError) Error() string {
	return fmt.Sprintf("type %s can't cross the process boundary: %s", e.Type, e.Reason)
}

// IsPartialTransfer determines if the error is of PartialTransferError type.
func IsPartialTransfer(err error) bool {
	var e *PartialTransferError
	return errors.As(err, &e)
}

// IsProtectionRestore determines if the error is a protection restore warning.
func IsProtectionRestore(err error) bool {
	var e *ProtectionRestoreError
	return errors.As(err, &e)
}

// IsEnumerationTimeout determines if the error is of EnumerationTimeoutError type.
func IsEnumerationTimeout(err error) bool {
	var e *EnumerationTimeoutError
	return errors.As(err, &e)
}

// IsInstructionDecode determines if the error is of InstructionDecodeError type.
func IsInstructionDecode(err error) bool {
	var e *InstructionDecodeError
	return errors.As(err, &e)
}
