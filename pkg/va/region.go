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

package va

// Page protection attributes as reported by VirtualQueryEx. Declared
// locally so the package can be consumed on any platform.
const (
	ProtectNoAccess         uint32 = 0x01
	ProtectReadOnly         uint32 = 0x02
	ProtectReadWrite        uint32 = 0x04
	ProtectWriteCopy        uint32 = 0x08
	ProtectExecute          uint32 = 0x10
	ProtectExecuteRead      uint32 = 0x20
	ProtectExecuteReadWrite uint32 = 0x40
	ProtectExecuteWriteCopy uint32 = 0x80
	ProtectGuard            uint32 = 0x100
	ProtectNoCache          uint32 = 0x200
)

// Region allocation states.
const (
	StateCommit  uint32 = 0x1000
	StateReserve uint32 = 0x2000
	StateFree    uint32 = 0x10000
)

// Region types.
const (
	// TypeMapped indicates that the memory pages within the region are mapped
	// into the view of a section.
	TypeMapped uint32 = 0x40000
	// TypePrivate indicates that the memory pages within the region are private,
	// that is, not shared by other processes.
	TypePrivate uint32 = 0x20000
	// TypeImage indicates that the memory pages within the region are mapped
	// into the view of an image section.
	TypeImage uint32 = 0x1000000
)

// PageSize is the small page granularity on all supported architectures.
const PageSize = 0x1000

// Region describes the attributes of a range of pages in the target
// process address space. It is a snapshot valid at the instant of the
// query. The foreign process can reshape the region at any moment after.
type Region struct {
	Base    Address
	Size    uint64
	Protect uint32
	State   uint32
	Type    uint32
}

// End returns the first address past the region.
func (r Region) End() Address { return r.Base.Inc(r.Size) }

// Contains determines if the address falls within the region bounds.
func (r Region) Contains(addr Address) bool {
	return addr >= r.Base && addr < r.End()
}

// IsCommitted determines if physical storage is allocated for the region.
func (r Region) IsCommitted() bool { return r.State == StateCommit }

// IsGuarded determines if the region pages have the guard attribute. Touching
// a guard page raises an exception in the owning process, so transfers must
// treat guarded regions as inaccessible.
func (r Region) IsGuarded() bool { return r.Protect&ProtectGuard != 0 }

// IsReadable determines if a transfer can read from the region pages.
func (r Region) IsReadable() bool {
	if !r.IsCommitted() || r.IsGuarded() {
		return false
	}
	return r.Protect&(ProtectReadOnly|ProtectReadWrite|ProtectWriteCopy|
		ProtectExecuteRead|ProtectExecuteReadWrite|ProtectExecuteWriteCopy) != 0
}

// IsWritable determines if a transfer can write to the region pages
// without elevating protection first.
func (r Region) IsWritable() bool {
	if !r.IsCommitted() || r.IsGuarded() {
		return false
	}
	return r.Protect&(ProtectReadWrite|ProtectWriteCopy|
		ProtectExecuteReadWrite|ProtectExecuteWriteCopy) != 0
}

// IsExecutable determines if instructions can be fetched from the region pages.
func (r Region) IsExecutable() bool {
	if !r.IsCommitted() {
		return false
	}
	return r.Protect&(ProtectExecute|ProtectExecuteRead|
		ProtectExecuteReadWrite|ProtectExecuteWriteCopy) != 0
}

// ProtectMask returns protection in mask notation.
func (r Region) ProtectMask() string {
	switch r.Protect {
	case ProtectReadOnly:
		return "R"
	case ProtectReadWrite:
		return "RW"
	case ProtectExecuteRead:
		return "RX"
	case ProtectExecuteReadWrite:
		return "RWX"
	case ProtectExecuteWriteCopy:
		return "RWXC"
	case ProtectExecute:
		return "X"
	case ProtectWriteCopy:
		return "WC"
	case ProtectNoAccess:
		return "NA"
	case ProtectNoCache:
		return "NC"
	case ProtectGuard, ProtectGuard | ProtectReadWrite:
		return "PG"
	case 0:
		return "-"
	default:
		return "?"
	}
}
