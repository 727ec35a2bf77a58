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

package module

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"github.com/boresic/grapple/pkg/handle"
	"github.com/boresic/grapple/pkg/va"
)

// maxModuleName is the buffer capacity for module base names and paths.
const maxModuleName = windows.MAX_PATH

// ProcessEnumerator captures the module list of a foreign process through
// the psapi surface.
type ProcessEnumerator struct {
	proc *handle.Process
	// cap is the handle buffer capacity. It grows when the target process
	// has more modules loaded than the buffer accommodates.
	cap uint32
}

// NewProcessEnumerator builds an enumerator for the process behind the
// given handle. The handle requires query and read access.
func NewProcessEnumerator(proc *handle.Process) *ProcessEnumerator {
	return &ProcessEnumerator{proc: proc, cap: 256}
}

// Enumerate captures one snapshot of the loaded module list. Modules that
// unload between the list capture and the per-module queries tear the
// snapshot, which is reported with ErrTornSnapshot so the catalog can retry.
func (e *ProcessEnumerator) Enumerate() ([]Module, error) {
	raw, err := e.proc.Use()
	if err != nil {
		return nil, err
	}
	handles := make([]windows.Handle, e.cap)
	size := uint32(len(handles)) * uint32(unsafe.Sizeof(handles[0]))
	var needed uint32
	if err := windows.EnumProcessModules(raw, &handles[0], size, &needed); err != nil {
		return nil, errors.Wrap(err, "couldn't enumerate process modules")
	}
	if needed > size {
		// More modules than the buffer holds. Grow and report the capture
		// as torn since the truncated list is not a consistent snapshot.
		e.cap = needed / uint32(unsafe.Sizeof(handles[0]))
		return nil, ErrTornSnapshot
	}
	n := needed / uint32(unsafe.Sizeof(handles[0]))
	mods := make([]Module, 0, n)
	for _, mod := range handles[:n] {
		var info windows.ModuleInfo
		if err := windows.GetModuleInformation(raw, mod, &info, uint32(unsafe.Sizeof(info))); err != nil {
			return nil, ErrTornSnapshot
		}
		var name [maxModuleName]uint16
		if err := windows.GetModuleBaseName(raw, mod, &name[0], maxModuleName); err != nil {
			return nil, ErrTornSnapshot
		}
		var path [maxModuleName]uint16
		if err := windows.GetModuleFileNameEx(raw, mod, &path[0], maxModuleName); err != nil {
			return nil, ErrTornSnapshot
		}
		mods = append(mods, Module{
			Name: windows.UTF16ToString(name[:]),
			Path: windows.UTF16ToString(path[:]),
			Base: va.Address(info.BaseOfDll),
			Size: info.SizeOfImage,
		})
	}
	return mods, nil
}
