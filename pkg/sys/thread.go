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

package sys

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// ThreadAccess defines the type alias for thread's access modifiers
type ThreadAccess uint32

const (
	// ThreadTerminate is required to terminate a thread
	ThreadTerminate ThreadAccess = 0x0001
	// ThreadSuspendResume is required to suspend or resume a thread
	ThreadSuspendResume ThreadAccess = 0x0002
	// ThreadGetContext is required to read the context of a thread
	ThreadGetContext ThreadAccess = 0x0008
	// ThreadQueryInformation is required to read certain information from the thread object
	ThreadQueryInformation ThreadAccess = 0x0040
)

// ThreadsForProcess walks the system thread snapshot and collects the
// identifiers of all threads owned by the given process. The snapshot is
// system wide, so the walk filters on the owner process id.
func ThreadsForProcess(pid uint32) ([]uint32, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(snap)
	var tids []uint32
	var entry windows.ThreadEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	err = windows.Thread32First(snap, &entry)
	for err == nil {
		if entry.OwnerProcessID == pid {
			tids = append(tids, entry.ThreadID)
		}
		err = windows.Thread32Next(snap, &entry)
	}
	if err != windows.ERROR_NO_MORE_FILES {
		return nil, err
	}
	return tids, nil
}
