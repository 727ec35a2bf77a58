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

package hook

import (
	"golang.org/x/sys/windows"

	"github.com/boresic/grapple/pkg/errs"
	"github.com/boresic/grapple/pkg/handle"
	"github.com/boresic/grapple/pkg/memory"
	"github.com/boresic/grapple/pkg/sys"
	"github.com/boresic/grapple/pkg/va"

	log "github.com/sirupsen/logrus"
)

// NewProcessEngine builds a hook engine driving the process behind the
// given handle. The handle needs read, write, and operation access. Thread
// suspension is used around detour writes when the handle carries the
// suspend right.
func NewProcessEngine(proc *handle.Process) *Engine {
	acc := memory.NewAccessor(proc)
	return NewEngine(acc, &processAllocator{acc: acc}, NewThreadSuspender(proc))
}

// processAllocator adapts the memory accessor allocation surface to the
// engine contract.
type processAllocator struct {
	acc *memory.Accessor
}

func (a *processAllocator) AllocNear(near va.Address, size int, maxDelta uint64) (Region, error) {
	region, err := a.acc.AllocNear(near, size, maxDelta)
	if err != nil {
		return nil, err
	}
	return region, nil
}

// ThreadSuspender pauses every thread of the target process through the
// toolhelp snapshot surface. When patching the current process the calling
// thread is left running, otherwise the pause would never return.
type ThreadSuspender struct {
	proc      *handle.Process
	suspended []windows.Handle
}

// NewThreadSuspender builds a suspender for the process behind the handle.
func NewThreadSuspender(proc *handle.Process) *ThreadSuspender {
	return &ThreadSuspender{proc: proc}
}

// Pause suspends all threads of the target process. Threads that exit
// between the snapshot and the suspension are skipped. Without the
// suspend right on the process handle ErrSuspendUnsupported is returned
// and nothing is paused.
func (s *ThreadSuspender) Pause() error {
	if !s.proc.Access().Has(handle.SuspendResume) {
		return errs.ErrSuspendUnsupported
	}
	tids, err := sys.ThreadsForProcess(s.proc.PID())
	if err != nil {
		return err
	}
	self := uint32(0)
	if s.proc.PID() == windows.GetCurrentProcessId() {
		self = windows.GetCurrentThreadId()
	}
	for _, tid := range tids {
		if tid == self {
			continue
		}
		thread, err := windows.OpenThread(uint32(sys.ThreadSuspendResume), false, tid)
		if err != nil {
			continue
		}
		if _, err := sys.SuspendThread(thread); err != nil {
			windows.CloseHandle(thread)
			continue
		}
		s.suspended = append(s.suspended, thread)
	}
	return nil
}

// Resume releases every thread suspended by the preceding pause.
func (s *ThreadSuspender) Resume() error {
	for _, thread := range s.suspended {
		if _, err := windows.ResumeThread(thread); err != nil {
			log.Warnf("couldn't resume thread: %v", err)
		}
		windows.CloseHandle(thread)
	}
	s.suspended = s.suspended[:0]
	return nil
}
