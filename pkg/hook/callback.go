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

package hook

import (
	"github.com/boresic/grapple/pkg/asm"
	"github.com/boresic/grapple/pkg/va"
)

// BuildContext carries the addresses resolved during hook installation.
// The callback body is assembled against these addresses since it executes
// inside the target process, on whatever foreign thread hits the detour.
type BuildContext struct {
	// Target is the hooked function address.
	Target va.Address
	// Stub is the address at which the callback body will be placed.
	Stub va.Address
	// Trampoline executes the displaced prologue instructions and resumes
	// the original function. A body that falls through continues here. A
	// body that wants to suppress the original emits its own return path
	// instead.
	Trampoline va.Address
	// Vars is the base of the zero-initialized scratch region requested
	// through VarSize, or the zero address when none was requested.
	Vars va.Address
	// Gen assembles jump fragments for bodies that need them.
	Gen *asm.Generator
}

// Callback contributes the machine code executed when the detour fires.
// The code runs in the target process with the foreign thread's stack and
// registers. A body that blocks stalls that thread.
type Callback interface {
	// VarSize is the number of bytes of zeroed scratch memory to allocate
	// in the target process for the callback's own bookkeeping. Zero for
	// none.
	VarSize() int
	// Body emits the stub machine code. The engine places a jump to the
	// trampoline after the body, so falling off the end resumes the
	// original function.
	Body(ctx BuildContext) ([]byte, error)
}

// Raw adapts a position-independent byte fragment into a callback.
type Raw struct {
	Code    []byte
	Scratch int
}

func (r Raw) VarSize() int                      { return r.Scratch }
func (r Raw) Body(BuildContext) ([]byte, error) { return r.Code, nil }

// Builder adapts an emit function into a callback for bodies that need
// the resolved addresses.
type Builder struct {
	Scratch int
	Emit    func(ctx BuildContext) ([]byte, error)
}

func (b Builder) VarSize() int                          { return b.Scratch }
func (b Builder) Body(ctx BuildContext) ([]byte, error) { return b.Emit(ctx) }
