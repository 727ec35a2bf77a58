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

// Package asm assembles the small machine code fragments needed to detour
// functions in a foreign process. It emits jump redirects, relocates
// displaced prologue instructions into trampolines, and measures prologue
// boundaries with a length disassembler.
package asm

import (
	"encoding/binary"
	"math"

	"golang.org/x/arch/x86/x86asm"

	"github.com/boresic/grapple/pkg/errs"
	"github.com/boresic/grapple/pkg/va"
)

const (
	// NearJumpSize is the footprint of a rel32 jump (E9 xx xx xx xx).
	NearJumpSize = 5
	// FarJumpSize is the footprint of an absolute indirect jump
	// (FF 25 00 00 00 00 followed by the 8-byte target).
	FarJumpSize = 14
)

// Generator assembles x86 code fragments for a given operand width.
type Generator struct {
	bits int
}

// NewGenerator returns a generator for 64-bit code.
func NewGenerator() *Generator { return &Generator{bits: 64} }

// PrologueLength walks whole instructions from the start of the code
// captured at addr until at least min bytes are covered and returns the
// exact boundary. Detours must displace whole instructions only, so the
// returned length may exceed min.
func (g *Generator) PrologueLength(addr va.Address, code []byte, min int) (int, error) {
	n := 0
	for n < min {
		if n >= len(code) {
			return 0, &errs.InstructionDecodeError{Addr: addr.Inc(uint64(n)).Uint64(), Offset: n, Reason: "prologue shorter than required detour size"}
		}
		inst, err := x86asm.Decode(code[n:], g.bits)
		if err != nil {
			return 0, &errs.InstructionDecodeError{Addr: addr.Inc(uint64(n)).Uint64(), Offset: n, Reason: err.Error()}
		}
		n += inst.Len
	}
	return n, nil
}

// BuildRedirect emits a jump from the from address to the to address.
// minSize is the minimum footprint of the emitted sequence. A rel32 near
// jump padded with NOPs up to minSize is produced whenever the
// displacement fits. The absolute indirect form carrying the full 64-bit
// target is emitted when the displacement is out of rel32 reach, or when
// the caller reserved room for it with a minSize of FarJumpSize or more.
func (g *Generator) BuildRedirect(from, to va.Address, minSize int) []byte {
	if minSize < FarJumpSize {
		delta := to.Delta(from.Inc(NearJumpSize))
		if delta >= math.MinInt32 && delta <= math.MaxInt32 {
			buf := make([]byte, NearJumpSize)
			buf[0] = 0xE9
			binary.LittleEndian.PutUint32(buf[1:], uint32(int32(delta)))
			return g.PadNops(buf, minSize)
		}
	}
	buf := make([]byte, FarJumpSize)
	buf[0] = 0xFF
	buf[1] = 0x25
	binary.LittleEndian.PutUint32(buf[2:], 0)
	binary.LittleEndian.PutUint64(buf[6:], to.Uint64())
	return g.PadNops(buf, minSize)
}

// PadNops appends single-byte NOP instructions until the fragment reaches
// size bytes.
func (g *Generator) PadNops(code []byte, size int) []byte {
	for len(code) < size {
		code = append(code, 0x90)
	}
	return code
}

// BuildTrampoline relocates the displaced prologue bytes from origAddr to
// trampAddr and appends a jump back to the first non-displaced instruction.
// Relative branches and RIP-relative memory operands inside the prologue are
// re-encoded for the new location. Instructions whose displacement cannot be
// widened or re-expressed at the trampoline distance fail relocation.
func (g *Generator) BuildTrampoline(orig []byte, origAddr, trampAddr va.Address) ([]byte, error) {
	out := make([]byte, 0, len(orig)+FarJumpSize)
	n := 0
	for n < len(orig) {
		inst, err := x86asm.Decode(orig[n:], g.bits)
		if err != nil {
			return nil, &errs.InstructionDecodeError{Addr: origAddr.Inc(uint64(n)).Uint64(), Offset: n, Reason: err.Error()}
		}
		chunk := make([]byte, inst.Len)
		copy(chunk, orig[n:n+inst.Len])
		instOrig := origAddr.Inc(uint64(n))
		instNew := trampAddr.Inc(uint64(len(out)))
		chunk, err = g.relocate(inst, chunk, instOrig, instNew)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		n += inst.Len
	}
	resume := origAddr.Inc(uint64(len(orig)))
	out = append(out, g.BuildRedirect(trampAddr.Inc(uint64(len(out))), resume, NearJumpSize)...)
	return out, nil
}

// relocate adjusts PC-relative operands of a single instruction moved from
// instOrig to instNew. Instructions without such operands pass through
// untouched.
func (g *Generator) relocate(inst x86asm.Inst, chunk []byte, instOrig, instNew va.Address) ([]byte, error) {
	if inst.PCRelOff > 0 && inst.PCRel > 0 {
		// Relative branch. The stored displacement is anchored at the end
		// of the instruction, so shift it by the relocation distance.
		shift := instOrig.Delta(instNew)
		switch inst.PCRel {
		case 1:
			old := int64(int8(chunk[inst.PCRelOff]))
			rel := old + shift
			if rel < math.MinInt8 || rel > math.MaxInt8 {
				return nil, &errs.InstructionDecodeError{
					Addr:   instOrig.Uint64(),
					Reason: "rel8 branch displacement does not survive relocation",
				}
			}
			chunk[inst.PCRelOff] = byte(int8(rel))
		case 4:
			old := int64(int32(binary.LittleEndian.Uint32(chunk[inst.PCRelOff:])))
			rel := old + shift
			if rel < math.MinInt32 || rel > math.MaxInt32 {
				return nil, &errs.InstructionDecodeError{
					Addr:   instOrig.Uint64(),
					Reason: "rel32 branch displacement overflows after relocation",
				}
			}
			binary.LittleEndian.PutUint32(chunk[inst.PCRelOff:], uint32(int32(rel)))
		default:
			return nil, &errs.InstructionDecodeError{
				Addr:   instOrig.Uint64(),
				Reason: "unsupported relative operand width",
			}
		}
		return chunk, nil
	}
	if ripRelative(inst) {
		// The disp32 of a RIP-relative memory operand sits in the last four
		// bytes unless an immediate follows.
		if immediateSize(inst) != 0 {
			return nil, &errs.InstructionDecodeError{
				Addr:   instOrig.Uint64(),
				Reason: "RIP-relative operand with trailing immediate is not relocatable",
			}
		}
		off := inst.Len - 4
		old := int64(int32(binary.LittleEndian.Uint32(chunk[off:])))
		rel := old + instOrig.Delta(instNew)
		if rel < math.MinInt32 || rel > math.MaxInt32 {
			return nil, &errs.InstructionDecodeError{
				Addr:   instOrig.Uint64(),
				Reason: "RIP-relative displacement overflows after relocation",
			}
		}
		binary.LittleEndian.PutUint32(chunk[off:], uint32(int32(rel)))
	}
	return chunk, nil
}

func ripRelative(inst x86asm.Inst) bool {
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		if mem, ok := arg.(x86asm.Mem); ok && mem.Base == x86asm.RIP {
			return true
		}
	}
	return false
}

func immediateSize(inst x86asm.Inst) int {
	n := 0
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		if _, ok := arg.(x86asm.Imm); ok {
			n++
		}
	}
	return n
}
