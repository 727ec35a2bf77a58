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

// Package hook detours functions in a foreign process. A hook displaces
// the function prologue with a jump into a stub holding the callback body,
// and preserves the original behavior through a trampoline that executes
// the displaced instructions before resuming the function.
package hook

import (
	"expvar"
	"sync"

	"github.com/pkg/errors"
	fsm "github.com/qmuntal/stateless"
	log "github.com/sirupsen/logrus"

	"github.com/boresic/grapple/pkg/asm"
	"github.com/boresic/grapple/pkg/errs"
	"github.com/boresic/grapple/pkg/memory"
	"github.com/boresic/grapple/pkg/va"
)

const (
	// prologueWindow is the number of bytes captured from the hook site
	// for prologue measurement. Large enough for any realistic detour
	// footprint including instruction overhang.
	prologueWindow = 32
	// maxNearDelta bounds the trampoline allocation probe so a rel32
	// redirect always reaches the stub.
	maxNearDelta = 0x7FFF0000
	// codeRegionSize is the allocation granularity for the region holding
	// the trampoline and the callback stub.
	codeRegionSize = va.PageSize
)

var (
	hookInstalls = expvar.NewInt("hook.installs")
	hookEnables  = expvar.NewInt("hook.enables")
	hookDisables = expvar.NewInt("hook.disables")
	hookRemovals = expvar.NewInt("hook.removals")
)

var (
	stateInstalled = fsm.State("installed")
	stateEnabled   = fsm.State("enabled")
	stateDisabled  = fsm.State("disabled")
	stateRemoved   = fsm.State("removed")

	enableTrigger  = fsm.Trigger("enable")
	disableTrigger = fsm.Trigger("disable")
	removeTrigger  = fsm.Trigger("remove")
)

// Region is an executable allocation owned by a hook.
type Region interface {
	Base() va.Address
	Size() uint64
	Free() error
}

// Allocator obtains executable memory in the target process. Passing the
// zero address as near lifts the placement constraint.
type Allocator interface {
	AllocNear(near va.Address, size int, maxDelta uint64) (Region, error)
}

// Suspender pauses and resumes all threads of the target process around
// a detour write. Implementations for which suspension is unavailable
// return ErrSuspendUnsupported from Pause, which makes the engine fall
// back to the opcode-first write protocol.
type Suspender interface {
	Pause() error
	Resume() error
}

// NoSuspender is the suspender for targets without thread suspension.
type NoSuspender struct{}

func (NoSuspender) Pause() error  { return errs.ErrSuspendUnsupported }
func (NoSuspender) Resume() error { return nil }

// Hook is one registered detour. All state transitions go through the
// engine that created it.
type Hook struct {
	target   va.Address
	saved    []byte
	redirect []byte
	code     Region
	vars     Region
	tramp    va.Address
	stub     va.Address
	state    *fsm.StateMachine
	cb       Callback
}

func newHook(target va.Address, cb Callback) *Hook {
	h := &Hook{target: target, cb: cb}
	h.state = fsm.NewStateMachine(stateInstalled)
	h.state.Configure(stateInstalled).
		Permit(enableTrigger, stateEnabled).
		Permit(removeTrigger, stateRemoved)
	h.state.Configure(stateEnabled).
		Permit(disableTrigger, stateDisabled)
	h.state.Configure(stateDisabled).
		Permit(enableTrigger, stateEnabled).
		Permit(removeTrigger, stateRemoved)
	return h
}

// Target returns the hooked function address.
func (h *Hook) Target() va.Address { return h.target }

// Trampoline returns the address executing the displaced prologue before
// resuming the original function.
func (h *Hook) Trampoline() va.Address { return h.tramp }

// Stub returns the address of the callback body.
func (h *Hook) Stub() va.Address { return h.stub }

// Vars returns the base of the callback scratch region, or the zero
// address when the callback requested none.
func (h *Hook) Vars() va.Address {
	if h.vars == nil {
		return 0
	}
	return h.vars.Base()
}

// State returns the current lifecycle state name.
func (h *Hook) State() string { return h.state.MustState().(string) }

// Enabled determines if the detour is live at the hook site.
func (h *Hook) Enabled() bool { return h.state.MustState() == stateEnabled }

// Engine installs and drives hooks against a single target process. All
// registry mutations are serialized by an exclusive lock. Listing hooks
// proceeds concurrently under a shared lock.
type Engine struct {
	mem   memory.ReadWriter
	alloc Allocator
	gen   *asm.Generator
	susp  Suspender

	mu    sync.RWMutex
	hooks map[va.Address]*Hook
}

// NewEngine builds a hook engine from its collaborators. A nil suspender
// selects the opcode-first write protocol.
func NewEngine(mem memory.ReadWriter, alloc Allocator, susp Suspender) *Engine {
	if susp == nil {
		susp = NoSuspender{}
	}
	return &Engine{
		mem:   mem,
		alloc: alloc,
		gen:   asm.NewGenerator(),
		susp:  susp,
		hooks: make(map[va.Address]*Hook),
	}
}

// Install registers a hook at the target address without patching it. The
// prologue is measured and snapshotted, the trampoline and the callback
// stub are assembled into a freshly allocated executable region, and the
// hook is registered in the installed state. Enable performs the patch.
//
// minRedirect lets the caller force a larger redirect footprint than the
// smallest workable encoding, e.g. to reserve headroom for later repatching.
func (e *Engine) Install(target va.Address, cb Callback, minRedirect int) (*Hook, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.hooks[target]; ok {
		return nil, &errs.HookAlreadyInstalledError{Addr: target.Uint64()}
	}

	window, err := e.mem.ReadBytes(target, prologueWindow)
	if len(window) == 0 {
		return nil, errors.Wrapf(err, "couldn't read prologue at %s", target)
	}

	// Prefer a rel32 redirect. The stub region is probed within rel32
	// range of the hook site first and only placed arbitrarily, behind
	// an absolute jump, when no nearby memory is available.
	redirectSize := minRedirect
	if redirectSize < asm.NearJumpSize {
		redirectSize = asm.NearJumpSize
	}
	code, err := e.alloc.AllocNear(target, codeRegionSize, maxNearDelta)
	if err != nil {
		code, err = e.alloc.AllocNear(0, codeRegionSize, 0)
		if err != nil {
			return nil, err
		}
		if redirectSize < asm.FarJumpSize {
			redirectSize = asm.FarJumpSize
		}
	}

	h := newHook(target, cb)
	h.code = code
	if err := e.assemble(h, window, redirectSize); err != nil {
		e.release(h)
		return nil, err
	}

	e.hooks[target] = h
	hookInstalls.Add(1)
	log.Debugf("installed hook at %s. Trampoline: %s, stub: %s", target, h.tramp, h.stub)
	return h, nil
}

// assemble measures the prologue, lays out the trampoline and the stub in
// the code region, and prepares the redirect bytes.
func (e *Engine) assemble(h *Hook, window []byte, redirectSize int) error {
	plen, err := e.gen.PrologueLength(h.target, window, redirectSize)
	if err != nil {
		return err
	}
	h.saved = append([]byte(nil), window[:plen]...)
	h.tramp = h.code.Base()

	tramp, err := e.gen.BuildTrampoline(h.saved, h.target, h.tramp)
	if err != nil {
		return err
	}
	h.stub = h.tramp.Inc(align16(uint64(len(tramp))))

	if n := h.cb.VarSize(); n > 0 {
		vars, err := e.alloc.AllocNear(0, n, 0)
		if err != nil {
			return err
		}
		h.vars = vars
		if err := e.mem.WriteBytes(vars.Base(), make([]byte, n)); err != nil {
			return errors.Wrap(err, "couldn't zero the scratch region")
		}
	}

	body, err := h.cb.Body(BuildContext{
		Target:     h.target,
		Stub:       h.stub,
		Trampoline: h.tramp,
		Vars:       h.Vars(),
		Gen:        e.gen,
	})
	if err != nil {
		return errors.Wrap(err, "callback body assembly failed")
	}
	stub := append(append([]byte(nil), body...),
		e.gen.BuildRedirect(h.stub.Inc(uint64(len(body))), h.tramp, asm.NearJumpSize)...)

	if h.stub.Delta(h.code.Base())+int64(len(stub)) > int64(h.code.Size()) {
		return errors.Errorf("callback body of %d bytes overflows the %d byte code region", len(body), h.code.Size())
	}
	if err := e.mem.WriteBytes(h.tramp, tramp); err != nil {
		return errors.Wrap(err, "couldn't write the trampoline")
	}
	if err := e.mem.WriteBytes(h.stub, stub); err != nil {
		return errors.Wrap(err, "couldn't write the stub")
	}

	h.redirect = e.gen.PadNops(e.gen.BuildRedirect(h.target, h.stub, redirectSize), plen)
	return nil
}

// Enable patches the hook site with the redirect. Enabling an already
// enabled hook is a no-op. On write failure the hook state, and the bytes
// at the site, are left unchanged.
func (e *Engine) Enable(target va.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.hooks[target]
	if !ok {
		return errs.ErrHookNotFound
	}
	if h.state.MustState() == stateEnabled {
		return nil
	}
	if err := e.patch(h, h.redirect); err != nil {
		return err
	}
	hookEnables.Add(1)
	return h.state.Fire(enableTrigger)
}

// Disable writes the original snapshot back over the redirect. The hook
// keeps its bookkeeping and can be re-enabled. Disabling a hook that is
// not enabled is a no-op.
func (e *Engine) Disable(target va.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.hooks[target]
	if !ok {
		return errs.ErrHookNotFound
	}
	return e.disable(h)
}

func (e *Engine) disable(h *Hook) error {
	if h.state.MustState() != stateEnabled {
		return nil
	}
	if err := e.patch(h, h.saved); err != nil {
		return err
	}
	hookDisables.Add(1)
	return h.state.Fire(disableTrigger)
}

// Remove disables the hook if needed, releases its allocations, and erases
// the registry entry. The hook reaches the terminal removed state and the
// address becomes installable again.
func (e *Engine) Remove(target va.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.hooks[target]
	if !ok {
		return errs.ErrHookNotFound
	}
	if err := e.disable(h); err != nil {
		return err
	}
	if err := h.state.Fire(removeTrigger); err != nil {
		return err
	}
	e.release(h)
	delete(e.hooks, target)
	hookRemovals.Add(1)
	return nil
}

// Get returns the registered hook at the target address.
func (e *Engine) Get(target va.Address) (*Hook, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.hooks[target]
	if !ok {
		return nil, errs.ErrHookNotFound
	}
	return h, nil
}

// Hooks lists all registered hooks.
func (e *Engine) Hooks() []*Hook {
	e.mu.RLock()
	defer e.mu.RUnlock()
	hooks := make([]*Hook, 0, len(e.hooks))
	for _, h := range e.hooks {
		hooks = append(hooks, h)
	}
	return hooks
}

// patch writes code over the hook site such that a foreign thread never
// observes a half-written instruction. Threads are paused around the write
// when the suspender supports it. Otherwise the opcode byte is written
// first as a single atomic store and the operand bytes follow, accepting
// a narrow race window. Pause and resume are always paired, even when the
// write fails. A write that fails partway gets the original snapshot put
// back over the site before threads run again.
func (e *Engine) patch(h *Hook, code []byte) error {
	err := e.susp.Pause()
	switch {
	case err == nil:
		werr := e.write(h.target, code)
		if werr != nil {
			e.restoreSite(h)
		}
		if rerr := e.susp.Resume(); rerr != nil {
			log.Warnf("couldn't resume threads after patching %s: %v", h.target, rerr)
		}
		return werr
	case err == errs.ErrSuspendUnsupported:
		if werr := e.write(h.target, code[:1]); werr != nil {
			return werr
		}
		if len(code) > 1 {
			if werr := e.write(h.target.Inc(1), code[1:]); werr != nil {
				e.restoreSite(h)
				return werr
			}
		}
		return nil
	default:
		return err
	}
}

// restoreSite rewrites the saved prologue over the hook site after a torn
// patch. Best effort, only the failure is reported.
func (e *Engine) restoreSite(h *Hook) {
	if err := e.write(h.target, h.saved); err != nil {
		log.Warnf("couldn't restore the original bytes at %s after a torn patch: %v", h.target, err)
	}
}

func (e *Engine) write(addr va.Address, code []byte) error {
	err := e.mem.WriteBytes(addr, code)
	if err != nil && errs.IsProtectionRestore(err) {
		// The write landed. The stale protection is only a warning.
		log.Warnf("hook site patched at %s: %v", addr, err)
		return nil
	}
	return err
}

func (e *Engine) release(h *Hook) {
	if h.code != nil {
		if err := h.code.Free(); err != nil {
			log.Warnf("couldn't free the code region of hook %s: %v", h.target, err)
		}
		h.code = nil
	}
	if h.vars != nil {
		if err := h.vars.Free(); err != nil {
			log.Warnf("couldn't free the scratch region of hook %s: %v", h.target, err)
		}
		h.vars = nil
	}
}

func align16(n uint64) uint64 { return (n + 15) &^ 15 }
