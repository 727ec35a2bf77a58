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

// Package grapple is the front door for inspecting and instrumenting a
// foreign Windows process. It couples the process handle with the memory
// accessor, the module catalog, the pattern scanner, and the hook engine,
// so common flows like hooking an export or a scanned signature are one
// call.
package grapple

import (
	"context"
	"time"

	"github.com/boresic/grapple/pkg/handle"
	"github.com/boresic/grapple/pkg/hook"
	"github.com/boresic/grapple/pkg/memory"
	"github.com/boresic/grapple/pkg/module"
	"github.com/boresic/grapple/pkg/scan"
	"github.com/boresic/grapple/pkg/va"
)

// defaultEnumTimeout bounds the module enumeration retry loop.
const defaultEnumTimeout = time.Second * 5

// Process bundles the inspection and instrumentation surfaces of one
// target process.
type Process struct {
	Handle  *handle.Process
	Mem     *memory.Accessor
	Catalog *module.Catalog
	Scanner *scan.Scanner
	Engine  *hook.Engine
}

// Open attaches to the process with the given id with full tampering
// access.
func Open(pid uint32) (*Process, error) {
	proc, err := handle.Open(pid, handle.Tamper)
	if err != nil {
		return nil, err
	}
	return attach(proc), nil
}

// OpenInspect attaches to the process with read-only access. Hooking
// through such a process fails with access errors, scanning and module
// listing work.
func OpenInspect(pid uint32) (*Process, error) {
	proc, err := handle.Open(pid, handle.Inspect)
	if err != nil {
		return nil, err
	}
	return attach(proc), nil
}

// OpenCurrent attaches to the calling process.
func OpenCurrent() (*Process, error) {
	proc, err := handle.Current(handle.Tamper)
	if err != nil {
		return nil, err
	}
	return attach(proc), nil
}

func attach(proc *handle.Process) *Process {
	acc := memory.NewAccessor(proc)
	return &Process{
		Handle:  proc,
		Mem:     acc,
		Catalog: module.NewCatalog(module.NewProcessEnumerator(proc)),
		Scanner: scan.NewScanner(acc, acc),
		Engine:  hook.NewProcessEngine(proc),
	}
}

// Close releases the process handle. Hooks installed through the engine
// are not implicitly removed.
func (p *Process) Close() error { return p.Handle.Close() }

// FindModule locates a loaded module by name with case-insensitive matching
// and the default enumeration timeout.
func (p *Process) FindModule(name string) (module.Module, error) {
	return p.Catalog.Find(name, false, defaultEnumTimeout)
}

// ScanModule sweeps the mapped image of the named module for a signature
// and returns the first match.
func (p *Process) ScanModule(ctx context.Context, name, signature string) (va.Address, error) {
	mod, err := p.FindModule(name)
	if err != nil {
		return 0, err
	}
	pattern, err := scan.Compile(signature)
	if err != nil {
		return 0, err
	}
	rng := scan.Range{Base: mod.Base, Size: uint64(mod.Size)}
	return p.Scanner.ScanFirst(ctx, rng, pattern)
}

// InstallBySignature locates the first match of the signature inside the
// named module and installs a hook at the matched address.
func (p *Process) InstallBySignature(ctx context.Context, name, signature string, cb hook.Callback, minRedirect int) (*hook.Hook, error) {
	addr, err := p.ScanModule(ctx, name, signature)
	if err != nil {
		return nil, err
	}
	return p.Engine.Install(addr, cb, minRedirect)
}

// InstallByExport resolves a named export of the given module and installs
// a hook at its entry point.
func (p *Process) InstallByExport(modName, export string, cb hook.Callback, minRedirect int) (*hook.Hook, error) {
	mod, err := p.FindModule(modName)
	if err != nil {
		return nil, err
	}
	addr, err := mod.ExportAddress(export)
	if err != nil {
		return nil, err
	}
	return p.Engine.Install(addr, cb, minRedirect)
}
