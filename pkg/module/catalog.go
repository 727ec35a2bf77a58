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

// Package module surfaces the loaded module inventory of a foreign process.
// Enumeration observes the module list of a live process, so a snapshot can
// be torn by concurrent loads and unloads. The catalog compensates by
// retrying the enumeration with exponential backoff until it converges or
// the caller supplied deadline expires.
package module

import (
	"expvar"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/boresic/grapple/pkg/errs"
	"github.com/boresic/grapple/pkg/va"
)

var (
	tornSnapshots = expvar.NewInt("module.torn.snapshots")
	enumRetries   = expvar.NewInt("module.enum.retries")
)

// Module describes a single executable image mapped into the address space
// of the inspected process.
type Module struct {
	// Name is the module base name including the extension, e.g. kernel32.dll.
	Name string
	// Path is the full on-disk path of the image file.
	Path string
	// Base is the load address of the image.
	Base va.Address
	// Size is the amount of virtual memory the mapped image occupies.
	Size uint32
}

// Contains determines if the address falls inside the mapped image span.
func (m Module) Contains(addr va.Address) bool {
	return addr >= m.Base && addr < m.Base.Inc(uint64(m.Size))
}

// String returns a compact module descriptor for log output.
func (m Module) String() string {
	return m.Name + " base: 0x" + m.Base.String()
}

// ErrTornSnapshot signals that the module list mutated while it was being
// captured. The catalog treats it as transient and retries.
var ErrTornSnapshot = errs.ErrTornSnapshot

// Enumerator captures the loaded module list of a process.
type Enumerator interface {
	// Enumerate returns one snapshot of the module list. Implementations
	// return ErrTornSnapshot when the list changed mid-capture.
	Enumerate() ([]Module, error)
}

// Catalog provides ordered, retried access to the module inventory.
type Catalog struct {
	enum Enumerator
}

// NewCatalog builds a catalog on top of the given enumerator.
func NewCatalog(enum Enumerator) *Catalog {
	return &Catalog{enum: enum}
}

// List captures the module inventory, sorted by ascending base address.
// Torn snapshots are retried with exponential backoff until the timeout
// elapses, at which point EnumerationTimeoutError is returned.
func (c *Catalog) List(timeout time.Duration) ([]Module, error) {
	var mods []Module
	expb := backoff.NewExponentialBackOff()
	expb.InitialInterval = time.Millisecond
	expb.MaxElapsedTime = timeout
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			enumRetries.Add(1)
		}
		var err error
		mods, err = c.enum.Enumerate()
		if err == ErrTornSnapshot {
			tornSnapshots.Add(1)
			log.Debugf("module list mutated during capture. Retry %d", attempt)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, expb)
	if err == ErrTornSnapshot {
		return nil, &errs.EnumerationTimeoutError{Timeout: timeout}
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(mods, func(i, j int) bool { return mods[i].Base < mods[j].Base })
	return mods, nil
}

// Find locates a module by name. The name matches either the module base
// name or its full path, case-insensitively unless exact matching is
// requested. When several modules share a name the one with the lowest
// base address wins. Absence is reported with ModuleNotFoundError.
func (c *Catalog) Find(name string, exact bool, timeout time.Duration) (Module, error) {
	mods, err := c.List(timeout)
	if err != nil {
		return Module{}, err
	}
	for _, m := range mods {
		if matches(m.Name, name, exact) || matches(m.Path, name, exact) {
			return m, nil
		}
	}
	return Module{}, &errs.ModuleNotFoundError{Name: name}
}

func matches(have, want string, exact bool) bool {
	if exact {
		return have == want
	}
	return strings.EqualFold(have, want)
}
