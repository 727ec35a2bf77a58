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

package module

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boresic/grapple/pkg/errs"
)

// flakyEnumerator tears the first n captures before producing the list.
type flakyEnumerator struct {
	torn  int
	calls int
	mods  []Module
	err   error
}

func (e *flakyEnumerator) Enumerate() ([]Module, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	if e.calls <= e.torn {
		return nil, ErrTornSnapshot
	}
	return e.mods, nil
}

var testModules = []Module{
	{Name: "user32.dll", Path: `C:\Windows\System32\user32.dll`, Base: 0x7ffb30000000, Size: 0x19b000},
	{Name: "kernel32.dll", Path: `C:\Windows\System32\kernel32.dll`, Base: 0x7ffb2f000000, Size: 0xc2000},
	{Name: "notepad.exe", Path: `C:\Windows\notepad.exe`, Base: 0x7ff640000000, Size: 0x38000},
}

func TestListRetriesTornSnapshots(t *testing.T) {
	enum := &flakyEnumerator{torn: 3, mods: testModules}
	catalog := NewCatalog(enum)

	mods, err := catalog.List(time.Second * 5)
	require.NoError(t, err)
	require.Len(t, mods, 3)
	assert.Equal(t, 4, enum.calls)

	// ascending base order
	assert.Equal(t, "notepad.exe", mods[0].Name)
	assert.Equal(t, "kernel32.dll", mods[1].Name)
	assert.Equal(t, "user32.dll", mods[2].Name)
}

func TestListTimesOut(t *testing.T) {
	enum := &flakyEnumerator{torn: 1 << 30, mods: testModules}
	catalog := NewCatalog(enum)

	_, err := catalog.List(time.Millisecond * 50)
	require.Error(t, err)
	assert.True(t, errs.IsEnumerationTimeout(err))
}

func TestListPermanentFailure(t *testing.T) {
	enum := &flakyEnumerator{err: errors.New("no psapi for you")}
	catalog := NewCatalog(enum)

	_, err := catalog.List(time.Second)
	require.Error(t, err)
	assert.False(t, errs.IsEnumerationTimeout(err))
	assert.Equal(t, 1, enum.calls)
}

func TestFind(t *testing.T) {
	catalog := NewCatalog(&flakyEnumerator{mods: testModules})

	mod, err := catalog.Find("KERNEL32.DLL", false, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "kernel32.dll", mod.Name)

	mod, err = catalog.Find(`c:\windows\notepad.exe`, false, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "notepad.exe", mod.Name)

	_, err = catalog.Find("advapi32.dll", false, time.Second)
	var notfound *errs.ModuleNotFoundError
	require.ErrorAs(t, err, &notfound)
	assert.Equal(t, "advapi32.dll", notfound.Name)
}

func TestFindExact(t *testing.T) {
	catalog := NewCatalog(&flakyEnumerator{mods: testModules})

	mod, err := catalog.Find("kernel32.dll", true, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "kernel32.dll", mod.Name)

	// exact matching rejects a name differing only in case
	_, err = catalog.Find("KERNEL32.DLL", true, time.Second)
	var notfound *errs.ModuleNotFoundError
	require.ErrorAs(t, err, &notfound)
	assert.Equal(t, "KERNEL32.DLL", notfound.Name)
}

func TestFindDuplicateNamesLowestBaseWins(t *testing.T) {
	mods := []Module{
		{Name: "plugin.dll", Base: 0x7ffb40000000, Size: 0x1000},
		{Name: "plugin.dll", Base: 0x7ffb20000000, Size: 0x1000},
	}
	catalog := NewCatalog(&flakyEnumerator{mods: mods})

	mod, err := catalog.Find("plugin.dll", false, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0x7ffb20000000, int(mod.Base.Uint64()))
}

func TestModuleContains(t *testing.T) {
	mod := Module{Name: "m.dll", Base: 0x10000, Size: 0x2000}
	assert.True(t, mod.Contains(0x10000))
	assert.True(t, mod.Contains(0x11fff))
	assert.False(t, mod.Contains(0x12000))
}
