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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddress(t *testing.T) {
	addr := Address(0x7ffe0000)
	assert.Equal(t, "7ffe0000", addr.String())
	assert.Equal(t, Address(0x7ffe1000), addr.Inc(0x1000))
	assert.Equal(t, Address(0x7ffd0000), addr.Dec(0x10000))
	assert.Equal(t, int64(0x1000), Address(0x2000).Delta(Address(0x1000)))
	assert.Equal(t, int64(-0x1000), Address(0x1000).Delta(Address(0x2000)))
	assert.True(t, Address(0).IsZero())
	assert.True(t, Address(0xfffff80000001000).InSystemRange())
	assert.False(t, addr.InSystemRange())
}

func TestRegionPredicates(t *testing.T) {
	var tests = []struct {
		region     Region
		readable   bool
		writable   bool
		executable bool
	}{
		{Region{Base: 0x1000, Size: 0x2000, Protect: ProtectReadOnly, State: StateCommit}, true, false, false},
		{Region{Base: 0x1000, Size: 0x2000, Protect: ProtectReadWrite, State: StateCommit}, true, true, false},
		{Region{Base: 0x1000, Size: 0x2000, Protect: ProtectExecuteRead, State: StateCommit}, true, false, true},
		{Region{Base: 0x1000, Size: 0x2000, Protect: ProtectExecuteReadWrite, State: StateCommit}, true, true, true},
		{Region{Base: 0x1000, Size: 0x2000, Protect: ProtectNoAccess, State: StateCommit}, false, false, false},
		{Region{Base: 0x1000, Size: 0x2000, Protect: ProtectReadWrite | ProtectGuard, State: StateCommit}, false, false, false},
		{Region{Base: 0x1000, Size: 0x2000, Protect: ProtectReadWrite, State: StateReserve}, false, false, false},
		{Region{Base: 0x1000, Size: 0x2000, Protect: ProtectReadWrite, State: StateFree}, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.region.ProtectMask(), func(t *testing.T) {
			assert.Equal(t, tt.readable, tt.region.IsReadable())
			assert.Equal(t, tt.writable, tt.region.IsWritable())
			assert.Equal(t, tt.executable, tt.region.IsExecutable())
		})
	}
}

func TestRegionBounds(t *testing.T) {
	region := Region{Base: 0x10000, Size: 0x1000, Protect: ProtectReadOnly, State: StateCommit}
	assert.Equal(t, Address(0x11000), region.End())
	assert.True(t, region.Contains(0x10000))
	assert.True(t, region.Contains(0x10fff))
	assert.False(t, region.Contains(0x11000))
	assert.False(t, region.Contains(0xffff))
}
