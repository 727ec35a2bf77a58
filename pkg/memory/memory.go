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

// Package memory moves typed values across the process boundary. All
// transfers run against live, externally-owned memory whose shape can
// change underneath the accessor at any time, so every operation checks
// page protection first and reports torn transfers instead of silently
// truncating them.
package memory

import (
	"unicode/utf16"

	"github.com/boresic/grapple/pkg/va"
)

// Reader reads raw bytes from the target process address space.
type Reader interface {
	// ReadBytes copies n bytes starting at the given foreign address.
	// A transfer that moved fewer bytes than requested returns the bytes
	// read so far together with a PartialTransferError.
	ReadBytes(addr va.Address, n int) ([]byte, error)
}

// Writer writes raw bytes into the target process address space.
type Writer interface {
	// WriteBytes copies the buffer to the given foreign address, elevating
	// page protection for the duration of the write when needed.
	WriteBytes(addr va.Address, b []byte) error
}

// ReadWriter aggregates both transfer directions.
type ReadWriter interface {
	Reader
	Writer
}

// Querier consults the attributes of the region holding an address.
type Querier interface {
	Query(addr va.Address) (va.Region, error)
}

// ReadUTF16 reads a NUL-terminated UTF-16 string of at most maxBytes
// from the target process. Truncated tail code units are dropped.
func ReadUTF16(r Reader, addr va.Address, maxBytes int) (string, error) {
	b, err := r.ReadBytes(addr, maxBytes)
	if err != nil && len(b) == 0 {
		return "", err
	}
	us := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		u := uint16(b[i]) | uint16(b[i+1])<<8
		if u == 0 {
			break
		}
		us = append(us, u)
	}
	return string(utf16.Decode(us)), nil
}
