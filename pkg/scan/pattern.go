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

// Package scan locates byte-level signatures inside the address space of
// a foreign process. Signatures are sequences of whitespace-separated
// tokens where each token is either a two-hex-digit byte value or a
// wildcard marker matching any byte.
package scan

import (
	"strconv"
	"strings"

	"github.com/boresic/grapple/pkg/errs"
)

// Pattern is a compiled byte signature. It is immutable once compiled.
type Pattern struct {
	bytes []byte
	wild  []bool
	sig   string
}

// Compile parses a signature string such as "48 8B 05 ?? ?? ?? ?? 48 85 C0"
// into a pattern. Both "??" and "?" denote a wildcard position. Malformed
// tokens and empty signatures fail compilation with InvalidPatternError.
func Compile(signature string) (Pattern, error) {
	tokens := strings.Fields(signature)
	if len(tokens) == 0 {
		return Pattern{}, &errs.InvalidPatternError{Signature: signature}
	}
	p := Pattern{
		bytes: make([]byte, len(tokens)),
		wild:  make([]bool, len(tokens)),
		sig:   signature,
	}
	for i, tok := range tokens {
		if tok == "?" || tok == "??" {
			p.wild[i] = true
			continue
		}
		if len(tok) != 2 {
			return Pattern{}, &errs.InvalidPatternError{Signature: signature, Token: tok, Pos: i}
		}
		b, err := strconv.ParseUint(tok, 16, 8)
		if err != nil {
			return Pattern{}, &errs.InvalidPatternError{Signature: signature, Token: tok, Pos: i}
		}
		p.bytes[i] = byte(b)
	}
	return p, nil
}

// MustCompile compiles the signature and panics on malformed input. It is
// intended for patterns known at compile time.
func MustCompile(signature string) Pattern {
	p, err := Compile(signature)
	if err != nil {
		panic(err)
	}
	return p
}

// Len returns the number of byte positions the pattern spans.
func (p Pattern) Len() int { return len(p.bytes) }

// String returns the original signature string.
func (p Pattern) String() string { return p.sig }

// Match determines if the pattern matches the buffer at offset i. Only
// non-wildcard positions are compared. Any byte value satisfies a
// wildcard position.
func (p Pattern) Match(b []byte, i int) bool {
	if i < 0 || i+len(p.bytes) > len(b) {
		return false
	}
	for j, pb := range p.bytes {
		if !p.wild[j] && b[i+j] != pb {
			return false
		}
	}
	return true
}
