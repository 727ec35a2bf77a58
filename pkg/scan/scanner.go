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

package scan

import (
	"context"
	"expvar"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/boresic/grapple/pkg/errs"
	"github.com/boresic/grapple/pkg/memory"
	"github.com/boresic/grapple/pkg/va"
)

// defaultChunkSize is the amount of foreign memory pulled per read while
// sweeping a readable region.
const defaultChunkSize = 256 * 1024

var (
	bytesScanned  = expvar.NewInt("scan.bytes.scanned")
	patternsFound = expvar.NewInt("scan.patterns.found")
)

// Range delimits the span of the foreign address space subject to a scan.
type Range struct {
	Base va.Address
	Size uint64
}

// End returns the first address past the range.
func (r Range) End() va.Address { return va.Address(r.Base.Uint64() + r.Size) }

// Scanner sweeps foreign memory for compiled patterns. The scanner walks
// the range region by region, skipping over regions that are not readable,
// and carries a pattern-length overlap between consecutive reads so that
// matches straddling chunk boundaries are never missed.
type Scanner struct {
	r     memory.Reader
	q     memory.Querier
	chunk int
	lim   *rate.Limiter
}

// Option configures the scanner.
type Option func(*Scanner)

// WithChunkSize overrides the per-read chunk size.
func WithChunkSize(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.chunk = n
		}
	}
}

// WithReadLimit throttles the scan to at most n chunk reads per second.
// Useful when sweeping large spans of a live process without starving it.
func WithReadLimit(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.lim = rate.NewLimiter(rate.Limit(n), 1)
		}
	}
}

// NewScanner builds a scanner on top of the given reader and region querier.
func NewScanner(r memory.Reader, q memory.Querier, opts ...Option) *Scanner {
	s := &Scanner{r: r, q: q, chunk: defaultChunkSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScanFirst locates the lowest address within the range at which the
// pattern matches. Absence of a match is reported with ErrPatternNotFound.
func (s *Scanner) ScanFirst(ctx context.Context, rng Range, p Pattern) (va.Address, error) {
	var match va.Address
	found := false
	err := s.ScanAll(ctx, rng, p, func(addr va.Address) bool {
		match = addr
		found = true
		return false
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, errs.ErrPatternNotFound
	}
	return match, nil
}

// ScanAll streams every match of the pattern within the range, in ascending
// address order, to the yield function. Returning false from yield stops
// the scan. The sweep is lazy, so stopping early avoids reading the rest
// of the range. If no byte of the range could be read at all the scan
// fails with ErrRegionUnreadable. A pattern longer than the range produces
// no matches.
func (s *Scanner) ScanAll(ctx context.Context, rng Range, p Pattern, yield func(va.Address) bool) error {
	plen := p.Len()
	if plen == 0 {
		return &errs.InvalidPatternError{Signature: p.String()}
	}
	if uint64(plen) > rng.Size {
		return nil
	}

	var (
		carry    []byte
		carryEnd va.Address
		readable bool
		regions  int
		scanned  uint64
	)

	cur := rng.Base
	for cur < rng.End() {
		reg, err := s.q.Query(cur)
		if err != nil {
			// The querier could not resolve the address. Step over the
			// page and keep going.
			carry = nil
			cur = cur.Inc(va.PageSize)
			continue
		}
		regions++
		clip := reg.End()
		if clip > rng.End() {
			clip = rng.End()
		}
		if clip <= cur {
			carry = nil
			cur = cur.Inc(va.PageSize)
			continue
		}
		if !reg.IsReadable() {
			carry = nil
			cur = clip
			continue
		}
		off := cur
		for off < clip {
			if s.lim != nil {
				if err := s.lim.Wait(ctx); err != nil {
					return err
				}
			} else if err := ctx.Err(); err != nil {
				return err
			}
			n := s.chunk
			if rem := clip.Uint64() - off.Uint64(); uint64(n) > rem {
				n = int(rem)
			}
			buf, rerr := s.r.ReadBytes(off, n)
			if len(buf) == 0 {
				carry = nil
				break
			}
			readable = true
			scanned += uint64(len(buf))
			bytesScanned.Add(int64(len(buf)))

			data := buf
			base := off
			if len(carry) > 0 && carryEnd == off {
				data = append(carry, buf...)
				base = va.Address(off.Uint64() - uint64(len(carry)))
			}
			for i := 0; i+plen <= len(data); i++ {
				if p.Match(data, i) {
					patternsFound.Add(1)
					if !yield(va.Address(base.Uint64() + uint64(i))) {
						return nil
					}
				}
			}
			if plen > 1 && len(data) >= plen-1 {
				carry = append(carry[:0:0], data[len(data)-(plen-1):]...)
				carryEnd = va.Address(off.Uint64() + uint64(len(buf)))
			} else {
				carry = nil
			}
			if rerr != nil {
				// Short read inside a readable region. The remainder of
				// the page is inaccessible, so resume past it.
				carry = nil
				off = va.Address(off.Uint64() + uint64(len(buf))).Inc(va.PageSize - 1)
				off = va.Address(off.Uint64() &^ uint64(va.PageSize-1))
				cur = off
				continue
			}
			off = off.Inc(uint64(n))
		}
		if off > cur {
			cur = off
		} else {
			cur = clip
		}
	}

	if !readable {
		return errs.ErrRegionUnreadable
	}
	log.Debugf("scanned %s across %d region(s) for pattern %q", humanize.Bytes(scanned), regions, p.String())
	return nil
}
