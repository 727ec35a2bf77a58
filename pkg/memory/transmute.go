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

package memory

import (
	"reflect"
	"unsafe"

	"github.com/boresic/grapple/pkg/errs"
	"github.com/boresic/grapple/pkg/va"
)

// Transmutable is the capability a struct type must declare before the
// typed accessor agrees to move it across the process boundary. By
// implementing the marker the type asserts it has a fixed known size, no
// padding and no embedded pointers whose target lives in another address
// space. The assertion is still verified with reflection before every
// transfer, so a type that lies about its layout is rejected rather than
// silently producing garbage.
type Transmutable interface {
	Transmutable()
}

// Read copies sizeof(T) bytes from the foreign address and reinterprets
// them as a value of type T. T is restricted to fixed-size plain data:
// numeric types, booleans, arrays of those, and struct types declaring
// the Transmutable capability.
func Read[T any](r Reader, addr va.Address) (T, error) {
	var v T
	if err := ensureTransmutable(v); err != nil {
		return v, err
	}
	size := int(unsafe.Sizeof(v))
	b, err := r.ReadBytes(addr, size)
	if err != nil {
		return v, err
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&v)), size), b)
	return v, nil
}

// Write copies the in-memory representation of the value to the foreign
// address. The same plain-data restrictions as for Read apply.
func Write[T any](w Writer, addr va.Address, v T) error {
	if err := ensureTransmutable(v); err != nil {
		return err
	}
	size := int(unsafe.Sizeof(v))
	b := make([]byte, size)
	copy(b, unsafe.Slice((*byte)(unsafe.Pointer(&v)), size))
	return w.WriteBytes(addr, b)
}

func ensureTransmutable(v any) error {
	t := reflect.TypeOf(v)
	if t == nil {
		return &errs.UntransmutableTypeError{Type: "<nil>", Reason: "no concrete type"}
	}
	if reason := layoutViolation(t); reason != "" {
		return &errs.UntransmutableTypeError{Type: t.String(), Reason: reason}
	}
	if t.Kind() == reflect.Struct {
		if _, ok := v.(Transmutable); !ok {
			return &errs.UntransmutableTypeError{Type: t.String(), Reason: "struct doesn't declare the Transmutable capability"}
		}
	}
	return nil
}

// layoutViolation walks the type and returns a non-empty reason when the
// layout can't be reproduced byte for byte in another address space:
// reference kinds whose payload lives behind a local pointer, or struct
// padding whose content is unspecified.
func layoutViolation(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Int,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return ""
	case reflect.Array:
		return layoutViolation(t.Elem())
	case reflect.Struct:
		var fields uintptr
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if reason := layoutViolation(f.Type); reason != "" {
				return "field " + f.Name + ": " + reason
			}
			fields += f.Type.Size()
		}
		if fields != t.Size() {
			return "struct has padding"
		}
		return ""
	case reflect.Ptr, reflect.UnsafePointer:
		return "contains a pointer"
	case reflect.Slice, reflect.String, reflect.Map, reflect.Chan, reflect.Func, reflect.Interface:
		return "contains a " + t.Kind().String() + " header"
	default:
		return "unsupported kind " + t.Kind().String()
	}
}
