/*
 * Copyright 2021 ByteDance Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package utils

import (
    `fmt`

    `github.com/pkg/errors`
)

// FaultKind classifies an unrecoverable engine condition.
type FaultKind uint8

const (
    FaultDecode FaultKind = iota + 1
    FaultAddress
    FaultExhausted
    FaultPatch
    FaultAllocator
    FaultPolicy
    FaultInvariant
)

var faultNames = [...]string {
    FaultDecode    : "undecodable instruction",
    FaultAddress   : "invalid address",
    FaultExhausted : "memory exhausted",
    FaultPatch     : "hot-patch failure",
    FaultAllocator : "allocator misuse",
    FaultPolicy    : "missing policy",
    FaultInvariant : "invariant violated",
}

func (self FaultKind) String() string {
    if int(self) < len(faultNames) && faultNames[self] != "" {
        return faultNames[self]
    } else {
        return fmt.Sprintf("fault(%d)", self)
    }
}

// Fault is the value the engine panics with when an architectural
// invariant is violated. There is no recovery path inside the engine.
type Fault struct {
    Kind FaultKind
    Addr uint64
    err  error
}

func (self *Fault) Error() string {
    return fmt.Sprintf("mirage: %s at %#x: %v", self.Kind, self.Addr, self.err)
}

func (self *Fault) Unwrap() error {
    return self.err
}

// Cause returns the underlying error, which carries the stack of the
// faulting call site.
func (self *Fault) Cause() error {
    return self.err
}

func newFault(kind FaultKind, addr uint64, err error) *Fault {
    return &Fault {
        Kind : kind,
        Addr : addr,
        err  : err,
    }
}

// Throw raises a fault. It never returns.
func Throw(kind FaultKind, addr uint64, format string, args ...interface{}) {
    panic(newFault(kind, addr, errors.Errorf(format, args...)))
}

func EDecode(pc uint64, err error) *Fault {
    return newFault(FaultDecode, pc, errors.Wrap(err, "cannot decode"))
}

func EAddress(addr uint64, note string) *Fault {
    return newFault(FaultAddress, addr, errors.New(note))
}

func EExhausted(zone string, addr uint64, size uint64) *Fault {
    return newFault(FaultExhausted, addr, errors.Errorf("%s: cannot allocate %d bytes", zone, size))
}

func EPatch(site uint64, reason string) *Fault {
    return newFault(FaultPatch, site, errors.New(reason))
}

func EAllocator(addr uint64, reason string) *Fault {
    return newFault(FaultAllocator, addr, errors.New(reason))
}

func EPolicy(id uint8) *Fault {
    return newFault(FaultPolicy, uint64(id), errors.Errorf("policy %d is not registered", id))
}

// AsFault converts a recovered panic value into a fault, or returns nil if
// the value is not one.
func AsFault(v interface{}) *Fault {
    if f, ok := v.(*Fault); ok {
        return f
    } else {
        return nil
    }
}
