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


package policy

import (
    `fmt`
    `strings`
)

// Policy is an 8-bit identifier plus property bits. It is stored in the
// high 16 bits of mangled addresses.
type Policy uint16

const (
    _IDBits   = 8
    _PropBits = 6
    _IDMask   = 1 << _IDBits - 1
)

const (
    HostContext Policy = 1 << (_IDBits + iota)
    XMMContext
    ForceAttach
    ReturnTarget
    IndirectTarget
    FunctionEntry
)

const (
    Inherited   = HostContext | XMMContext | ForceAttach
    Temporary   = ReturnTarget | IndirectTarget | FunctionEntry
    callInherit = HostContext | ForceAttach
)

/* the encoding must fit in the unused address bits */
const (
    _ uint = 16 - (_IDBits + _PropBits)
    _ uint = 48 - AddrBits
)

const (
    AddrBits = 48
    AddrMask = 1 << AddrBits - 1
)

// New creates a policy from an identifier and properties.
func New(id uint8, props Policy) Policy {
    return Policy(id) | props &^ _IDMask
}

func (self Policy) ID() uint8           { return uint8(self & _IDMask) }
func (self Policy) Has(p Policy) bool   { return self & p == p }
func (self Policy) With(p Policy) Policy { return self | p &^ _IDMask }
func (self Policy) Without(p Policy) Policy { return self &^ (p &^ _IDMask) }

// Base strips the temporary properties.
func (self Policy) Base() Policy {
    return self &^ Temporary
}

// Equal compares identifiers only.
func (self Policy) Equal(other Policy) bool {
    return self.ID() == other.ID()
}

// Jmp is the policy a jump target inherits.
func (self Policy) Jmp() Policy {
    return self & (_IDMask | Inherited)
}

// Call is the policy a call target inherits.
func (self Policy) Call() Policy {
    return self & (_IDMask | callInherit) | FunctionEntry
}

// Return is the policy a return target inherits.
func (self Policy) Return() Policy {
    return self & (_IDMask | callInherit) | ReturnTarget
}

// Indirect marks a lookup from an indirect branch.
func (self Policy) Indirect() Policy {
    return self | IndirectTarget
}

var propNames = []struct { p Policy; s string } {
    { HostContext    , "host" },
    { XMMContext     , "xmm" },
    { ForceAttach    , "attach" },
    { ReturnTarget   , "ret" },
    { IndirectTarget , "ind" },
    { FunctionEntry  , "entry" },
}

func (self Policy) String() string {
    var sb strings.Builder
    sb.WriteString(fmt.Sprintf("policy(%d", self.ID()))
    for _, v := range propNames {
        if self.Has(v.p) {
            sb.WriteByte('|')
            sb.WriteString(v.s)
        }
    }
    sb.WriteByte(')')
    return sb.String()
}

// Mangle packs a native address and a policy into one 64-bit key.
func Mangle(native uint64, p Policy) uint64 {
    return native & AddrMask | uint64(p) << AddrBits
}

// Unmangle splits a key, sign-extending bit 47 of the address.
func Unmangle(key uint64) (uint64, Policy) {
    return uint64(int64(key << (64 - AddrBits)) >> (64 - AddrBits)), Policy(key >> AddrBits)
}
