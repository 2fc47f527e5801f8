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


package arch

import (
    `golang.org/x/arch/x86/x86asm`
)

// Cond is a condition code in hardware encoding order (the low nibble of
// the Jcc, SETcc and CMOVcc opcodes).
type Cond uint8

const (
    CondO Cond = iota
    CondNO
    CondB
    CondAE
    CondE
    CondNE
    CondBE
    CondA
    CondS
    CondNS
    CondP
    CondNP
    CondL
    CondGE
    CondLE
    CondG
)

const (
    FlagCF uint64 = 1 << 0
    FlagPF uint64 = 1 << 2
    FlagAF uint64 = 1 << 4
    FlagZF uint64 = 1 << 6
    FlagSF uint64 = 1 << 7
    FlagDF uint64 = 1 << 10
    FlagOF uint64 = 1 << 11
)

var condNames = [16]string {
    "o", "no", "b", "ae", "e", "ne", "be", "a", "s", "ns", "p", "np", "l", "ge", "le", "g",
}

func (self Cond) String() string {
    return condNames[self & 15]
}

// Invert returns the negated condition.
func (self Cond) Invert() Cond {
    return self ^ 1
}

// Eval tests the condition against an RFLAGS value.
func (self Cond) Eval(flags uint64) bool {
    cf := flags & FlagCF != 0
    zf := flags & FlagZF != 0
    sf := flags & FlagSF != 0
    of := flags & FlagOF != 0
    pf := flags & FlagPF != 0
    var r bool
    switch self &^ 1 {
        case CondO  : r = of
        case CondB  : r = cf
        case CondE  : r = zf
        case CondBE : r = cf || zf
        case CondS  : r = sf
        case CondP  : r = pf
        case CondL  : r = sf != of
        case CondLE : r = zf || sf != of
    }
    return r != (self & 1 != 0)
}

var jccTable = map[x86asm.Op]Cond {
    x86asm.JO  : CondO,
    x86asm.JNO : CondNO,
    x86asm.JB  : CondB,
    x86asm.JAE : CondAE,
    x86asm.JE  : CondE,
    x86asm.JNE : CondNE,
    x86asm.JBE : CondBE,
    x86asm.JA  : CondA,
    x86asm.JS  : CondS,
    x86asm.JNS : CondNS,
    x86asm.JP  : CondP,
    x86asm.JNP : CondNP,
    x86asm.JL  : CondL,
    x86asm.JGE : CondGE,
    x86asm.JLE : CondLE,
    x86asm.JG  : CondG,
}

var setccTable = map[x86asm.Op]Cond {
    x86asm.SETO  : CondO,
    x86asm.SETNO : CondNO,
    x86asm.SETB  : CondB,
    x86asm.SETAE : CondAE,
    x86asm.SETE  : CondE,
    x86asm.SETNE : CondNE,
    x86asm.SETBE : CondBE,
    x86asm.SETA  : CondA,
    x86asm.SETS  : CondS,
    x86asm.SETNS : CondNS,
    x86asm.SETP  : CondP,
    x86asm.SETNP : CondNP,
    x86asm.SETL  : CondL,
    x86asm.SETGE : CondGE,
    x86asm.SETLE : CondLE,
    x86asm.SETG  : CondG,
}

var cmovTable = map[x86asm.Op]Cond {
    x86asm.CMOVO  : CondO,
    x86asm.CMOVNO : CondNO,
    x86asm.CMOVB  : CondB,
    x86asm.CMOVAE : CondAE,
    x86asm.CMOVE  : CondE,
    x86asm.CMOVNE : CondNE,
    x86asm.CMOVBE : CondBE,
    x86asm.CMOVA  : CondA,
    x86asm.CMOVS  : CondS,
    x86asm.CMOVNS : CondNS,
    x86asm.CMOVP  : CondP,
    x86asm.CMOVNP : CondNP,
    x86asm.CMOVL  : CondL,
    x86asm.CMOVGE : CondGE,
    x86asm.CMOVLE : CondLE,
    x86asm.CMOVG  : CondG,
}

// JccCond returns the condition of a conditional jump.
func JccCond(op x86asm.Op) (Cond, bool) {
    c, ok := jccTable[op]
    return c, ok
}

// SetccCond returns the condition of a SETcc instruction.
func SetccCond(op x86asm.Op) (Cond, bool) {
    c, ok := setccTable[op]
    return c, ok
}

// CmovCond returns the condition of a CMOVcc instruction.
func CmovCond(op x86asm.Op) (Cond, bool) {
    c, ok := cmovTable[op]
    return c, ok
}
