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

// CTI classifies a control transfer instruction.
type CTI uint8

const (
    NotCTI CTI = iota
    DirectJmp
    DirectCall
    DirectJcc
    IndirectJmp
    IndirectCall
    Return
    FarTransfer
    Loop
)

var ctiNames = [...]string {
    NotCTI       : "none",
    DirectJmp    : "jmp",
    DirectCall   : "call",
    DirectJcc    : "jcc",
    IndirectJmp  : "jmp*",
    IndirectCall : "call*",
    Return       : "ret",
    FarTransfer  : "far",
    Loop         : "loop",
}

func (self CTI) String() string {
    return ctiNames[self]
}

// IsDirect reports whether the target is encoded in the instruction.
func (self CTI) IsDirect() bool {
    return self == DirectJmp || self == DirectCall || self == DirectJcc || self == Loop
}

// IsIndirect reports whether the target is only known at run time.
func (self CTI) IsIndirect() bool {
    return self == IndirectJmp || self == IndirectCall || self == Return
}

// IsCall reports whether the instruction pushes a return address.
func (self CTI) IsCall() bool {
    return self == DirectCall || self == IndirectCall
}

var loopTable = map[x86asm.Op]bool {
    x86asm.LOOP   : true,
    x86asm.LOOPE  : true,
    x86asm.LOOPNE : true,
    x86asm.JRCXZ  : true,
    x86asm.JECXZ  : true,
    x86asm.JCXZ   : true,
}

var farTable = map[x86asm.Op]bool {
    x86asm.IRET   : true,
    x86asm.IRETD  : true,
    x86asm.IRETQ  : true,
    x86asm.SYSRET : true,
    x86asm.LRET   : true,
    x86asm.LCALL  : true,
    x86asm.LJMP   : true,
}

// Classify returns the control transfer kind of an instruction.
func Classify(p *x86asm.Inst) CTI {
    switch {
        case p.Op == x86asm.RET  : return Return
        case p.Op == x86asm.CALL : return pick(p, DirectCall, IndirectCall)
        case p.Op == x86asm.JMP  : return pick(p, DirectJmp, IndirectJmp)
        case loopTable[p.Op]     : return Loop
        case farTable[p.Op]      : return FarTransfer
    }
    if _, ok := jccTable[p.Op]; ok {
        return DirectJcc
    } else {
        return NotCTI
    }
}

func pick(p *x86asm.Inst, direct CTI, indirect CTI) CTI {
    if _, ok := p.Args[0].(x86asm.Rel); ok {
        return direct
    } else {
        return indirect
    }
}

// Target computes the absolute target of a relative branch at pc.
func Target(p *x86asm.Inst, pc uint64) uint64 {
    if rel, ok := p.Args[0].(x86asm.Rel); !ok {
        panic("arch: branch is not relative")
    } else {
        return pc + uint64(p.Len) + uint64(int64(rel))
    }
}

// HasRep reports whether the instruction carries an unconditional REP prefix.
func HasRep(p *x86asm.Inst) bool {
    return hasPrefix(p, x86asm.PrefixREP)
}

// HasRepn reports whether the instruction carries a REPNE prefix.
func HasRepn(p *x86asm.Inst) bool {
    return hasPrefix(p, x86asm.PrefixREPN)
}

// HasLock reports whether the instruction carries a LOCK prefix.
func HasLock(p *x86asm.Inst) bool {
    return hasPrefix(p, x86asm.PrefixLOCK)
}

func hasPrefix(p *x86asm.Inst, v x86asm.Prefix) bool {
    for _, x := range p.Prefix {
        if x == 0 {
            break
        }
        if x & 0xff == v {
            return true
        }
    }
    return false
}

// IsString reports whether the instruction is a MOVS, STOS or LODS.
func IsString(p *x86asm.Inst) bool {
    switch p.Op {
        case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ : return true
        case x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ : return true
        case x86asm.LODSB, x86asm.LODSW, x86asm.LODSD, x86asm.LODSQ : return true
        default                                                      : return false
    }
}
