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
    `math/bits`
    `strings`

    `github.com/chenzhuoyu/iasm/x86_64`
    `golang.org/x/arch/x86/x86asm`
)

// Reg is a general purpose register number in hardware encoding order.
type Reg uint8

const (
    RAX Reg = iota
    RCX
    RDX
    RBX
    RSP
    RBP
    RSI
    RDI
    R8
    R9
    R10
    R11
    R12
    R13
    R14
    R15
)

const (
    NoReg Reg = 0xff
)

var regNames = [16]string {
    "rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
    "r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (self Reg) String() string {
    if self < 16 {
        return regNames[self]
    } else {
        return "none"
    }
}

// Mask is a set of registers, one bit per register number.
type Mask uint16

const (
    AllRegs     Mask = 0xffff
    ArgRegs     Mask = 1 << RDI | 1 << RSI | 1 << RDX | 1 << RCX | 1 << R8 | 1 << R9
    RetRegs     Mask = 1 << RAX | 1 << RDX
    CalleeSaved Mask = 1 << RBX | 1 << RBP | 1 << R12 | 1 << R13 | 1 << R14 | 1 << R15
    CallerSaved Mask = AllRegs &^ CalleeSaved &^ (1 << RSP)
    ForceLive   Mask = 1 << RSP
)

func Bit(r Reg) Mask {
    return 1 << r
}

func (self Mask) Has(r Reg) bool {
    return r < 16 && self & (1 << r) != 0
}

func (self Mask) Count() int {
    return bits.OnesCount16(uint16(self))
}

// Regs lists the registers in ascending order.
func (self Mask) Regs() []Reg {
    ret := make([]Reg, 0, self.Count())
    for m := uint16(self); m != 0; m &= m - 1 {
        ret = append(ret, Reg(bits.TrailingZeros16(m)))
    }
    return ret
}

func (self Mask) String() string {
    var sb strings.Builder
    sb.WriteByte('{')
    for i, r := range self.Regs() {
        if i != 0 {
            sb.WriteByte(',')
        }
        sb.WriteString(r.String())
    }
    sb.WriteByte('}')
    return sb.String()
}

// Operand describes a decoded general purpose register operand.
type Operand struct {
    Reg  Reg
    Size int
    High bool
}

// Decode maps an x86asm register to its register number and width. High is
// set for AH, CH, DH and BH.
func Decode(r x86asm.Reg) (Operand, bool) {
    switch {
        case r >= x86asm.AL && r <= x86asm.R15B: {
            i := int(r - x86asm.AL)
            switch {
                case i < 4  : return Operand { Reg: Reg(i), Size: 1 }, true
                case i < 8  : return Operand { Reg: Reg(i - 4), Size: 1, High: true }, true
                default     : return Operand { Reg: Reg(i - 4), Size: 1 }, true
            }
        }
        case r >= x86asm.AX  && r <= x86asm.R15W : return Operand { Reg: Reg(r - x86asm.AX),  Size: 2 }, true
        case r >= x86asm.EAX && r <= x86asm.R15L : return Operand { Reg: Reg(r - x86asm.EAX), Size: 4 }, true
        case r >= x86asm.RAX && r <= x86asm.R15  : return Operand { Reg: Reg(r - x86asm.RAX), Size: 8 }, true
        default                                  : return Operand {}, false
    }
}

// XMM maps an x86asm vector register to its number.
func XMM(r x86asm.Reg) (int, bool) {
    if r >= x86asm.X0 && r <= x86asm.X15 {
        return int(r - x86asm.X0), true
    } else {
        return 0, false
    }
}

// Disp returns the displacement of a memory operand of p. The decoder keeps
// disp32 zero-extended, only the moffs forms of MOV carry a full 64-bit
// address.
func Disp(p *x86asm.Inst, m x86asm.Mem) int64 {
    if op := p.Opcode >> 24; op >= 0xa0 && op <= 0xa3 && m.Base == 0 && m.Index == 0 {
        return m.Disp
    } else {
        return int64(int32(m.Disp))
    }
}

// Full returns the 64-bit x86asm name of a register.
func (self Reg) Full() x86asm.Reg {
    return x86asm.RAX + x86asm.Reg(self)
}

var iasmRegs = [16]x86_64.Register64 {
    x86_64.RAX, x86_64.RCX, x86_64.RDX, x86_64.RBX,
    x86_64.RSP, x86_64.RBP, x86_64.RSI, x86_64.RDI,
    x86_64.R8,  x86_64.R9,  x86_64.R10, x86_64.R11,
    x86_64.R12, x86_64.R13, x86_64.R14, x86_64.R15,
}

// R64 returns the assembler operand of a register.
func (self Reg) R64() x86_64.Register64 {
    return iasmRegs[self]
}
