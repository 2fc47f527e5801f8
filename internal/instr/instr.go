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


package instr

import (
    `fmt`

    `github.com/chenzhuoyu/iasm/x86_64`
    `github.com/cloudwego/mirage/internal/arch`
    `golang.org/x/arch/x86/x86asm`
)

type Kind uint8

const (
    Native Kind = iota
    Assembled
    Branch
    Indirect
    Label
    Data
    HitInc
    Address
)

// State is the provenance of a byte inside a translated block.
type State uint8

const (
    StateNative State = iota
    StateMangled
    StateInstrumented
    StatePadding
)

var stateNames = [...]string {
    StateNative       : "native",
    StateMangled      : "mangled",
    StateInstrumented : "instrumented",
    StatePadding      : "padding",
}

func (self State) String() string {
    return stateNames[self & 3]
}

// Op selects the encoding of branch and indirect instructions.
type Op uint8

const (
    OpJmp Op = iota
    OpCall
    OpJcc
    OpJrcxz
    OpJecxz
)

// Instr is one instruction of a block under construction.
type Instr struct {
    Kind      Kind
    State     State
    Op        Op
    Cond      arch.Cond
    Reg       arch.Reg
    Patchable bool
    PC        uint64
    Raw       []byte
    Inst      x86asm.Inst
    Target    uint64
    Ref       *Instr
    Align     int
    Addr      uint64
    Pad       int
    Prev      *Instr
    Next      *Instr
    degraded  bool
}

func (self *Instr) Mangled()      *Instr { self.State = StateMangled; return self }
func (self *Instr) Instrumented() *Instr { self.State = StateInstrumented; return self }
func (self *Instr) Hot()          *Instr { self.Patchable = true; return self }
func (self *Instr) To(l *Instr)   *Instr { self.Ref = l; return self }

// FromNative wraps a decoded application instruction.
func FromNative(pc uint64, raw []byte, ins x86asm.Inst) *Instr {
    return &Instr {
        Kind  : Native,
        State : StateNative,
        PC    : pc,
        Raw   : raw[:ins.Len:ins.Len],
        Inst  : ins,
    }
}

// Asm assembles a position independent sequence with iasm.
func Asm(fn func(p *x86_64.Program)) *Instr {
    p := x86_64.DefaultArch.CreateProgram()
    defer p.Free()
    fn(p)
    return &Instr { Kind: Assembled, State: StateMangled, Raw: p.Assemble(0) }
}

// Bytes wraps raw synthetic machine code.
func Bytes(buf ...byte) *Instr {
    return &Instr { Kind: Assembled, State: StateMangled, Raw: buf }
}

func Jmp(to uint64)  *Instr { return &Instr { Kind: Branch, State: StateMangled, Op: OpJmp, Target: to } }
func Call(to uint64) *Instr { return &Instr { Kind: Branch, State: StateMangled, Op: OpCall, Target: to } }
func Jrcxz()         *Instr { return &Instr { Kind: Branch, State: StateMangled, Op: OpJrcxz } }
func Jecxz()         *Instr { return &Instr { Kind: Branch, State: StateMangled, Op: OpJecxz } }

func Jcc(cc arch.Cond, to uint64) *Instr {
    return &Instr { Kind: Branch, State: StateMangled, Op: OpJcc, Cond: cc, Target: to }
}

// IndirectJmp jumps through an 8-byte literal.
func IndirectJmp(lit *Instr) *Instr {
    return &Instr { Kind: Indirect, State: StateMangled, Op: OpJmp, Ref: lit }
}

// IndirectCall calls through an 8-byte literal.
func IndirectCall(lit *Instr) *Instr {
    return &Instr { Kind: Indirect, State: StateMangled, Op: OpCall, Ref: lit }
}

func NewLabel() *Instr {
    return &Instr { Kind: Label, State: StateMangled }
}

// Quad is an 8-byte aligned literal.
func Quad(v uint64) *Instr {
    buf := make([]byte, 8)
    for i := range buf {
        buf[i] = byte(v >> (i * 8))
    }
    return &Instr { Kind: Data, State: StateMangled, Raw: buf, Align: 8 }
}

// LoadAddr computes the address of a label into a register.
func LoadAddr(reg arch.Reg, l *Instr) *Instr {
    return &Instr { Kind: Address, State: StateMangled, Reg: reg, Ref: l }
}

// Counter increments the 32-bit counter at addr with a locked instruction.
func Counter(addr uint64) *Instr {
    return &Instr { Kind: HitInc, State: StateInstrumented, Target: addr }
}

// IsCTI reports whether a native instruction transfers control.
func (self *Instr) IsCTI() bool {
    return self.Kind == Native && arch.Classify(&self.Inst) != arch.NotCTI
}

// Dest is the absolute target of a branch, following its label if any.
func (self *Instr) Dest() uint64 {
    if self.Ref != nil {
        return self.Ref.Addr
    } else {
        return self.Target
    }
}

// Size is the encoded size, excluding padding.
func (self *Instr) Size() int {
    switch self.Kind {
        case Native: {
            if self.degraded {
                return 10
            } else {
                return len(self.Raw)
            }
        }
        case Branch: {
            switch self.Op {
                case OpJcc   : return 6
                case OpJrcxz : return 2
                case OpJecxz : return 3
                default      : return 5
            }
        }
        case Indirect : return 6
        case HitInc   : return 7
        case Address  : return 7
        case Label    : return 0
        default       : return len(self.Raw)
    }
}

func (self *Instr) String() string {
    switch self.Kind {
        case Native: {
            return x86asm.GNUSyntax(self.Inst, self.PC, nil)
        }
        case Branch: {
            switch self.Op {
                case OpJcc   : return fmt.Sprintf("j%s %#x", self.Cond, self.Dest())
                case OpJrcxz : return fmt.Sprintf("jrcxz %#x", self.Dest())
                case OpJecxz : return fmt.Sprintf("jecxz %#x", self.Dest())
                case OpCall  : return fmt.Sprintf("call %#x", self.Dest())
                default      : return fmt.Sprintf("jmp %#x", self.Dest())
            }
        }
        case Indirect: {
            if self.Op == OpCall {
                return fmt.Sprintf("call *%#x", self.Dest())
            } else {
                return fmt.Sprintf("jmp *%#x", self.Dest())
            }
        }
        case Label     : return fmt.Sprintf("L_%x:", self.Addr)
        case Data      : return fmt.Sprintf(".quad % x", self.Raw)
        case HitInc    : return fmt.Sprintf("lock incl %#x", self.Target)
        case Address   : return fmt.Sprintf("lea %s, %#x", self.Reg, self.Dest())
        default        : return fmt.Sprintf(".code % x", self.Raw)
    }
}
