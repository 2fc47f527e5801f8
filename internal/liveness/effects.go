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


package liveness

import (
    `github.com/cloudwego/mirage/internal/arch`
    `golang.org/x/arch/x86/x86asm`
)

// Effects is the register footprint of one instruction.
type Effects struct {
    Uses     arch.Mask
    Defs     arch.Mask
    Kills    arch.Mask
    UsesXMM  uint16
    DefsXMM  uint16
    KillsXMM uint16
}

type _DestKind uint8

const (
    _D_rmw _DestKind = iota
    _D_write
    _D_none
)

var destTable = map[x86asm.Op]_DestKind {
    x86asm.MOV     : _D_write,
    x86asm.MOVZX   : _D_write,
    x86asm.MOVSX   : _D_write,
    x86asm.MOVSXD  : _D_write,
    x86asm.LEA     : _D_write,
    x86asm.POP     : _D_write,
    x86asm.MOVAPS  : _D_write,
    x86asm.MOVAPD  : _D_write,
    x86asm.MOVUPS  : _D_write,
    x86asm.MOVUPD  : _D_write,
    x86asm.MOVDQA  : _D_write,
    x86asm.MOVDQU  : _D_write,
    x86asm.MOVQ    : _D_write,
    x86asm.MOVD    : _D_write,
    x86asm.CMP     : _D_none,
    x86asm.TEST    : _D_none,
    x86asm.PUSH    : _D_none,
    x86asm.BT      : _D_none,
    x86asm.UCOMISD : _D_none,
    x86asm.UCOMISS : _D_none,
    x86asm.NOP     : _D_none,
}

// zeroing idioms do not read their operands
var zeroTable = map[x86asm.Op]bool {
    x86asm.XOR  : true,
    x86asm.SUB  : true,
    x86asm.PXOR : true,
    x86asm.XORPS: true,
    x86asm.XORPD: true,
}

func (self *Effects) use(r arch.Reg)  { self.Uses |= arch.Bit(r) }
func (self *Effects) def(r arch.Reg)  { self.Defs |= arch.Bit(r) }
func (self *Effects) kill(r arch.Reg) { self.Defs |= arch.Bit(r); self.Kills |= arch.Bit(r) }

func (self *Effects) mem(m x86asm.Mem) {
    if op, ok := arch.Decode(m.Base); ok {
        self.use(op.Reg)
    }
    if op, ok := arch.Decode(m.Index); ok {
        self.use(op.Reg)
    }
}

func (self *Effects) source(a x86asm.Arg) {
    switch v := a.(type) {
        case x86asm.Mem: self.mem(v)
        case x86asm.Reg: {
            if op, ok := arch.Decode(v); ok {
                self.use(op.Reg)
            } else if x, ok := arch.XMM(v); ok {
                self.UsesXMM |= 1 << x
            }
        }
    }
}

func (self *Effects) dest(a x86asm.Arg, kind _DestKind) {
    switch v := a.(type) {
        case x86asm.Mem: self.mem(v)
        case x86asm.Reg: {
            if op, ok := arch.Decode(v); ok {
                switch {
                    case kind == _D_none                  : self.use(op.Reg)
                    case kind == _D_write && op.Size >= 4 : self.kill(op.Reg)
                    default                               : self.use(op.Reg); self.def(op.Reg)
                }
            } else if x, ok := arch.XMM(v); ok {
                switch kind {
                    case _D_none  : self.UsesXMM |= 1 << x
                    case _D_write : self.DefsXMM |= 1 << x; self.KillsXMM |= 1 << x
                    default       : self.UsesXMM |= 1 << x; self.DefsXMM |= 1 << x
                }
            }
        }
    }
}

func sameReg(a x86asm.Arg, b x86asm.Arg) bool {
    ra, ok1 := a.(x86asm.Reg)
    rb, ok2 := b.(x86asm.Reg)
    return ok1 && ok2 && ra == rb
}

// Analyze computes the register footprint of a non control transfer
// instruction.
func Analyze(p *x86asm.Inst) (ret Effects) {
    argc := 0
    for argc < len(p.Args) && p.Args[argc] != nil {
        argc++
    }

    /* zeroing idioms only define their destination */
    if argc == 2 && zeroTable[p.Op] && sameReg(p.Args[0], p.Args[1]) {
        ret.dest(p.Args[0], _D_write)
        ret.Uses, ret.UsesXMM = 0, 0
        return
    }

    /* instructions with implicit operands */
    if ret.implicit(p, argc) {
        return
    }

    /* the first operand is the destination */
    kind, ok := destTable[p.Op]
    if !ok {
        kind = _D_rmw
    }
    if _, ok := arch.CmovCond(p.Op); ok {
        kind = _D_rmw
    } else if _, ok = arch.SetccCond(p.Op); ok {
        kind = _D_rmw
    }
    if p.Op == x86asm.IMUL && argc == 3 {
        kind = _D_write
    }
    if argc != 0 {
        ret.dest(p.Args[0], kind)
    }

    /* everything else is read, XCHG and XADD write both */
    for i := 1; i < argc; i++ {
        ret.source(p.Args[i])
        if p.Op == x86asm.XCHG || p.Op == x86asm.XADD {
            ret.dest(p.Args[i], _D_rmw)
        }
    }
    return
}

func (self *Effects) implicit(p *x86asm.Inst, argc int) bool {
    rax, rdx, rcx := arch.RAX, arch.RDX, arch.RCX
    switch p.Op {
        case x86asm.MUL, x86asm.DIV, x86asm.IDIV: {
            self.source(p.Args[0])
            self.use(rax); self.def(rax); self.def(rdx)
            if p.Op != x86asm.MUL {
                self.use(rdx)
            }
            return true
        }
        case x86asm.IMUL: {
            if argc != 1 {
                return false
            }
            self.source(p.Args[0])
            self.use(rax); self.def(rax); self.def(rdx)
            return true
        }
        case x86asm.CQO, x86asm.CDQ, x86asm.CWD: {
            self.use(rax)
            if p.Op == x86asm.CWD { self.use(rdx); self.def(rdx) } else { self.kill(rdx) }
            return true
        }
        case x86asm.CDQE, x86asm.CWDE, x86asm.CBW: {
            self.use(rax); self.def(rax)
            return true
        }
        case x86asm.CMPXCHG: {
            self.use(rax); self.def(rax)
            self.dest(p.Args[0], _D_rmw)
            self.source(p.Args[1])
            return true
        }
        case x86asm.LEAVE: {
            self.use(arch.RBP); self.def(arch.RBP)
            return true
        }
        case x86asm.SHL, x86asm.SHR, x86asm.SAR, x86asm.ROL, x86asm.ROR: {
            self.dest(p.Args[0], _D_rmw)
            if argc > 1 {
                self.source(p.Args[1])
            }
            return true
        }
        case x86asm.CPUID: {
            self.use(rax); self.use(rcx)
            self.kill(rax); self.kill(arch.RBX); self.kill(rcx); self.kill(rdx)
            return true
        }
        case x86asm.SYSCALL: {
            self.Uses = arch.AllRegs
            self.def(rax); self.def(rcx); self.def(arch.R11)
            return true
        }
    }

    /* string instructions */
    if !arch.IsString(p) {
        return false
    }
    switch p.Op {
        case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ: {
            self.use(arch.RSI); self.def(arch.RSI)
            self.use(arch.RDI); self.def(arch.RDI)
        }
        case x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ: {
            self.use(rax)
            self.use(arch.RDI); self.def(arch.RDI)
        }
        default: {
            self.use(arch.RSI); self.def(arch.RSI)
            self.def(rax)
            self.use(rax)
        }
    }
    if arch.HasRep(p) || arch.HasRepn(p) {
        self.use(rcx); self.def(rcx)
    }
    return true
}
