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


package vm

import (
    `github.com/cloudwego/mirage/internal/arch`
    `golang.org/x/arch/x86/x86asm`
)

func sizeMask(size int) uint64 {
    if size >= 8 {
        return ^uint64(0)
    } else {
        return 1 << (uint(size) * 8) - 1
    }
}

func signBit(size int) uint64 {
    return 1 << (uint(size) * 8 - 1)
}

func signExtend(v uint64, size int) uint64 {
    if size >= 8 {
        return v
    }
    sh := 64 - uint(size) * 8
    return uint64(int64(v << sh) >> sh)
}

func unsupported(p *x86asm.Inst, note string) error {
    return &Fault { Kind: FaultUnsupported, Note: p.Op.String() + ": " + note }
}

// argSize returns the width of an operand in bytes, 0 for immediates.
func argSize(p *x86asm.Inst, a x86asm.Arg) int {
    switch v := a.(type) {
        case x86asm.Reg: {
            if op, ok := arch.Decode(v); ok {
                return op.Size
            } else {
                return 0
            }
        }
        case x86asm.Mem : return p.MemBytes
        default         : return 0
    }
}

func (self *CPU) getReg(op arch.Operand) uint64 {
    v := self.Regs[op.Reg]
    if op.High {
        return (v >> 8) & 0xff
    } else {
        return v & sizeMask(op.Size)
    }
}

func (self *CPU) setReg(op arch.Operand, v uint64) {
    p := &self.Regs[op.Reg]
    switch {
        case op.High     : *p = (*p &^ 0xff00) | (v & 0xff) << 8
        case op.Size == 8: *p = v
        case op.Size == 4: *p = v & 0xffffffff
        default          : *p = (*p &^ sizeMask(op.Size)) | (v & sizeMask(op.Size))
    }
}

// ea computes the effective address of a memory operand. RIP must already
// point at the next instruction.
func (self *CPU) ea(p *x86asm.Inst, m x86asm.Mem) (uint64, error) {
    if m.Segment == x86asm.FS || m.Segment == x86asm.GS {
        return 0, unsupported(p, "segment override")
    }
    addr := uint64(arch.Disp(p, m))
    switch {
        case m.Base == x86asm.RIP: addr += self.RIP
        case m.Base != 0: {
            if op, ok := arch.Decode(m.Base); !ok {
                return 0, unsupported(p, "base register")
            } else {
                addr += self.Regs[op.Reg]
            }
        }
    }
    if m.Index != 0 {
        if op, ok := arch.Decode(m.Index); !ok {
            return 0, unsupported(p, "index register")
        } else {
            addr += self.Regs[op.Reg] * uint64(m.Scale)
        }
    }
    if p.AddrSize == 32 {
        addr &= 0xffffffff
    }
    return addr, nil
}

// read loads an operand of the given width. Immediates are truncated to it.
func (self *CPU) read(p *x86asm.Inst, a x86asm.Arg, size int) (uint64, error) {
    switch v := a.(type) {
        case x86asm.Imm: {
            return uint64(int64(v)) & sizeMask(size), nil
        }
        case x86asm.Reg: {
            if op, ok := arch.Decode(v); !ok {
                return 0, unsupported(p, "register " + v.String())
            } else {
                return self.getReg(op) & sizeMask(size), nil
            }
        }
        case x86asm.Mem: {
            if addr, err := self.ea(p, v); err != nil {
                return 0, err
            } else {
                return self.Mem.Load(addr, size)
            }
        }
        default: {
            return 0, unsupported(p, "operand")
        }
    }
}

// write stores an operand of the given width, 32-bit register writes zero
// extend into the full register.
func (self *CPU) write(p *x86asm.Inst, a x86asm.Arg, size int, val uint64) error {
    switch v := a.(type) {
        case x86asm.Reg: {
            if op, ok := arch.Decode(v); !ok {
                return unsupported(p, "register " + v.String())
            } else {
                op.Size = size
                self.setReg(op, val)
                return nil
            }
        }
        case x86asm.Mem: {
            if addr, err := self.ea(p, v); err != nil {
                return err
            } else {
                return self.Mem.Store(addr, val, size)
            }
        }
        default: {
            return unsupported(p, "destination")
        }
    }
}

func (self *CPU) flag(f uint64) bool {
    return self.Flags & f != 0
}

func (self *CPU) setFlag(f uint64, v bool) {
    if v {
        self.Flags |= f
    } else {
        self.Flags &^= f
    }
}

func parity(v uint64) bool {
    n := 0
    for b := uint8(v); b != 0; b &= b - 1 {
        n++
    }
    return n & 1 == 0
}

func (self *CPU) setSZP(res uint64, size int) {
    res &= sizeMask(size)
    self.setFlag(arch.FlagZF, res == 0)
    self.setFlag(arch.FlagSF, res & signBit(size) != 0)
    self.setFlag(arch.FlagPF, parity(res))
}

func (self *CPU) flagsAdd(a uint64, b uint64, c uint64, res uint64, size int) {
    m := sizeMask(size)
    a, b, res = a & m, b & m, res & m
    self.setSZP(res, size)
    self.setFlag(arch.FlagCF, res < a || (c != 0 && res == a))
    self.setFlag(arch.FlagOF, (a ^ res) & (b ^ res) & signBit(size) != 0)
    self.setFlag(arch.FlagAF, (a ^ b ^ res) & 0x10 != 0)
}

func (self *CPU) flagsSub(a uint64, b uint64, c uint64, res uint64, size int) {
    m := sizeMask(size)
    a, b, res = a & m, b & m, res & m
    self.setSZP(res, size)
    self.setFlag(arch.FlagCF, a < b || (c != 0 && a == b))
    self.setFlag(arch.FlagOF, (a ^ b) & (a ^ res) & signBit(size) != 0)
    self.setFlag(arch.FlagAF, (a ^ b ^ res) & 0x10 != 0)
}

func (self *CPU) flagsLogic(res uint64, size int) {
    self.setSZP(res, size)
    self.setFlag(arch.FlagCF, false)
    self.setFlag(arch.FlagOF, false)
    self.setFlag(arch.FlagAF, false)
}
