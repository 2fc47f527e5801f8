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
    `fmt`

    `github.com/cloudwego/mirage/internal/arch`
    `golang.org/x/arch/x86/x86asm`
)

const (
    _MaxInstrLen = 15
)

var argRegs = [6]arch.Reg {
    arch.RDI, arch.RSI, arch.RDX, arch.RCX, arch.R8, arch.R9,
}

// CPU interprets x86-64 code against a Memory.
type CPU struct {
    Mem    *Memory
    Gates  *Gates
    Regs   [16]uint64
    RIP    uint64
    Flags  uint64
    Slot   int
    Steps  uint64
    Trace  func(c *CPU, pc uint64, p *x86asm.Inst)
    halted bool
    buf    [_MaxInstrLen]byte
}

// NewCPU creates a CPU bound to an engine CPU slot.
func NewCPU(mem *Memory, gates *Gates, slot int) *CPU {
    return &CPU {
        Mem   : mem,
        Gates : gates,
        Slot  : slot,
        Flags : 2,
    }
}

func (self *CPU) Reg(r arch.Reg) uint64 {
    return self.Regs[r]
}

func (self *CPU) SetReg(r arch.Reg, v uint64) {
    self.Regs[r] = v
}

// Arg returns the i-th SysV integer argument.
func (self *CPU) Arg(i int) uint64 {
    return self.Regs[argRegs[i]]
}

func (self *CPU) Push(v uint64) error {
    sp := self.Regs[arch.RSP] - 8
    if err := self.Mem.Store64(sp, v); err != nil {
        return err
    }
    self.Regs[arch.RSP] = sp
    return nil
}

func (self *CPU) Pop() (uint64, error) {
    v, err := self.Mem.Load64(self.Regs[arch.RSP])
    if err != nil {
        return 0, err
    }
    self.Regs[arch.RSP] += 8
    return v, nil
}

// Call runs a function at entry with up to six integer arguments until it
// returns to the halt gate, and returns RAX. A zero limit means no step budget.
func (self *CPU) Call(entry uint64, limit uint64, args ...uint64) (uint64, error) {
    if len(args) > len(argRegs) {
        return 0, fmt.Errorf("vm: too many arguments: %d", len(args))
    }
    for i, v := range args {
        self.Regs[argRegs[i]] = v
    }
    if err := self.Push(self.Gates.Halt()); err != nil {
        return 0, err
    }
    self.RIP = entry
    self.halted = false
    if err := self.Run(limit); err != nil {
        return 0, err
    }
    return self.Regs[arch.RAX], nil
}

// Run steps the CPU until it halts.
func (self *CPU) Run(limit uint64) error {
    start := self.Steps
    for !self.halted {
        if limit != 0 && self.Steps - start >= limit {
            return &Fault { Kind: FaultSteps, Addr: self.RIP }
        }
        if err := self.Step(); err != nil {
            return err
        }
    }
    return nil
}

func (self *CPU) Halted() bool {
    return self.halted
}

// Step executes one instruction, or one host gate.
func (self *CPU) Step() error {
    pc := self.RIP
    self.Steps++

    /* host gates run in Go, then return to the caller */
    if _, fn, ok := self.Gates.Lookup(pc); ok {
        if err := fn(self); err != nil {
            return err
        }
        if self.halted {
            return nil
        }
        ret, err := self.Pop()
        if err != nil {
            return err
        }
        self.RIP = ret
        return nil
    }

    /* fetch and decode */
    n, err := self.Mem.Fetch(pc, self.buf[:])
    if err != nil {
        return err
    }
    ins, err := x86asm.Decode(self.buf[:n], 64)
    if err != nil {
        return &Fault { Kind: FaultDecode, Addr: pc, Note: err.Error() }
    }

    /* dispatch, RIP already points at the next instruction */
    if self.Trace != nil {
        self.Trace(self, pc, &ins)
    }
    fn := dispatchTab[ins.Op]
    if fn == nil {
        return &Fault { Kind: FaultUnsupported, Addr: pc, Note: ins.Op.String() }
    }
    self.RIP = pc + uint64(ins.Len)
    if err = fn(self, &ins); err != nil {
        if f, ok := err.(*Fault); ok && f.PC == 0 {
            f.PC = pc
        }
        return err
    }
    return nil
}
