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

package mangle

import (
    `math`
    `sync`

    `github.com/chenzhuoyu/iasm/x86_64`
    `github.com/cloudwego/mirage/internal/arch`
    `github.com/cloudwego/mirage/internal/instr`
    `github.com/cloudwego/mirage/internal/log`
    `github.com/cloudwego/mirage/internal/policy`
    `github.com/cloudwego/mirage/internal/utils`
    `github.com/cloudwego/mirage/internal/vm`
)

const (
    IBLSlots     = 2048
    _IBLShift    = 5
    _IBLSlotSize = 8
)

// IBL is the indirect branch lookup machinery: one entry routine per
// policy, a table of exit routine chains and the slow path.
type IBL struct {
    mu      sync.Mutex
    m       *Mangler
    table   uint64
    slow    uint64
    entries sync.Map
}

// Slot returns the table index of a mangled address.
func Slot(key uint64) int {
    return int(key & 0xffff) >> _IBLShift
}

func (self *Mangler) initIBL(gate uint64) {
    ibl := &IBL { m: self }
    ibl.table = self.heap.Alloc(IBLSlots * _IBLSlotSize)
    if ibl.table + IBLSlots * _IBLSlotSize > math.MaxInt32 {
        panic(utils.EAddress(ibl.table, "lookup table must live below 2GB"))
    }

    /* slow path: ask the code cache, then jump to the routine it built */
    ls := new(instr.List)
    lits := new(instr.List)
    ls.Append(
        jumpTo(instr.OpCall, self.region.WrapperStart, gate, lits),
        instr.Asm(func(p *x86_64.Program) {
            p.JMPQ(x86_64.RAX)
        }),
    )
    ls.Splice(lits)
    ibl.slow = self.emit(self.region.AllocGencode, ls)

    /* every slot starts on the slow path */
    for i := uint64(0); i < IBLSlots; i++ {
        if err := self.mem.Store64(ibl.table + i * _IBLSlotSize, ibl.slow); err != nil {
            panic(utils.EAddress(ibl.table, err.Error()))
        }
    }
    self.ibl = ibl
}

// Entry returns the entry routine for targets reached with policy p,
// generating it on first use.
//
//     push   %rax
//     pushfq
//     shl    $16, %rdi
//     shr    $16, %rdi
//     mov    $(p << 48), %rax
//     or     %rax, %rdi
//     movzwl %di, %eax
//     shr    $5, %eax
//     jmp    *table(, %rax, 8)
func (self *IBL) Entry(p policy.Policy) uint64 {
    if v, ok := self.entries.Load(p); ok {
        return v.(uint64)
    }
    self.mu.Lock()
    defer self.mu.Unlock()
    if v, ok := self.entries.Load(p); ok {
        return v.(uint64)
    }

    /* build the routine */
    ls := new(instr.List)
    ls.Append(
        instr.Asm(func(b *x86_64.Program) {
            b.PUSHQ(x86_64.RAX)
        }),
        pushfq(),
        instr.Asm(func(b *x86_64.Program) {
            b.SHLQ(64 - policy.AddrBits, x86_64.RDI)
            b.SHRQ(64 - policy.AddrBits, x86_64.RDI)
            b.MOVQ(int64(uint64(p) << policy.AddrBits), x86_64.RAX)
            b.ORQ(x86_64.RAX, x86_64.RDI)
            b.MOVZWL(x86_64.DI, x86_64.EAX)
            b.SHRL(_IBLShift, x86_64.EAX)
            b.JMPQ(x86_64.Sib(nil, x86_64.RAX, _IBLSlotSize, int32(self.table)))
        }),
    )

    /* publish */
    addr := self.m.emit(self.m.region.AllocGencode, ls)
    self.entries.Store(p, addr)
    log.Debug(log.IBL, "entry", "policy", p, "addr", addr)
    return addr
}

// InstallExit chains a new exit routine for key in front of its slot and
// returns it. found and publish both run under the IBL lock: an existing
// routine reported by found is returned as is, a new one is handed to
// publish before any other CPU can look for it.
//
//     mov  $key, %rax
//     cmp  %rax, %rdi
//     jne  previous
//     popfq
//     pop  %rax
//     pop  %rdi
//     lea  128(%rsp), %rsp
//     jmp  target
func (self *IBL) InstallExit(key uint64, target uint64, found func() (uint64, bool), publish func(addr uint64)) uint64 {
    self.mu.Lock()
    defer self.mu.Unlock()
    if v, ok := found(); ok {
        return v
    }

    /* chain onto the current occupant */
    slot := self.table + uint64(Slot(key)) * _IBLSlotSize
    prev, err := self.m.mem.Load64(slot)
    if err != nil {
        panic(utils.EAddress(slot, err.Error()))
    }

    /* build the routine */
    ls := new(instr.List)
    lits := new(instr.List)
    ls.Append(
        instr.Asm(func(b *x86_64.Program) {
            b.MOVQ(int64(key), x86_64.RAX)
            b.CMPQ(x86_64.RAX, x86_64.RDI)
        }),
        instr.Jcc(arch.CondNE, prev),
        popfq(),
        instr.Asm(func(b *x86_64.Program) {
            b.POPQ(x86_64.RAX)
            b.POPQ(x86_64.RDI)
        }),
        skipRedZone(_RedZone),
        jumpTo(instr.OpJmp, self.m.region.WrapperStart, target, lits),
    )
    ls.Splice(lits)

    /* slots are only ever replaced */
    addr := self.m.emit(self.m.region.AllocGencode, ls)
    if err = self.m.mem.Store64(slot, addr); err != nil {
        panic(utils.EAddress(slot, err.Error()))
    }
    publish(addr)
    self.m.perf.ExitRoutines.Add(1)
    log.Debug(log.IBL, "exit", "key", key, "target", target, "routine", addr)
    return addr
}

// Table is the address of the lookup table.
func (self *IBL) Table() uint64 {
    return self.table
}

// SlowPath is the routine every empty slot points at.
func (self *IBL) SlowPath() uint64 {
    return self.slow
}

// missGate resolves the mangled target in RDI into an exit routine,
// returned in RAX which the entry routine saved.
func (self *Mangler) missGate(c *vm.CPU) error {
    native, p := policy.Unmangle(c.Reg(arch.RDI))
    c.SetReg(arch.RAX, self.resolver().Resolve(c.Slot, native, p.Indirect()))
    return nil
}
