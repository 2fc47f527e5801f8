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

    `github.com/chenzhuoyu/iasm/x86_64`
    `github.com/cloudwego/mirage/internal/instr`
    `github.com/cloudwego/mirage/internal/utils`
)

const (
    _RedZone = 128
)

const (
    _OP_pushfq = 0x9c
    _OP_popfq  = 0x9d
)

func pushfq() *instr.Instr { return instr.Bytes(_OP_pushfq) }
func popfq()  *instr.Instr { return instr.Bytes(_OP_popfq) }

// skipRedZone moves the stack pointer without touching the flags.
func skipRedZone(n int32) *instr.Instr {
    return instr.Asm(func(p *x86_64.Program) {
        p.LEAQ(x86_64.Ptr(x86_64.RSP, n), x86_64.RSP)
    })
}

// jumpTo is a jump to an absolute address, through a literal when it is
// out of rel32 range from the code at base.
func jumpTo(op instr.Op, base uint64, to uint64, lits *instr.List) *instr.Instr {
    if rel := int64(to - base); rel > math.MinInt32 / 2 && rel < math.MaxInt32 / 2 {
        return &instr.Instr { Kind: instr.Branch, State: instr.StateMangled, Op: op, Target: to }
    }
    lit := instr.Quad(to)
    lits.Append(lit)
    if op == instr.OpCall {
        return instr.IndirectCall(lit)
    } else {
        return instr.IndirectJmp(lit)
    }
}

// emit writes a position independent routine into a zone of the
// executable region and returns its address.
func (self *Mangler) emit(zone func(uint64) uint64, ls *instr.List) uint64 {
    addr := zone(ls.Layout(0))
    ls.Layout(addr)
    if err := self.mem.Poke(addr, ls.Encode()); err != nil {
        panic(utils.EAddress(addr, err.Error()))
    }
    return addr
}

// emitDBLEntry generates the routine every branch stub calls:
//
//     pushfq
//     push %rdi
//     lea  16(%rsp), %rdi      # return slot, handle at 8(%rdi)
//     call patch_gate
//     pop  %rdi
//     popfq
//     ret  $136                # red zone and handle
func (self *Mangler) emitDBLEntry(gate uint64) uint64 {
    ls := new(instr.List)
    lits := new(instr.List)
    ls.Append(
        pushfq(),
        instr.Asm(func(p *x86_64.Program) {
            p.PUSHQ(x86_64.RDI)
            p.LEAQ(x86_64.Ptr(x86_64.RSP, 16), x86_64.RDI)
        }),
        jumpTo(instr.OpCall, self.region.WrapperStart, gate, lits),
        instr.Asm(func(p *x86_64.Program) {
            p.POPQ(x86_64.RDI)
        }),
        popfq(),
        instr.Asm(func(p *x86_64.Program) {
            p.RET(_RedZone + 8)
        }),
    )
    ls.Splice(lits)
    return self.emit(self.region.AllocGencode, ls)
}

// stub is the per-site code a fresh branch targets:
//
//     lea  -128(%rsp), %rsp
//     push $handle
//     call dbl_entry
func (self *Mangler) stub(h uint32) []*instr.Instr {
    return []*instr.Instr {
        skipRedZone(-_RedZone),
        instr.Asm(func(p *x86_64.Program) {
            p.PUSHQ(int64(h))
        }),
        instr.Call(self.dblEntry),
    }
}
