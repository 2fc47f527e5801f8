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
    `math/bits`

    `github.com/cloudwego/mirage/internal/arch`
    `github.com/cloudwego/mirage/internal/instr`
    `golang.org/x/arch/x86/x86asm`
)

const (
    AllXMM = 0xffff
)

// Manager tracks live registers while walking instructions backwards.
// Undead registers are dead registers handed out as scratch.
type Manager struct {
    live      arch.Mask
    undead    arch.Mask
    liveXMM   uint16
    undeadXMM uint16
}

// New creates a manager with every register live.
func New() *Manager {
    return &Manager {
        live    : arch.AllRegs,
        liveXMM : AllXMM,
    }
}

func (self *Manager) Live() arch.Mask           { return self.live }
func (self *Manager) LiveXMM() uint16           { return self.liveXMM }
func (self *Manager) IsLive(r arch.Reg) bool    { return self.live.Has(r) }
func (self *Manager) Undead() arch.Mask         { return self.undead }

// KillAll marks every register dead, except the stack pointer.
func (self *Manager) KillAll() {
    self.live = arch.ForceLive
    self.liveXMM = 0
}

func (self *Manager) ReviveAll() {
    self.live = arch.AllRegs
    self.liveXMM = AllXMM
}

// Visit applies the backward transfer function of one native instruction.
func (self *Manager) Visit(p *x86asm.Inst) {
    switch arch.Classify(p) {
        case arch.NotCTI: {
            break
        }
        case arch.DirectCall, arch.IndirectCall: {
            self.visitCall()
            if _, ok := p.Args[0].(x86asm.Rel); !ok {
                self.reviveOperand(p.Args[0])
            }
            return
        }
        case arch.Return: {
            self.live = arch.RetRegs | arch.ForceLive | arch.CalleeSaved
            self.liveXMM = 0x3
            return
        }
        default: {
            self.ReviveAll()
            return
        }
    }

    /* ordinary instructions */
    fx := Analyze(p)
    self.live = (self.live &^ fx.Kills) | fx.Uses | arch.ForceLive
    self.liveXMM = (self.liveXMM &^ fx.KillsXMM) | fx.UsesXMM
}

func (self *Manager) visitCall() {
    self.live = (self.live & arch.CalleeSaved) | arch.ArgRegs | arch.ForceLive
    self.liveXMM = 0xff
}

func (self *Manager) reviveOperand(a x86asm.Arg) {
    var fx Effects
    fx.source(a)
    self.live |= fx.Uses
}

// VisitInstr visits a block instruction. Synthetic branches follow the
// rules of the native instruction they stand for.
func (self *Manager) VisitInstr(p *instr.Instr) {
    switch p.Kind {
        case instr.Native: {
            self.Visit(&p.Inst)
        }
        case instr.Branch, instr.Indirect: {
            if p.Op == instr.OpCall {
                self.visitCall()
            } else {
                self.ReviveAll()
            }
        }
        case instr.Assembled, instr.HitInc: {
            self.ReviveAll()
        }
    }
}

// LiveBefore returns the live set in front of every instruction of a list,
// starting from the given live-out state.
func (self *Manager) LiveBefore(ls *instr.List) []arch.Mask {
    ret := make([]arch.Mask, ls.Len())
    i := ls.Len() - 1
    for p := ls.Tail; p != nil; p = p.Prev {
        self.VisitInstr(p)
        ret[i] = self.live
        i--
    }
    return ret
}

// GetZombie hands out the lowest register that is neither live nor undead,
// or arch.NoReg.
func (self *Manager) GetZombie() arch.Reg {
    free := ^(self.live | self.undead | arch.ForceLive)
    if free == 0 {
        return arch.NoReg
    }
    r := arch.Reg(bits.TrailingZeros16(uint16(free)))
    self.undead |= arch.Bit(r)
    return r
}

// GetZombieXMM is GetZombie for vector registers, it returns -1 when none
// is available.
func (self *Manager) GetZombieXMM() int {
    free := ^(self.liveXMM | self.undeadXMM)
    if free == 0 {
        return -1
    }
    r := bits.TrailingZeros16(free)
    self.undeadXMM |= 1 << r
    return r
}

// Release returns an undead register.
func (self *Manager) Release(r arch.Reg) {
    self.undead &^= arch.Bit(r)
}

func (self *Manager) ReleaseXMM(r int) {
    self.undeadXMM &^= 1 << r
}
