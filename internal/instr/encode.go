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
    `encoding/binary`
    `math`

    `github.com/cloudwego/mirage/internal/arch`
    `github.com/cloudwego/mirage/internal/utils`
    `golang.org/x/arch/x86/x86asm`
)

const (
    _OP_nop  = 0x90
    _OP_int3 = 0xcc
)

func fitsRel32(v int64) bool {
    return v >= math.MinInt32 && v <= math.MaxInt32
}

// nativeTarget is the address a PC-relative field of a native instruction
// refers to.
func (self *Instr) nativeTarget() uint64 {
    end := self.PC + uint64(self.Inst.Len)
    buf := self.Raw[self.Inst.PCRelOff:]
    switch self.Inst.PCRel {
        case 1  : return end + uint64(int8(buf[0]))
        case 2  : return end + uint64(int16(binary.LittleEndian.Uint16(buf)))
        default : return end + uint64(int32(binary.LittleEndian.Uint32(buf)))
    }
}

func (self *Instr) relocFits(addr uint64) bool {
    if self.Inst.PCRel == 0 {
        return true
    }
    rel := int64(self.nativeTarget() - (addr + uint64(self.Inst.Len)))
    switch self.Inst.PCRel {
        case 1  : return rel >= math.MinInt8 && rel <= math.MaxInt8
        case 2  : return rel >= math.MinInt16 && rel <= math.MaxInt16
        default : return fitsRel32(rel)
    }
}

// Layout assigns addresses starting from base and returns the end address.
// Hot-patchable instructions are padded so they never straddle an 8-byte
// boundary.
func (self *List) Layout(base uint64) uint64 {
    pc := base
    for p := self.Head; p != nil; p = p.Next {
        p.Pad = 0
        n := uint64(p.Size())

        /* alignment and patch padding */
        if p.Align > 1 {
            p.Pad = int(alignUp(pc, uint64(p.Align)) - pc)
        } else if p.Patchable && n <= 8 && pc & 7 + n > 8 {
            p.Pad = int(8 - pc & 7)
        }

        /* native RIP-relative operands must reach from the new address */
        pc += uint64(p.Pad)
        if p.Kind == Native && !p.relocFits(pc) {
            if p.Inst.Op != x86asm.LEA {
                panic(utils.EPatch(p.PC, "relocated operand out of range"))
            }
            p.degraded = true
            n = uint64(p.Size())
        }
        p.Addr = pc
        pc += n
    }
    return pc
}

func alignUp(v uint64, align uint64) uint64 {
    return (v + align - 1) &^ (align - 1)
}

// Encode emits the machine code of a laid out list.
func (self *List) Encode() []byte {
    var buf []byte
    for p := self.Head; p != nil; p = p.Next {
        buf = p.encodePad(buf)
        buf = p.Encode(buf)
    }
    return buf
}

// States returns the byte state of every encoded byte. Executable padding
// counts as mangled, literal alignment as padding.
func (self *List) States() []State {
    var ret []State
    for p := self.Head; p != nil; p = p.Next {
        pad := StateMangled
        if p.Kind == Data {
            pad = StatePadding
        }
        for i := 0; i < p.Pad; i++ {
            ret = append(ret, pad)
        }
        for i := 0; i < p.Size(); i++ {
            ret = append(ret, p.State)
        }
    }
    return ret
}

func (self *Instr) encodePad(buf []byte) []byte {
    fill := byte(_OP_nop)
    if self.Kind == Data {
        fill = _OP_int3
    }
    for i := 0; i < self.Pad; i++ {
        buf = append(buf, fill)
    }
    return buf
}

func (self *Instr) rel32(buf []byte, to uint64) []byte {
    rel := int64(to - (self.Addr + uint64(self.Size())))
    if !fitsRel32(rel) {
        panic(utils.EPatch(self.Addr, "branch target out of rel32 range"))
    }
    return binary.LittleEndian.AppendUint32(buf, uint32(int32(rel)))
}

func (self *Instr) rel8(buf []byte, to uint64) []byte {
    rel := int64(to - (self.Addr + uint64(self.Size())))
    if rel < math.MinInt8 || rel > math.MaxInt8 {
        panic(utils.EPatch(self.Addr, "short branch target out of range"))
    }
    return append(buf, byte(int8(rel)))
}

// Encode appends the machine code of a laid out instruction.
func (self *Instr) Encode(buf []byte) []byte {
    switch self.Kind {
        case Native    : return self.encodeNative(buf)
        case Branch    : return self.encodeBranch(buf)
        case Indirect  : return self.encodeIndirect(buf)
        case HitInc    : return self.rel32(append(buf, 0xf0, 0xff, 0x05), self.Target)
        case Address   : return self.encodeAddress(buf)
        case Label     : return buf
        default        : return append(buf, self.Raw...)
    }
}

func (self *Instr) encodeBranch(buf []byte) []byte {
    switch self.Op {
        case OpJmp   : return self.rel32(append(buf, 0xe9), self.Dest())
        case OpCall  : return self.rel32(append(buf, 0xe8), self.Dest())
        case OpJcc   : return self.rel32(append(buf, 0x0f, 0x80 | byte(self.Cond)), self.Dest())
        case OpJrcxz : return self.rel8(append(buf, 0xe3), self.Dest())
        default      : return self.rel8(append(buf, 0x67, 0xe3), self.Dest())
    }
}

func (self *Instr) encodeIndirect(buf []byte) []byte {
    if self.Op == OpCall {
        return self.rel32(append(buf, 0xff, 0x15), self.Dest())
    } else {
        return self.rel32(append(buf, 0xff, 0x25), self.Dest())
    }
}

// encodeAddress emits `lea reg, [rip + rel32]`.
func (self *Instr) encodeAddress(buf []byte) []byte {
    rex := byte(0x48)
    if self.Reg >= arch.R8 {
        rex |= 4
    }
    return self.rel32(append(buf, rex, 0x8d, 0x05 | byte(self.Reg & 7) << 3), self.Dest())
}

func (self *Instr) encodeNative(buf []byte) []byte {
    if self.degraded {
        return self.encodeDegraded(buf)
    }

    /* position independent instructions are copied verbatim */
    n := len(buf)
    buf = append(buf, self.Raw...)
    if self.Inst.PCRel == 0 {
        return buf
    }

    /* patch the PC-relative field */
    to := self.nativeTarget()
    at := buf[n + self.Inst.PCRelOff:]
    rel := int64(to - (self.Addr + uint64(self.Inst.Len)))
    switch self.Inst.PCRel {
        case 1  : at[0] = byte(int8(rel))
        case 2  : binary.LittleEndian.PutUint16(at, uint16(int16(rel)))
        default : binary.LittleEndian.PutUint32(at, uint32(int32(rel)))
    }
    return buf
}

// encodeDegraded turns `lea reg, [rip + disp]` into `movabs reg, addr`.
func (self *Instr) encodeDegraded(buf []byte) []byte {
    reg, ok := self.Inst.Args[0].(x86asm.Reg)
    if !ok {
        panic(utils.EPatch(self.PC, "invalid lea destination"))
    }
    op, ok := arch.Decode(reg)
    if !ok || op.Size != 8 {
        panic(utils.EPatch(self.PC, "cannot degrade a narrow lea"))
    }
    rex := byte(0x48)
    if op.Reg >= arch.R8 {
        rex |= 1
    }
    buf = append(buf, rex, 0xb8 | byte(op.Reg & 7))
    return binary.LittleEndian.AppendUint64(buf, self.nativeTarget())
}
