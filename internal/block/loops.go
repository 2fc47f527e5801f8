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

package block

import (
    `github.com/chenzhuoyu/iasm/x86_64`
    `github.com/cloudwego/mirage/internal/arch`
    `github.com/cloudwego/mirage/internal/instr`
    `github.com/cloudwego/mirage/internal/utils`
    `golang.org/x/arch/x86/x86asm`
)

// decrement emits `lea -1(%rcx), %rcx`, which leaves the flags alone.
func decrement(wide bool) *instr.Instr {
    return instr.Asm(func(p *x86_64.Program) {
        if wide {
            p.LEAQ(x86_64.Ptr(x86_64.RCX, -1), x86_64.RCX)
        } else {
            p.LEAL(x86_64.Ptr(x86_64.RCX, -1), x86_64.ECX)
        }
    })
}

func testCount(wide bool) *instr.Instr {
    if wide {
        return instr.Jrcxz()
    } else {
        return instr.Jecxz()
    }
}

// rewriteLoop expands LOOP, LOOPcc and JRCXZ into jumps that take rel32
// targets. The sequence ends the block with the fall-through jump to next.
//
//     loop T    =>    lea -1(%rcx), %rcx
//                     jrcxz L
//                     jmp T                (jz T, jnz T for loope, loopne)
//                 L:  jmp next
//
//     jrcxz T   =>    jrcxz L
//                     jmp next
//                 L:  jmp T
func rewriteLoop(in *instr.Instr, next uint64) []*instr.Instr {
    wide := in.Inst.AddrSize != 32
    to := arch.Target(&in.Inst, in.PC)
    lab := instr.NewLabel()

    /* the taken branch of every loop form */
    var taken *instr.Instr
    switch in.Inst.Op {
        case x86asm.LOOP   : taken = instr.Jmp(to)
        case x86asm.LOOPE  : taken = instr.Jcc(arch.CondE, to)
        case x86asm.LOOPNE : taken = instr.Jcc(arch.CondNE, to)
    }

    /* LOOP family: decrement, then test */
    if taken != nil {
        return []*instr.Instr {
            decrement(wide),
            testCount(wide).To(lab),
            taken,
            lab,
            instr.Jmp(next),
        }
    }

    /* JRCXZ and JECXZ, JCXZ is not encodable in 64-bit mode */
    switch in.Inst.Op {
        case x86asm.JRCXZ, x86asm.JECXZ: {
            return []*instr.Instr {
                testCount(in.Inst.Op == x86asm.JRCXZ).To(lab),
                instr.Jmp(next),
                lab,
                instr.Jmp(to),
            }
        }
        default: {
            panic(utils.EDecode(in.PC, errUnsupportedLoop))
        }
    }
}

var legacyPrefixes = [256]bool {
    0xf0: true, 0xf2: true, 0xf3: true,
    0x2e: true, 0x36: true, 0x3e: true, 0x26: true, 0x64: true, 0x65: true,
    0x66: true, 0x67: true,
}

// stripRep drops the REP prefix of a string instruction.
func stripRep(in *instr.Instr) *instr.Instr {
    raw := make([]byte, 0, len(in.Raw))
    i := 0
    for ; i < len(in.Raw) && legacyPrefixes[in.Raw[i]]; i++ {
        if in.Raw[i] != 0xf3 {
            raw = append(raw, in.Raw[i])
        }
    }
    raw = append(raw, in.Raw[i:]...)
    ins, err := x86asm.Decode(raw, 64)
    if err != nil {
        panic(utils.EDecode(in.PC, err))
    }
    return instr.FromNative(in.PC, raw, ins)
}

// rewriteRep turns a REP string instruction into an explicit loop, so
// every iteration goes through an instruction boundary of the block.
//
//     top:   jrcxz done
//            movsb
//            lea -1(%rcx), %rcx
//            jmp top
//     done:
func rewriteRep(in *instr.Instr) []*instr.Instr {
    top := instr.NewLabel()
    done := instr.NewLabel()
    wide := in.Inst.AddrSize != 32
    return []*instr.Instr {
        top,
        testCount(wide).To(done),
        stripRep(in),
        decrement(wide),
        instr.Jmp(0).To(top),
        done,
    }
}
