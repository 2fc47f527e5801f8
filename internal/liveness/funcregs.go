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
    `github.com/cloudwego/mirage/internal/instr`
    `github.com/oleiade/lane`
    `golang.org/x/arch/x86/x86asm`
)

const (
    _MaxFuncInstrs = 65536
)

// FindUsedRegsInFunc returns the registers a function may write, found by
// a breadth-first walk over its basic blocks. Calls are followed when
// followCalls is set and skipped otherwise. Indirect jumps and calls make
// the result include every caller-saved register.
func FindUsedRegsInFunc(mem instr.Fetcher, entry uint64, followCalls bool) arch.Mask {
    ret := arch.Mask(0)
    buf := lane.NewQueue()
    vis := map[uint64]bool { entry: true }
    cnt := 0

    /* enqueue a block start once */
    add := func(pc uint64) {
        if !vis[pc] {
            vis[pc] = true
            buf.Enqueue(pc)
        }
    }

    /* walk the blocks with BFS */
    for buf.Enqueue(entry); !buf.Empty(); {
        pc := buf.Dequeue().(uint64)

        /* decode every instruction of the block */
        for done := false; !done; {
            if cnt++; cnt > _MaxFuncInstrs {
                return ret | arch.CallerSaved
            }
            p := instr.Decode(mem, pc)
            next := pc + uint64(p.Inst.Len)

            /* control transfers end the block */
            switch arch.Classify(&p.Inst) {
                case arch.NotCTI: {
                    ret |= Analyze(&p.Inst).Defs
                }
                case arch.DirectJmp: {
                    add(arch.Target(&p.Inst, pc))
                    done = true
                }
                case arch.DirectJcc, arch.Loop: {
                    add(arch.Target(&p.Inst, pc))
                    add(next)
                    done = true
                    if p.Inst.Op == x86asm.LOOP || p.Inst.Op == x86asm.LOOPE || p.Inst.Op == x86asm.LOOPNE {
                        ret |= arch.Bit(arch.RCX)
                    }
                }
                case arch.DirectCall: {
                    if followCalls {
                        add(arch.Target(&p.Inst, pc))
                    }
                }
                case arch.IndirectJmp, arch.IndirectCall, arch.FarTransfer: {
                    return ret | arch.CallerSaved
                }
                case arch.Return: {
                    done = true
                }
            }
            pc = next
        }
    }

    /* the stack pointer is always restored */
    return ret &^ arch.ForceLive
}
