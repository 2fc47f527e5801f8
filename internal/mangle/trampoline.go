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
    `github.com/chenzhuoyu/iasm/x86_64`
    `github.com/cloudwego/mirage/internal/instr`
    `github.com/cloudwego/mirage/internal/liveness`
    `github.com/cloudwego/mirage/internal/log`
)

// Trampoline returns a wrapper zone routine that calls the native helper at
// target with the flags and every register the helper writes preserved.
// Instrumentation can call it without spilling anything.
//
//     pushfq
//     push  %r...
//     call  target
//     pop   %r...
//     popfq
//     ret
func (self *Mangler) Trampoline(target uint64) uint64 {
    self.tmu.Lock()
    defer self.tmu.Unlock()
    if addr, ok := self.tramps[target]; ok {
        return addr
    }

    /* save what the helper clobbers */
    regs := liveness.FindUsedRegsInFunc(self.mem, target, true).Regs()
    ls := new(instr.List)
    lits := new(instr.List)
    ls.Append(pushfq())
    for _, r := range regs {
        r := r
        ls.Append(instr.Asm(func(p *x86_64.Program) { p.PUSHQ(r.R64()) }))
    }

    /* call, restore in reverse order */
    ls.Append(jumpTo(instr.OpCall, self.region.WrapperStart, target, lits))
    for i := len(regs) - 1; i >= 0; i-- {
        r := regs[i]
        ls.Append(instr.Asm(func(p *x86_64.Program) { p.POPQ(r.R64()) }))
    }
    ls.Append(popfq(), instr.Bytes(0xc3))
    ls.Splice(lits)

    /* publish */
    addr := self.emit(self.region.AllocWrapper, ls)
    self.tramps[target] = addr
    log.Debug(log.Engine, "trampoline", "target", target, "addr", addr, "saves", len(regs))
    return addr
}
