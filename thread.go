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

package mirage

import (
    `github.com/cloudwego/mirage/internal/arch`
    `github.com/cloudwego/mirage/internal/cache`
    `github.com/cloudwego/mirage/internal/vm`
)

// Thread is a simulated thread of control bound to a CPU slot. A slot may
// be shared by many threads, but only one of them runs at a time.
type Thread struct {
    Limit uint64
    eng   *Engine
    slot  *cache.CPU
    cpu   *vm.CPU
    stack uint64
}

// NewThread creates a thread on CPU slot cpu whose calls start with the
// stack pointer at stackTop.
func (self *Engine) NewThread(cpu int, stackTop uint64) *Thread {
    return &Thread {
        eng   : self,
        slot  : self.cache.CPU(cpu),
        cpu   : vm.NewCPU(self.mem, self.gates, cpu),
        stack : stackTop,
    }
}

// CPU returns the simulated register state of the thread.
func (self *Thread) CPU() *vm.CPU {
    return self.cpu
}

// Call runs the native function at native under policy p with up to six
// integer arguments and returns RAX. The function runs from the code cache
// only, the native image is never executed.
func (self *Thread) Call(native uint64, p Policy, args ...uint64) (uint64, error) {
    self.slot.Acquire()
    defer self.slot.Release()
    entry := self.eng.cache.Find(self.slot, native, p)
    self.cpu.SetReg(arch.RSP, self.stack)
    return self.cpu.Call(entry, self.Limit, args...)
}

// Scratch allocates size bytes of transient memory on the slot of the
// thread. It stays valid until ResetScratch.
func (self *Thread) Scratch(size uint64) uint64 {
    self.slot.Acquire()
    defer self.slot.Release()
    addr, _ := self.slot.Scratch().Alloc(size, 16)
    return addr
}

// ResetScratch gives every transient allocation of the slot back.
func (self *Thread) ResetScratch() {
    self.slot.Acquire()
    defer self.slot.Release()
    self.slot.Scratch().FreeAll()
}
