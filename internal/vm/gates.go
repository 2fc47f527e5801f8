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
    `bytes`
    `fmt`
    `sync`
    `sync/atomic`
)

const (
    GateStride = 16
)

// GateFunc is a host function reachable from simulated code. It runs with
// the SysV argument registers of the calling CPU and may only change RAX
// and memory; the CPU returns to its caller afterwards.
type GateFunc func(c *CPU) error

type gate struct {
    name string
    fn   GateFunc
}

// Gates is the host region: every gate occupies one slot of GateStride
// bytes filled with `ret` instructions.
type Gates struct {
    mu   sync.Mutex
    base uint64
    size uint64
    tab  atomic.Value
    halt uint64
}

// NewGates maps the host region at base.
func NewGates(mem *Memory, base uint64, size uint64) (*Gates, error) {
    if _, err := mem.Map(base, size, "gates", PermRX); err != nil {
        return nil, err
    }
    if err := mem.Poke(base, bytes.Repeat([]byte { 0xc3 }, int(size))); err != nil {
        return nil, err
    }
    ret := &Gates { base: base, size: size }
    ret.tab.Store(map[uint64]gate{})
    ret.halt = ret.Register("halt", func(c *CPU) error { c.halted = true; return nil })
    return ret, nil
}

// Register binds fn to the next free gate address.
func (self *Gates) Register(name string, fn GateFunc) uint64 {
    self.mu.Lock()
    defer self.mu.Unlock()
    old := self.tab.Load().(map[uint64]gate)
    pc := self.base + uint64(len(old)) * GateStride
    if pc + GateStride > self.base + self.size {
        panic(fmt.Sprintf("vm: no more gates for %s", name))
    }
    tab := make(map[uint64]gate, len(old) + 1)
    for k, v := range old {
        tab[k] = v
    }
    tab[pc] = gate { name: name, fn: fn }
    self.tab.Store(tab)
    return pc
}

func (self *Gates) Contains(addr uint64) bool {
    return addr >= self.base && addr - self.base < self.size
}

// Lookup returns the gate bound to addr.
func (self *Gates) Lookup(addr uint64) (string, GateFunc, bool) {
    if !self.Contains(addr) {
        return "", nil, false
    } else if g, ok := self.tab.Load().(map[uint64]gate)[addr]; !ok {
        return "", nil, false
    } else {
        return g.name, g.fn, true
    }
}

// Halt is the address that stops a CPU when reached.
func (self *Gates) Halt() uint64 {
    return self.halt
}
