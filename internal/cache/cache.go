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

package cache

import (
    `github.com/cloudwego/mirage/internal/alloc`
    `github.com/cloudwego/mirage/internal/block`
    `github.com/cloudwego/mirage/internal/log`
    `github.com/cloudwego/mirage/internal/mangle`
    `github.com/cloudwego/mirage/internal/opts`
    `github.com/cloudwego/mirage/internal/perf`
    `github.com/cloudwego/mirage/internal/policy`
    `github.com/cloudwego/mirage/internal/utils`
    `github.com/cloudwego/mirage/internal/vm`
)

type Config struct {
    Memory     *vm.Memory
    Gates      *vm.Gates
    Region     *alloc.ExecRegion
    Heap       *alloc.Heap
    Mangler    *mangle.Mangler
    Translator *block.Translator
    Perf       *perf.Counters
    Options    *opts.Options
}

// Cache maps mangled native addresses to the code that runs in their place.
type Cache struct {
    mem     *vm.Memory
    gates   *vm.Gates
    region  *alloc.ExecRegion
    mangler *mangle.Mangler
    trans   *block.Translator
    perf    *perf.Counters
    global  Global
    index   block.Index
    cpus    []*CPU
}

// New creates the code cache and binds it as the resolver of the mangler.
func New(cfg Config) *Cache {
    ret := &Cache {
        mem     : cfg.Memory,
        gates   : cfg.Gates,
        region  : cfg.Region,
        mangler : cfg.Mangler,
        trans   : cfg.Translator,
        perf    : cfg.Perf,
        global  : NewGlobal(cfg.Options.LockFreeCache),
        cpus    : make([]*CPU, cfg.Options.NumCPUs),
    }

    /* per-CPU state, scratch slabs are shared between CPUs */
    free := new(alloc.FreeList)
    for i := range ret.cpus {
        ret.cpus[i] = newCPU(i, cfg.Region, cfg.Heap, uint64(cfg.Options.SlabSize), free)
    }
    cfg.Mangler.Bind(ret)
    return ret
}

// CPU returns the state of a CPU slot.
func (self *Cache) CPU(id int) *CPU {
    if id < 0 || id >= len(self.cpus) {
        utils.Throw(utils.FaultInvariant, uint64(id), "no such cpu slot")
    }
    return self.cpus[id]
}

func (self *Cache) NumCPUs() int      { return len(self.cpus) }
func (self *Cache) Global() Global    { return self.global }
func (self *Cache) Index() *block.Index { return &self.index }

// Resolve is the entry point of the patch and lookup gates.
func (self *Cache) Resolve(cpu int, native uint64, p policy.Policy) uint64 {
    return self.Find(self.CPU(cpu), native, p)
}

// Find returns the address that runs in place of native under policy p,
// translating it when needed. Policies with the indirect property get the
// exit routine of the lookup table.
func (self *Cache) Find(c *CPU, native uint64, p policy.Policy) uint64 {
    key := policy.Mangle(native, p)
    if v, ok := c.table.Get(key); ok {
        return v
    }

    /* mirror global hits into the private table */
    if v, ok := self.global.Load(key); ok {
        c.table.Put(key, v)
        return v
    }

    /* resolve and publish, an earlier entry wins */
    to := self.resolve(c, native, p)
    to, _ = self.global.LoadOrStore(key, to)
    c.table.Put(key, to)
    return to
}

func (self *Cache) isEngineCode(addr uint64) bool {
    return self.region.Contains(addr) || self.gates.Contains(addr)
}

func (self *Cache) resolve(c *CPU, native uint64, p policy.Policy) uint64 {
    var to uint64
    if self.isEngineCode(native) {
        to = native
    } else if v, ok := self.mangler.Detached(native, p); ok {
        to = v
    } else if r := self.mem.Region(native); r == nil || r.Perm & vm.PermExec == 0 {
        panic(utils.EAddress(native, "not application code"))
    } else {
        to = self.translate(c, native, p.Base())
    }

    /* indirect entries land on the exit routine */
    if p.Has(policy.IndirectTarget) {
        to = self.exitRoutine(native, p, to)
    }
    return to
}

// translate returns the block of native under a base policy, translating
// it if no CPU published one yet.
func (self *Cache) translate(c *CPU, native uint64, p policy.Policy) uint64 {
    key := policy.Mangle(native, p)
    if v, ok := c.table.Get(key); ok {
        return v
    }
    if v, ok := self.global.Load(key); ok {
        c.table.Put(key, v)
        return v
    }

    /* the loser of a race gives its block back */
    return self.Publish(c, native, p, self.trans.Translate(c, p, native))
}

// Publish makes b the block of native under p and returns the published
// address. When another CPU published one first, b is rolled back on c and
// the earlier block is returned.
func (self *Cache) Publish(c *CPU, native uint64, p policy.Policy, b *block.Block) uint64 {
    key := policy.Mangle(native, p)
    if v, loaded := self.global.LoadOrStore(key, b.Start); loaded {
        b.Discard()
        self.perf.RacesLost.Add(1)
        log.Debug(log.Cache, "lost race", "pc", native, "policy", p, "winner", v)
        c.table.Put(key, v)
        return v
    }

    /* index the published block */
    slab, ok := c.code.SlabOf(b.Start)
    if !ok {
        panic(utils.EAllocator(b.Start, "block outside of its allocator"))
    }
    self.index.Add(slab, b)
    c.table.Put(key, b.Start)
    return b.Start
}

// exitRoutine returns the exit routine of native, the routine is published
// while the lookup table lock is held so no CPU builds a second one.
func (self *Cache) exitRoutine(native uint64, p policy.Policy, to uint64) uint64 {
    key := policy.Mangle(native, p)
    exit := policy.Mangle(native, p.Without(policy.IndirectTarget))
    return self.mangler.IBL().InstallExit(exit, to,
        func() (uint64, bool) { return self.global.Load(key) },
        func(addr uint64) { self.global.LoadOrStore(key, addr) },
    )
}

// Lookup returns the block whose code contains a code cache address.
func (self *Cache) Lookup(addr uint64) (*block.Block, bool) {
    meta, ok := self.index.Lookup(addr)
    if !ok {
        return nil, false
    }
    b, err := block.Load(self.mem, meta)
    if err != nil {
        panic(utils.EAddress(meta, err.Error()))
    }
    return b, true
}

// Blocks visits every published block in address order.
func (self *Cache) Blocks(fn func(b *block.Block) bool) {
    self.index.Each(func(meta uint64) bool {
        b, err := block.Load(self.mem, meta)
        if err != nil {
            panic(utils.EAddress(meta, err.Error()))
        }
        return fn(b)
    })
}
