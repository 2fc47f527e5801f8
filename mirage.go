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

// Package mirage is a dynamic binary translator for x86-64 code running on
// a simulated address space. Native code never runs in place: every basic
// block is copied into a code cache, instrumented by the policy it was
// entered with, and has its control transfers rewritten so that execution
// stays inside the cache.
package mirage

import (
    `github.com/cloudwego/mirage/debug`
    `github.com/cloudwego/mirage/internal/alloc`
    `github.com/cloudwego/mirage/internal/block`
    `github.com/cloudwego/mirage/internal/cache`
    `github.com/cloudwego/mirage/internal/detach`
    `github.com/cloudwego/mirage/internal/log`
    `github.com/cloudwego/mirage/internal/mangle`
    `github.com/cloudwego/mirage/internal/opts`
    `github.com/cloudwego/mirage/internal/perf`
    `github.com/cloudwego/mirage/internal/policy`
    `github.com/cloudwego/mirage/internal/vm`
)

// Fixed layout of the simulated address space. The heap and the lookup
// tables in it stay below 2GB so they can be addressed with 32-bit
// displacements.
const (
    HeapBase = 0x3000_0000
    GateBase = 0x3fff_0000
    GateSize = 0x0001_0000
    ExecBase = 0x4000_0000
)

type (
    Policy      = policy.Policy
    Visitor     = policy.Visitor
    VisitorFunc = policy.VisitorFunc
    Context     = policy.Context
    BlockInfo   = block.Block
    Gate        = vm.GateFunc
)

// Policy properties.
const (
    HostContext = policy.HostContext
    XMMContext  = policy.XMMContext
    ForceAttach = policy.ForceAttach
)

// DetachContext selects which policies a detach point applies to.
type DetachContext = detach.Context

const (
    DetachApplication = detach.Application
    DetachHost        = detach.Host
)

// Engine owns one simulated address space and the code cache running in it.
type Engine struct {
    opts     opts.Options
    mem      *vm.Memory
    gates    *vm.Gates
    region   *alloc.ExecRegion
    heap     *alloc.Heap
    policies *policy.Registry
    detach   *detach.Registry
    perf     *perf.Counters
    mangler  *mangle.Mangler
    trans    *block.Translator
    cache    *cache.Cache
}

// New creates an engine with its regions mapped and its shared routines
// generated.
func New(options ...Option) (*Engine, error) {
    ret := &Engine {
        opts     : opts.GetDefaultOptions(),
        mem      : vm.NewMemory(),
        policies : policy.NewRegistry(),
        detach   : detach.NewRegistry(),
        perf     : new(perf.Counters),
    }

    /* apply all the options */
    for _, fn := range options {
        fn(&ret.opts)
    }
    if ret.opts.Logger != nil {
        log.SetDefault(ret.opts.Logger)
    }

    /* map the host gates, the executable region and the heap */
    if err := ret.mapRegions(); err != nil {
        _ = ret.mem.Close()
        return nil, err
    }

    /* the mangler generates its routines first, the cache binds to it */
    ret.mangler = mangle.New(mangle.Config {
        Memory       : ret.mem,
        Gates        : ret.gates,
        Region       : ret.region,
        Heap         : ret.heap,
        Detach       : ret.detach,
        Perf         : ret.perf,
        DirectReturn : ret.opts.DirectReturn,
    })
    ret.trans = block.NewTranslator(ret.mem, &ret.opts, ret.policies, ret.mangler, ret.perf)
    ret.cache = cache.New(cache.Config {
        Memory     : ret.mem,
        Gates      : ret.gates,
        Region     : ret.region,
        Heap       : ret.heap,
        Mangler    : ret.mangler,
        Translator : ret.trans,
        Perf       : ret.perf,
        Options    : &ret.opts,
    })

    log.Info(log.Engine, "engine ready",
        "cpus", ret.opts.NumCPUs,
        "exec", ret.opts.ExecSize,
        "heap", ret.opts.HeapSize,
        "direct_return", ret.opts.DirectReturn,
    )
    return ret, nil
}

func (self *Engine) mapRegions() (err error) {
    if self.gates, err = vm.NewGates(self.mem, GateBase, GateSize); err != nil {
        return
    }
    if self.region, err = alloc.NewExecRegion(self.mem, ExecBase, uint64(self.opts.ExecSize), uint64(self.opts.WrapperSize)); err != nil {
        return
    }
    if self.heap, err = alloc.NewHeap(self.mem, HeapBase, uint64(self.opts.HeapSize)); err != nil {
        return
    }
    return nil
}

// Close releases the backing memory of the address space.
func (self *Engine) Close() error {
    return self.mem.Close()
}

// Memory returns the simulated address space.
func (self *Engine) Memory() *vm.Memory {
    return self.mem
}

// Options returns the options the engine was created with.
func (self *Engine) Options() opts.Options {
    return self.opts
}

// MapCode maps an application code image at base.
func (self *Engine) MapCode(base uint64, code []byte) error {
    if _, err := self.mem.Map(base, uint64(len(code)), "code", vm.PermRX); err != nil {
        return err
    }
    return self.mem.Poke(base, code)
}

// MapData maps a zeroed read-write region at base.
func (self *Engine) MapData(base uint64, size uint64) error {
    _, err := self.mem.Map(base, size, "data", vm.PermRW)
    return err
}

// MapStack maps a stack of size bytes at base and returns its top.
func (self *Engine) MapStack(base uint64, size uint64) (uint64, error) {
    if _, err := self.mem.Map(base, size, "stack", vm.PermRW); err != nil {
        return 0, err
    }
    return (base + size) &^ 15, nil
}

// RegisterPolicy binds a visitor to a fresh policy. Every block translated
// under the returned policy is shown to v exactly once.
func (self *Engine) RegisterPolicy(name string, v Visitor, props ...Policy) Policy {
    var p Policy
    for _, q := range props {
        p |= q
    }
    return self.policies.Register(name, v, p)
}

// RegisterGate makes fn callable from simulated code and returns its address.
func (self *Engine) RegisterGate(name string, fn Gate) uint64 {
    return self.gates.Register(name, fn)
}

// Detach makes control transfers to native leave the code cache and go to
// target instead, for the policies of context ctx.
func (self *Engine) Detach(native uint64, target uint64, ctx DetachContext) {
    self.detach.Add(native, target, ctx)
    log.Debug(log.Engine, "detach point", "pc", native, "target", target, "ctx", ctx)
}

// Find returns the code cache address that runs native under policy p,
// translating it on CPU slot cpu if needed.
func (self *Engine) Find(cpu int, native uint64, p Policy) uint64 {
    c := self.cache.CPU(cpu)
    c.Acquire()
    defer c.Release()
    return self.cache.Find(c, native, p)
}

// Lookup returns the block containing a code cache address.
func (self *Engine) Lookup(addr uint64) (*BlockInfo, bool) {
    return self.cache.Lookup(addr)
}

// Blocks visits every published block in address order.
func (self *Engine) Blocks(fn func(b *BlockInfo) bool) {
    self.cache.Blocks(fn)
}

// Trampoline returns a routine that calls the native helper at target with
// the flags and every register it writes preserved.
func (self *Engine) Trampoline(target uint64) uint64 {
    return self.mangler.Trampoline(target)
}

// Stats returns the statistics of the engine.
func (self *Engine) Stats() debug.Stats {
    cc, gc, wc := self.region.Usage()
    ret := debug.Stats {
        Memory: debug.MemStats {
            CodeCache : cc,
            Gencode   : gc,
            Wrapper   : wc,
            Heap      : self.heap.Used(),
        },
        Cache: debug.CacheStats {
            Entries : self.cache.Global().Len(),
            Blocks  : self.cache.Index().Len(),
            Sites   : self.mangler.Sites().Len(),
            Detach  : self.detach.Len(),
        },
        CPUs : make([]debug.CPUStats, self.cache.NumCPUs()),
        Perf : self.perf.Snapshot(),
    }

    /* private tables are only read under the slot lock */
    for i := range ret.CPUs {
        c := self.cache.CPU(i)
        c.Acquire()
        code := c.Code().Stats()
        ret.CPUs[i] = debug.CPUStats {
            Entries    : c.Table().Len(),
            Slots      : c.Table().Cap(),
            CodeSlabs  : code.Slabs,
            CodeBytes  : code.Bytes,
            StateBytes : c.State().Stats().Bytes,
        }
        c.Release()
    }
    return ret
}
