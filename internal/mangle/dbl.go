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
    `encoding/binary`
    `math`
    `sync`
    `sync/atomic`

    `github.com/cloudwego/mirage/internal/arch`
    `github.com/cloudwego/mirage/internal/instr`
    `github.com/cloudwego/mirage/internal/log`
    `github.com/cloudwego/mirage/internal/policy`
    `github.com/cloudwego/mirage/internal/utils`
    `github.com/cloudwego/mirage/internal/vm`
    `golang.org/x/arch/x86/x86asm`
)

const (
    _ChunkBits  = 10
    _ChunkSize  = 1 << _ChunkBits
    _MaxChunks  = 1 << 12
    _MaxRetries = 64
)

// Site is a hot-patchable direct branch waiting for its target.
type Site struct {
    Op       instr.Op
    Cond     arch.Cond
    Target   uint64
    Addr     uint64
    Stub     uint64
    lock     atomic.Uint32
    done     atomic.Bool
    resolved atomic.Uint64
}

// Done reports whether the site no longer goes through its stub.
func (self *Site) Done() bool {
    return self.done.Load()
}

// Resolved is the code cache address the site was patched to, if any.
func (self *Site) Resolved() uint64 {
    return self.resolved.Load()
}

func (self *Site) size() int {
    if self.Op == instr.OpJcc {
        return 6
    } else {
        return 5
    }
}

// Arena holds every site ever created. Sites are referenced from stubs by a
// 32-bit handle and are never freed.
type Arena struct {
    mu     sync.Mutex
    n      atomic.Uint32
    chunks [_MaxChunks]atomic.Pointer[[_ChunkSize]Site]
}

// New reserves a site and returns its handle.
func (self *Arena) New() (uint32, *Site) {
    self.mu.Lock()
    defer self.mu.Unlock()
    h := self.n.Load()
    if h >= _MaxChunks * _ChunkSize {
        panic(utils.EExhausted("dbl sites", 0, uint64(h)))
    }

    /* allocate a new chunk when needed */
    c := self.chunks[h >> _ChunkBits].Load()
    if c == nil {
        c = new([_ChunkSize]Site)
        self.chunks[h >> _ChunkBits].Store(c)
    }

    /* publish the handle */
    self.n.Store(h + 1)
    return h, &c[h & (_ChunkSize - 1)]
}

// Get returns the site of a handle. Unknown handles are fatal.
func (self *Arena) Get(h uint32) *Site {
    if h >= self.n.Load() {
        panic(utils.EPatch(uint64(h), "unknown branch site handle"))
    }
    return &self.chunks[h >> _ChunkBits].Load()[h & (_ChunkSize - 1)]
}

func (self *Arena) Len() int {
    return int(self.n.Load())
}

// patchGate is reached from dbl_entry with RDI pointing at the return slot,
// the site handle sits right above it. The resolved address is written back
// into the slot, and `ret $136` of dbl_entry jumps there.
func (self *Mangler) patchGate(c *vm.CPU) error {
    slot := c.Reg(arch.RDI)
    h, err := c.Mem.Load(slot + 8, 4)
    if err != nil {
        return err
    }

    /* resolve the target first, the site may be patched by someone else */
    site := self.sites.Get(uint32(h))
    native, p := policy.Unmangle(site.Target)
    to := self.resolver().Resolve(c.Slot, native, p)
    if !site.done.Load() {
        self.hotPatch(site, to)
    }
    return c.Mem.Store64(slot, to)
}

// hotPatch rewrites the rel32 of a site so it jumps straight to `to`. The
// losers of the site lock leave the site alone.
func (self *Mangler) hotPatch(site *Site, to uint64) {
    if !site.lock.CompareAndSwap(0, 1) {
        self.perf.PatchContended.Add(1)
        return
    }
    defer site.lock.Store(0)
    if site.done.Load() {
        return
    }

    /* re-decode the site, it must still point into its stub */
    n := site.size()
    buf := make([]byte, n)
    if _, err := self.mem.Fetch(site.Addr, buf); err != nil {
        panic(utils.EAddress(site.Addr, err.Error()))
    }
    ins, err := x86asm.Decode(buf, 64)
    if err != nil {
        panic(utils.EDecode(site.Addr, err))
    }
    if !arch.Classify(&ins).IsDirect() || arch.Target(&ins, site.Addr) != site.Stub {
        site.done.Store(true)
        return
    }

    /* the new displacement must fit */
    rel := int64(to - (site.Addr + uint64(n)))
    if rel < math.MinInt32 || rel > math.MaxInt32 {
        panic(utils.EPatch(site.Addr, "patched target out of rel32 range"))
    }

    /* swap the displacement within the containing word */
    word := site.Addr &^ 7
    off := int(site.Addr & 7) + n - 4
    stub := uint32(int32(int64(site.Stub - (site.Addr + uint64(n)))))
    if !self.swapDisp(word, off, stub, uint32(int32(rel))) {
        site.done.Store(true)
        log.Debug(log.DBL, "site left its stub", "site", site.Addr)
        return
    }
    site.resolved.Store(to)
    site.done.Store(true)
    self.perf.Patches.Add(1)
    log.Debug(log.DBL, "patched", "site", site.Addr, "target", to)
}

// swapDisp replaces the 4 bytes at off within the word at addr with disp as
// long as they still hold expect, and reports whether it did.
func (self *Mangler) swapDisp(addr uint64, off int, expect uint32, disp uint32) bool {
    var w [8]byte
    for i := 0; i < _MaxRetries; i++ {
        old, err := self.mem.Load64(addr)
        if err != nil {
            panic(utils.EAddress(addr, err.Error()))
        }
        binary.LittleEndian.PutUint64(w[:], old)
        if binary.LittleEndian.Uint32(w[off:]) != expect {
            return false
        }
        binary.LittleEndian.PutUint32(w[off:], disp)
        if ok, err := self.mem.CAS64(addr, old, binary.LittleEndian.Uint64(w[:])); err != nil {
            panic(utils.EAddress(addr, err.Error()))
        } else if ok {
            return true
        }
    }
    panic(utils.EPatch(addr, "compare-and-swap retries exhausted"))
}
