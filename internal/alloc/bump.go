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


package alloc

import (
    `sort`
    `sync`

    `github.com/cloudwego/mirage/internal/log`
    `github.com/cloudwego/mirage/internal/utils`
)

// Source hands out raw slabs.
type Source interface {
    Slab(size uint64) uint64
}

// Slab is a contiguous chunk owned by one allocator.
type Slab struct {
    Base uint64
    Size uint64
}

func (self Slab) End() uint64 {
    return self.Base + self.Size
}

func (self Slab) Contains(addr uint64) bool {
    return addr >= self.Base && addr < self.End()
}

// FreeList holds released slabs, it may be shared by several allocators.
type FreeList struct {
    mu    sync.Mutex
    slabs []Slab
}

func (self *FreeList) put(s Slab) {
    self.mu.Lock()
    self.slabs = append(self.slabs, s)
    self.mu.Unlock()
}

// take removes a slab of at least size bytes, an exact match is preferred
// over the smallest larger one.
func (self *FreeList) take(size uint64) (Slab, bool) {
    self.mu.Lock()
    defer self.mu.Unlock()
    idx := -1
    for i, s := range self.slabs {
        if s.Size == size {
            idx = i
            break
        }
        if s.Size > size && (idx < 0 || s.Size < self.slabs[idx].Size) {
            idx = i
        }
    }
    if idx < 0 {
        return Slab{}, false
    }
    ret := self.slabs[idx]
    self.slabs = append(self.slabs[:idx], self.slabs[idx + 1:]...)
    return ret, true
}

func (self *FreeList) Len() int {
    self.mu.Lock()
    defer self.mu.Unlock()
    return len(self.slabs)
}

// Config describes the behavior of a Bump allocator.
type Config struct {
    Name      string
    SlabSize  uint64
    Exec      bool
    Transient bool
    Shared    bool
    Source    Source
    FreeList  *FreeList
}

// Stats of a Bump allocator.
type Stats struct {
    Slabs  int
    Bytes  uint64
    Allocs uint64
}

// Bump is a bump-pointer slab allocator.
type Bump struct {
    mu    sync.Mutex
    cfg   Config
    cur   int
    next  uint64
    gen   uint64
    slabs []Slab
    stats Stats
}

// Undo allows the most recent allocation to be rolled back. It can be
// released at most once, and only while it is still the most recent one.
type Undo struct {
    owner *Bump
    gen   uint64
    next  uint64
    cur   int
    addr  uint64
    size  uint64
    fresh bool
    done  bool
}

// NewBump creates an allocator. A nil free list gets a private one.
func NewBump(cfg Config) *Bump {
    if cfg.SlabSize == 0 || cfg.Source == nil {
        utils.Throw(utils.FaultAllocator, 0, "%s: invalid allocator config", cfg.Name)
    }
    if cfg.FreeList == nil {
        cfg.FreeList = new(FreeList)
    }
    return &Bump {
        cfg : cfg,
        cur : -1,
    }
}

func (self *Bump) Config() Config {
    return self.cfg
}

// Alloc returns size bytes aligned to align. Executable allocators align to
// at least 16 bytes.
func (self *Bump) Alloc(size uint64, align uint64) (uint64, *Undo) {
    if align == 0 {
        align = 1
    }
    if self.cfg.Exec && align < 16 {
        align = 16
    }
    if align & (align - 1) != 0 {
        utils.Throw(utils.FaultAllocator, 0, "%s: alignment %d is not a power of two", self.cfg.Name, align)
    }

    /* record the state for rollback */
    self.mu.Lock()
    defer self.mu.Unlock()
    undo := &Undo { owner: self, next: self.next, cur: self.cur }

    /* try the current slab */
    if self.cur >= 0 {
        if addr := alignUp(self.next, align); addr + size <= self.slabs[self.cur].End() {
            return self.commit(undo, addr, size), undo
        }
    }

    /* oversize requests get a dedicated slab */
    need := self.cfg.SlabSize
    if size + align > need {
        need = alignUp(size + align, 16)
    }

    /* take one from the free list, or from the source */
    slab, ok := self.cfg.FreeList.take(need)
    if !ok {
        slab = Slab { Base: self.cfg.Source.Slab(need), Size: need }
        log.Debug(log.Alloc, "new slab", "allocator", self.cfg.Name, "base", slab.Base, "size", slab.Size)
    }

    /* switch to the new slab */
    undo.fresh = true
    self.slabs = append(self.slabs, slab)
    self.cur = len(self.slabs) - 1
    self.stats.Slabs++
    return self.commit(undo, alignUp(slab.Base, align), size), undo
}

func (self *Bump) commit(undo *Undo, addr uint64, size uint64) uint64 {
    self.gen++
    self.next = addr + size
    self.stats.Allocs++
    self.stats.Bytes += size
    undo.gen = self.gen
    undo.addr = addr
    undo.size = size
    return addr
}

// Release rolls back the allocation that produced this token.
func (self *Undo) Release() {
    b := self.owner
    if b.cfg.Shared {
        utils.Throw(utils.FaultAllocator, self.next, "%s: undo on a shared allocator", b.cfg.Name)
    }

    /* the token must be live and the most recent */
    b.mu.Lock()
    defer b.mu.Unlock()
    if self.done {
        utils.Throw(utils.FaultAllocator, self.next, "%s: undo token released twice", b.cfg.Name)
    }
    if self.gen != b.gen {
        utils.Throw(utils.FaultAllocator, self.next, "%s: stale undo token", b.cfg.Name)
    }

    /* give back a slab taken by this allocation */
    if self.fresh {
        s := b.slabs[len(b.slabs) - 1]
        b.slabs = b.slabs[:len(b.slabs) - 1]
        b.cfg.FreeList.put(s)
        b.stats.Slabs--
    }

    /* restore the bump pointer */
    self.done = true
    b.gen++
    b.cur = self.cur
    b.next = self.next
    b.stats.Allocs--
    b.stats.Bytes -= self.size
}

// Addr is the address handed out by the allocation.
func (self *Undo) Addr() uint64 {
    return self.addr
}

// FreeAll releases every slab of a transient private allocator.
func (self *Bump) FreeAll() {
    if !self.cfg.Transient || self.cfg.Shared {
        utils.Throw(utils.FaultAllocator, 0, "%s: free all on a persistent or shared allocator", self.cfg.Name)
    }
    self.mu.Lock()
    defer self.mu.Unlock()
    for _, s := range self.slabs {
        self.cfg.FreeList.put(s)
    }
    self.gen++
    self.cur = -1
    self.next = 0
    self.slabs = self.slabs[:0]
    self.stats = Stats{}
}

// SlabOf returns the slab owning addr.
func (self *Bump) SlabOf(addr uint64) (Slab, bool) {
    self.mu.Lock()
    defer self.mu.Unlock()
    for _, s := range self.slabs {
        if s.Contains(addr) {
            return s, true
        }
    }
    return Slab{}, false
}

// Slabs returns the owned slabs in address order.
func (self *Bump) Slabs() []Slab {
    self.mu.Lock()
    ret := append([]Slab(nil), self.slabs...)
    self.mu.Unlock()
    sort.Slice(ret, func(i int, j int) bool { return ret[i].Base < ret[j].Base })
    return ret
}

func (self *Bump) Stats() Stats {
    self.mu.Lock()
    defer self.mu.Unlock()
    return self.stats
}
