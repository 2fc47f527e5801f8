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
    `sort`
    `sync`

    `github.com/cloudwego/mirage/internal/alloc`
    `github.com/cloudwego/mirage/internal/vm`
)

type locator struct {
    start uint64
    meta  uint64
}

type slabIndex struct {
    slab   alloc.Slab
    blocks []locator
}

func (self *slabIndex) insert(loc locator) {
    i := sort.Search(len(self.blocks), func(i int) bool { return self.blocks[i].start >= loc.start })
    self.blocks = append(self.blocks, locator{})
    copy(self.blocks[i + 1:], self.blocks[i:])
    self.blocks[i] = loc
}

func (self *slabIndex) find(addr uint64) (locator, bool) {
    i := sort.Search(len(self.blocks), func(i int) bool { return self.blocks[i].start > addr }) - 1
    if i < 0 || addr >= self.blocks[i].meta {
        return locator{}, false
    } else {
        return self.blocks[i], true
    }
}

// Index maps code cache addresses back to the block containing them.
type Index struct {
    mu    sync.RWMutex
    slabs []*slabIndex
    count int
}

func (self *Index) slabFor(addr uint64) int {
    return sort.Search(len(self.slabs), func(i int) bool { return self.slabs[i].slab.End() > addr })
}

// Add records a published block living in slab.
func (self *Index) Add(slab alloc.Slab, b *Block) {
    self.mu.Lock()
    defer self.mu.Unlock()
    i := self.slabFor(slab.Base)
    if i == len(self.slabs) || self.slabs[i].slab.Base != slab.Base {
        self.slabs = append(self.slabs, nil)
        copy(self.slabs[i + 1:], self.slabs[i:])
        self.slabs[i] = &slabIndex { slab: slab }
    }
    self.slabs[i].insert(locator { start: b.Start, meta: b.MetaAddr })
    self.count++
}

// Lookup returns the header address of the block whose code contains addr.
func (self *Index) Lookup(addr uint64) (uint64, bool) {
    self.mu.RLock()
    defer self.mu.RUnlock()
    if i := self.slabFor(addr); i == len(self.slabs) || !self.slabs[i].slab.Contains(addr) {
        return 0, false
    } else if loc, ok := self.slabs[i].find(addr); !ok {
        return 0, false
    } else {
        return loc.meta, true
    }
}

func (self *Index) Len() int {
    self.mu.RLock()
    defer self.mu.RUnlock()
    return self.count
}

// Each visits every block header address in address order.
func (self *Index) Each(fn func(meta uint64) bool) {
    self.mu.RLock()
    defer self.mu.RUnlock()
    for _, s := range self.slabs {
        for _, b := range s.blocks {
            if !fn(b.meta) {
                return
            }
        }
    }
}

// ScanMeta finds the header of the block containing pc by scanning forward
// over 8-byte aligned words for the header magic.
func ScanMeta(mem *vm.Memory, pc uint64) (uint64, bool) {
    lim := pc + 1 << 16 + MetaSize
    for at := alignUp(pc, 8); at < lim; at += 8 {
        tag, err := mem.Load(at, 4)
        if err != nil {
            return 0, false
        }
        if !IsMagic(uint32(tag)) {
            continue
        }
        n, err := mem.Load(at + 4, 2)
        if err != nil || at - n > pc {
            return 0, false
        }
        return at, true
    }
    return 0, false
}
