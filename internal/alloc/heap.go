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
    `math/bits`
    `sync`
    `sync/atomic`

    `github.com/cloudwego/mirage/internal/utils`
    `github.com/cloudwego/mirage/internal/vm`
)

const (
    MinScale = 3
    MaxScale = 40
)

// Heap is a size-class allocator over a non-executable region. Requests are
// rounded up to a power of two, never smaller than 1 << MinScale bytes.
type Heap struct {
    mu   sync.Mutex
    mem  *vm.Memory
    base uint64
    size uint64
    next uint64
    free [MaxScale + 1][]uint64
}

// NewHeap maps a read-write region of size bytes at base.
func NewHeap(mem *vm.Memory, base uint64, size uint64) (*Heap, error) {
    if _, err := mem.Map(base, size, "heap", vm.PermRW); err != nil {
        return nil, err
    }
    return &Heap {
        mem  : mem,
        base : base,
        size : size,
        next : base,
    }, nil
}

// ScaleOf returns the size class of a request.
func ScaleOf(size uint64) int {
    if size <= 1 << MinScale {
        return MinScale
    } else {
        return bits.Len64(size - 1)
    }
}

func (self *Heap) bump(n uint64) uint64 {
    align := n
    if align > 64 {
        align = 64
    }
    for {
        old := atomic.LoadUint64(&self.next)
        addr := alignUp(old, align)
        if addr + n > self.base + self.size {
            panic(utils.EExhausted("heap", addr, n))
        }
        if atomic.CompareAndSwapUint64(&self.next, old, addr + n) {
            return addr
        }
    }
}

// Alloc returns a zeroed chunk of at least size bytes.
func (self *Heap) Alloc(size uint64) uint64 {
    sc := ScaleOf(size)
    if sc > MaxScale {
        panic(utils.EExhausted("heap", 0, size))
    }

    /* reuse a freed chunk of the same class */
    self.mu.Lock()
    if fl := self.free[sc]; len(fl) != 0 {
        addr := fl[len(fl) - 1]
        self.free[sc] = fl[:len(fl) - 1]
        self.mu.Unlock()
        self.zero(addr, 1 << sc)
        return addr
    }

    /* first touch from the bump index */
    self.mu.Unlock()
    return self.bump(1 << sc)
}

// Free returns a chunk to its size class.
func (self *Heap) Free(addr uint64, size uint64) {
    if !self.Contains(addr) {
        panic(utils.EAllocator(addr, "freeing a chunk outside the heap"))
    }
    sc := ScaleOf(size)
    self.mu.Lock()
    self.free[sc] = append(self.free[sc], addr)
    self.mu.Unlock()
}

// Slab implements Source over the heap.
func (self *Heap) Slab(size uint64) uint64 {
    return self.Alloc(size)
}

func (self *Heap) Contains(addr uint64) bool {
    return addr >= self.base && addr < atomic.LoadUint64(&self.next)
}

// Used reports the bytes taken from the bump index.
func (self *Heap) Used() uint64 {
    return atomic.LoadUint64(&self.next) - self.base
}

func (self *Heap) zero(addr uint64, n uint64) {
    if err := self.mem.Write(addr, make([]byte, n)); err != nil {
        panic(utils.EAddress(addr, err.Error()))
    }
}
