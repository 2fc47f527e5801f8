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
    `sync/atomic`

    `github.com/cloudwego/mirage/internal/utils`
    `github.com/cloudwego/mirage/internal/vm`
)

// ExecRegion is the reserved executable region, split into the code cache
// zone (growing forward from the start), the generated code zone (growing
// backward from WrapperStart) and the wrapper zone (growing forward from
// WrapperStart to the end).
type ExecRegion struct {
    Base         uint64
    End          uint64
    WrapperStart uint64
    cache        uint64
    gencode      uint64
    wrapper      uint64
}

// NewExecRegion maps an RWX region of size bytes at base.
func NewExecRegion(mem *vm.Memory, base uint64, size uint64, wrapperSize uint64) (*ExecRegion, error) {
    if wrapperSize >= size {
        utils.Throw(utils.FaultInvariant, base, "wrapper zone %#x does not fit in %#x", wrapperSize, size)
    }
    if _, err := mem.Map(base, size, "exec", vm.PermRWX); err != nil {
        return nil, err
    }
    return &ExecRegion {
        Base         : base,
        End          : base + size,
        WrapperStart : base + size - wrapperSize,
        cache        : base,
        gencode      : base + size - wrapperSize,
        wrapper      : base + size - wrapperSize,
    }, nil
}

func alignUp(v uint64, align uint64) uint64 {
    return (v + align - 1) &^ (align - 1)
}

// AllocCache bump-allocates size bytes from the code cache zone.
func (self *ExecRegion) AllocCache(size uint64) uint64 {
    size = alignUp(size, 16)
    end := atomic.AddUint64(&self.cache, size)
    if end > atomic.LoadUint64(&self.gencode) {
        panic(utils.EExhausted("code cache", end - size, size))
    }
    return end - size
}

// AllocGencode allocates size bytes from the top of the generated code
// zone, moving it downwards.
func (self *ExecRegion) AllocGencode(size uint64) uint64 {
    size = alignUp(size, 16)
    low := atomic.AddUint64(&self.gencode, -size)
    if low < atomic.LoadUint64(&self.cache) {
        panic(utils.EExhausted("gencode", low, size))
    }
    return low
}

// AllocWrapper allocates size bytes from the wrapper zone.
func (self *ExecRegion) AllocWrapper(size uint64) uint64 {
    size = alignUp(size, 16)
    end := atomic.AddUint64(&self.wrapper, size)
    if end > self.End {
        panic(utils.EExhausted("wrapper", end - size, size))
    }
    return end - size
}

// Slab implements Source over the code cache zone.
func (self *ExecRegion) Slab(size uint64) uint64 {
    return self.AllocCache(size)
}

func (self *ExecRegion) IsCodeCache(addr uint64) bool {
    return addr >= self.Base && addr < atomic.LoadUint64(&self.cache)
}

func (self *ExecRegion) IsGencode(addr uint64) bool {
    return addr >= atomic.LoadUint64(&self.gencode) && addr < self.WrapperStart
}

func (self *ExecRegion) IsWrapper(addr uint64) bool {
    return addr >= self.WrapperStart && addr < atomic.LoadUint64(&self.wrapper)
}

// Contains reports whether addr is anywhere inside the region.
func (self *ExecRegion) Contains(addr uint64) bool {
    return addr >= self.Base && addr < self.End
}

// Usage reports the bytes consumed by each zone.
func (self *ExecRegion) Usage() (cache uint64, gencode uint64, wrapper uint64) {
    cache = atomic.LoadUint64(&self.cache) - self.Base
    gencode = self.WrapperStart - atomic.LoadUint64(&self.gencode)
    wrapper = atomic.LoadUint64(&self.wrapper) - self.WrapperStart
    return
}
