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
    `fmt`
    `math/bits`

    `github.com/cloudwego/mirage/internal/alloc`
    `github.com/cloudwego/mirage/internal/utils`
    `github.com/cloudwego/mirage/internal/vm`
)

const (
    _MaxPadding = 7
)

// Block is a translated basic block living in the code cache.
type Block struct {
    Start    uint64
    MetaAddr uint64
    Meta     Meta
    States   []byte
    mem      *vm.Memory
    codeLen  int
    code     *alloc.Undo
    state    *alloc.Undo
}

// Load reads the block whose header is at addr.
func Load(mem *vm.Memory, addr uint64) (*Block, error) {
    var buf [MetaSize]byte
    if err := mem.Peek(addr, buf[:]); err != nil {
        return nil, err
    }
    hdr, ok := DecodeMeta(buf[:])
    if !ok {
        return nil, fmt.Errorf("block: no header at %#x", addr)
    }
    ret := &Block {
        Start    : addr - uint64(hdr.NumBytes),
        MetaAddr : addr,
        Meta     : hdr,
        mem      : mem,
        codeLen  : int(hdr.NumBytes),
    }
    if hdr.HasStates() {
        ret.States = make([]byte, StateTableSize(int(hdr.NumBytes)))
        if err := mem.Peek(addr + MetaSize, ret.States); err != nil {
            return nil, err
        }
    } else if err := ret.trimPadding(); err != nil {
        return nil, err
    }
    return ret, nil
}

func (self *Block) trimPadding() error {
    var buf [_MaxPadding]byte
    n := len(buf)
    if self.codeLen < n {
        n = self.codeLen
    }
    if err := self.mem.Peek(self.MetaAddr - uint64(n), buf[:n]); err != nil {
        return err
    }
    for n > 0 && buf[n - 1] == 0xcc {
        n--
        self.codeLen--
    }
    return nil
}

// End is the first address after the header and byte-state table.
func (self *Block) End() uint64 {
    return self.MetaAddr + MetaSize + uint64(len(self.States))
}

// Contains reports whether pc is inside the code of the block.
func (self *Block) Contains(pc uint64) bool {
    return pc >= self.Start && pc < self.MetaAddr
}

// Hits reads the live execution counter.
func (self *Block) Hits() uint32 {
    v, err := self.mem.Load(self.MetaAddr + _OffsetHits, 4)
    if err != nil {
        panic(utils.EAddress(self.MetaAddr, err.Error()))
    }
    return uint32(v)
}

// UpdateHotness stores the log2 bucket of the execution counter into the
// header and returns it.
func (self *Block) UpdateHotness() uint8 {
    hot := uint8(bits.Len32(self.Hits()))
    if err := self.mem.Store(self.MetaAddr + _OffsetHotness, uint64(hot), 1); err != nil {
        panic(utils.EAddress(self.MetaAddr, err.Error()))
    }
    self.Meta.Hotness = hot
    return hot
}

// Discard rolls back the allocations of a block that lost a publication
// race. It must run before the translating CPU allocates anything else.
func (self *Block) Discard() {
    if self.code == nil {
        panic(utils.EAllocator(self.Start, "block is not discardable"))
    }
    if self.state != nil {
        self.state.Release()
    }
    self.code.Release()
    self.code, self.state = nil, nil
}

func (self *Block) String() string {
    return fmt.Sprintf("block(%#x-%#x, pc=%#x, policy=%s)", self.Start, self.MetaAddr, self.Meta.PC, self.Meta.Policy)
}
