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
    `encoding/binary`
    `fmt`
    `sort`
    `sync`
    `sync/atomic`
)

// Perm is the access mode of a region.
type Perm uint8

const (
    PermRead Perm = 1 << iota
    PermWrite
    PermExec
)

const (
    PermRW  = PermRead | PermWrite
    PermRX  = PermRead | PermExec
    PermRWX = PermRead | PermWrite | PermExec
)

func (self Perm) String() string {
    b := []byte("---")
    if self & PermRead != 0 { b[0] = 'r' }
    if self & PermWrite != 0 { b[1] = 'w' }
    if self & PermExec != 0 { b[2] = 'x' }
    return string(b)
}

// Region is a contiguous mapping of the simulated address space. Its
// contents are kept as 64-bit words so every access can be atomic.
type Region struct {
    Base  uint64
    Size  uint64
    Name  string
    Perm  Perm
    words []uint64
    free  func() error
}

func (self *Region) End() uint64 {
    return self.Base + self.Size
}

func (self *Region) Contains(addr uint64) bool {
    return addr >= self.Base && addr - self.Base < self.Size
}

func (self *Region) String() string {
    return fmt.Sprintf("%#016x-%#016x %s %s", self.Base, self.End(), self.Perm, self.Name)
}

func (self *Region) read(off uint64, buf []byte) {
    for len(buf) != 0 {
        var tmp [8]byte
        sh := off & 7
        binary.LittleEndian.PutUint64(tmp[:], atomic.LoadUint64(&self.words[off >> 3]))
        n := copy(buf, tmp[sh:])
        buf = buf[n:]
        off += uint64(n)
    }
}

func (self *Region) write(off uint64, buf []byte) {
    for len(buf) != 0 {
        sh := off & 7
        wp := &self.words[off >> 3]

        /* fully covered words are stored directly */
        if sh == 0 && len(buf) >= 8 {
            atomic.StoreUint64(wp, binary.LittleEndian.Uint64(buf))
            buf = buf[8:]
            off += 8
            continue
        }

        /* partial words are merged with a CAS loop */
        var n int
        for {
            var tmp [8]byte
            old := atomic.LoadUint64(wp)
            binary.LittleEndian.PutUint64(tmp[:], old)
            n = copy(tmp[sh:], buf)
            if atomic.CompareAndSwapUint64(wp, old, binary.LittleEndian.Uint64(tmp[:])) {
                break
            }
        }
        buf = buf[n:]
        off += uint64(n)
    }
}

// Memory is a simulated 64-bit address space.
type Memory struct {
    mu   sync.Mutex
    list atomic.Value
}

func NewMemory() *Memory {
    ret := new(Memory)
    ret.list.Store([]*Region(nil))
    return ret
}

func (self *Memory) regions() []*Region {
    return self.list.Load().([]*Region)
}

// Regions returns a snapshot of all mapped regions in address order.
func (self *Memory) Regions() []*Region {
    return append([]*Region(nil), self.regions()...)
}

// Map maps a zero-filled region. Base and size must be 8-byte aligned.
func (self *Memory) Map(base uint64, size uint64, name string, perm Perm) (*Region, error) {
    if base & 7 != 0 || size & 7 != 0 || size == 0 {
        return nil, fmt.Errorf("vm: misaligned mapping %#x+%#x", base, size)
    }
    if base + size < base {
        return nil, fmt.Errorf("vm: mapping %#x+%#x wraps around", base, size)
    }

    /* check for overlapping */
    self.mu.Lock()
    defer self.mu.Unlock()
    old := self.regions()
    for _, r := range old {
        if base < r.End() && r.Base < base + size {
            return nil, fmt.Errorf("vm: mapping %#x+%#x overlaps %s", base, size, r.Name)
        }
    }

    /* allocate the backing words */
    words, free, err := newBacking(size)
    if err != nil {
        return nil, err
    }

    /* copy-on-write the region list */
    reg := &Region { Base: base, Size: size, Name: name, Perm: perm, words: words, free: free }
    buf := append(append(make([]*Region, 0, len(old) + 1), old...), reg)
    sort.Slice(buf, func(i int, j int) bool { return buf[i].Base < buf[j].Base })
    self.list.Store(buf)
    return reg, nil
}

// Close releases every backing mapping. The memory must not be used afterwards.
func (self *Memory) Close() error {
    self.mu.Lock()
    defer self.mu.Unlock()
    var err error
    for _, r := range self.regions() {
        if r.free != nil {
            if e := r.free(); e != nil && err == nil {
                err = e
            }
        }
    }
    self.list.Store([]*Region(nil))
    return err
}

// Region returns the region containing addr, or nil.
func (self *Memory) Region(addr uint64) *Region {
    rs := self.regions()
    i := sort.Search(len(rs), func(i int) bool { return rs[i].End() > addr })
    if i < len(rs) && rs[i].Contains(addr) {
        return rs[i]
    } else {
        return nil
    }
}

func (self *Memory) locate(addr uint64, n int, perm Perm) (*Region, error) {
    r := self.Region(addr)
    if r == nil || addr + uint64(n) > r.End() || addr + uint64(n) < addr {
        return nil, &Fault { Kind: FaultUnmapped, Addr: addr }
    }
    if r.Perm & perm != perm {
        return nil, &Fault { Kind: FaultProtection, Addr: addr }
    }
    return r, nil
}

func (self *Memory) Read(addr uint64, buf []byte) error {
    if r, err := self.locate(addr, len(buf), PermRead); err != nil {
        return err
    } else {
        r.read(addr - r.Base, buf)
        return nil
    }
}

func (self *Memory) Write(addr uint64, buf []byte) error {
    if r, err := self.locate(addr, len(buf), PermWrite); err != nil {
        return err
    } else {
        r.write(addr - r.Base, buf)
        return nil
    }
}

// Load reads an n-byte little endian value, n is 1, 2, 4 or 8.
func (self *Memory) Load(addr uint64, n int) (uint64, error) {
    var tmp [8]byte
    if err := self.Read(addr, tmp[:n]); err != nil {
        return 0, err
    } else {
        return binary.LittleEndian.Uint64(tmp[:]), nil
    }
}

// Store writes the low n bytes of v in little endian order.
func (self *Memory) Store(addr uint64, v uint64, n int) error {
    var tmp [8]byte
    binary.LittleEndian.PutUint64(tmp[:], v)
    return self.Write(addr, tmp[:n])
}

func (self *Memory) Load64(addr uint64) (uint64, error) {
    return self.Load(addr, 8)
}

func (self *Memory) Store64(addr uint64, v uint64) error {
    return self.Store(addr, v, 8)
}

// CAS64 atomically replaces the 8-byte aligned word at addr.
func (self *Memory) CAS64(addr uint64, old uint64, new uint64) (bool, error) {
    if addr & 7 != 0 {
        return false, &Fault { Kind: FaultAlignment, Addr: addr }
    } else if r, err := self.locate(addr, 8, PermWrite); err != nil {
        return false, err
    } else {
        return atomic.CompareAndSwapUint64(&r.words[(addr - r.Base) >> 3], old, new), nil
    }
}

// Fetch copies up to len(buf) executable bytes starting at addr, stopping
// at the end of the region. It returns the number of bytes copied.
func (self *Memory) Fetch(addr uint64, buf []byte) (int, error) {
    r := self.Region(addr)
    if r == nil {
        return 0, &Fault { Kind: FaultUnmapped, Addr: addr }
    }
    if r.Perm & PermExec == 0 {
        return 0, &Fault { Kind: FaultProtection, Addr: addr }
    }
    if rem := r.End() - addr; rem < uint64(len(buf)) {
        buf = buf[:rem]
    }
    r.read(addr - r.Base, buf)
    return len(buf), nil
}

// Poke writes bytes ignoring region permissions, used to load images.
func (self *Memory) Poke(addr uint64, buf []byte) error {
    if r, err := self.locate(addr, len(buf), 0); err != nil {
        return err
    } else {
        r.write(addr - r.Base, buf)
        return nil
    }
}

// Peek reads bytes ignoring region permissions.
func (self *Memory) Peek(addr uint64, buf []byte) error {
    if r, err := self.locate(addr, len(buf), 0); err != nil {
        return err
    } else {
        r.read(addr - r.Base, buf)
        return nil
    }
}

// Modify performs an atomic read-modify-write of an n-byte value that does
// not cross an 8-byte boundary, and returns the previous value. Accesses
// spanning two words fall back to a plain load and store.
func (self *Memory) Modify(addr uint64, n int, fn func(old uint64) uint64) (uint64, error) {
    r, err := self.locate(addr, n, PermRead | PermWrite)
    if err != nil {
        return 0, err
    }

    /* split accesses are not atomic */
    off := addr - r.Base
    if off & 7 + uint64(n) > 8 {
        old, err := self.Load(addr, n)
        if err != nil {
            return 0, err
        }
        return old, self.Store(addr, fn(old), n)
    }

    /* CAS loop on the containing word */
    sh := (off & 7) * 8
    mask := ^uint64(0)
    if n < 8 {
        mask = (1 << (uint(n) * 8)) - 1
    }
    wp := &r.words[off >> 3]
    for {
        w := atomic.LoadUint64(wp)
        old := (w >> sh) & mask
        nw := (w &^ (mask << sh)) | (fn(old) & mask) << sh
        if atomic.CompareAndSwapUint64(wp, w, nw) {
            return old, nil
        }
    }
}
