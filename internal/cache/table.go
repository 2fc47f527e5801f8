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

const (
    _MaxProbe  = 8
    _InitSlots = 1024
)

type slot struct {
    key uint64
    val uint64
}

// Table is the private per-CPU map from mangled addresses to code cache
// addresses. Zero is never a valid key. It is not safe for concurrent use.
type Table struct {
    tab  []slot
    mask uint64
    size int
}

func NewTable() *Table {
    return &Table {
        tab  : make([]slot, _InitSlots),
        mask : _InitSlots - 1,
    }
}

// fmix64 is the MurmurHash3 finalizer.
func fmix64(k uint64) uint64 {
    k ^= k >> 33
    k *= 0xff51afd7ed558ccd
    k ^= k >> 33
    k *= 0xc4ceb9fe1a85ec53
    k ^= k >> 33
    return k
}

func (self *Table) Get(key uint64) (uint64, bool) {
    h := fmix64(key)
    for i := uint64(0); i < _MaxProbe; i++ {
        p := &self.tab[(h + i) & self.mask]
        if p.key == key {
            return p.val, true
        }
        if p.key == 0 {
            return 0, false
        }
    }
    return 0, false
}

// Put inserts or replaces key, doubling the table whenever the probe
// sequence is full.
func (self *Table) Put(key uint64, val uint64) {
    for !self.put(key, val) {
        self.grow()
    }
}

func (self *Table) put(key uint64, val uint64) bool {
    h := fmix64(key)
    for i := uint64(0); i < _MaxProbe; i++ {
        p := &self.tab[(h + i) & self.mask]
        if p.key == key {
            p.val = val
            return true
        }
        if p.key == 0 {
            p.key, p.val = key, val
            self.size++
            return true
        }
    }
    return false
}

func (self *Table) grow() {
    old := self.tab
    for {
        self.tab = make([]slot, len(self.tab) * 2)
        self.mask = uint64(len(self.tab) - 1)
        self.size = 0
        if self.rehash(old) {
            return
        }
    }
}

func (self *Table) rehash(old []slot) bool {
    for _, p := range old {
        if p.key != 0 && !self.put(p.key, p.val) {
            return false
        }
    }
    return true
}

func (self *Table) Len() int {
    return self.size
}

// Cap is the number of slots.
func (self *Table) Cap() int {
    return len(self.tab)
}
