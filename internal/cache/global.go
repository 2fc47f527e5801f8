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
    `sync`

    `github.com/bytedance/gopkg/collection/skipmap`
)

// Global is the table shared by every CPU. The first value stored for a
// key wins, later stores return it instead.
type Global interface {
    Load(key uint64) (uint64, bool)
    LoadOrStore(key uint64, val uint64) (actual uint64, loaded bool)
    Range(fn func(key uint64, val uint64) bool)
    Len() int
}

// NewGlobal creates a lock-free table when lockFree is set, a locked map
// otherwise.
func NewGlobal(lockFree bool) Global {
    if lockFree {
        return &skipGlobal { m: skipmap.NewUint64() }
    } else {
        return &lockedGlobal { m: make(map[uint64]uint64) }
    }
}

type lockedGlobal struct {
    mu sync.RWMutex
    m  map[uint64]uint64
}

func (self *lockedGlobal) Load(key uint64) (uint64, bool) {
    self.mu.RLock()
    v, ok := self.m[key]
    self.mu.RUnlock()
    return v, ok
}

func (self *lockedGlobal) LoadOrStore(key uint64, val uint64) (uint64, bool) {
    self.mu.Lock()
    defer self.mu.Unlock()
    if v, ok := self.m[key]; ok {
        return v, true
    }
    self.m[key] = val
    return val, false
}

func (self *lockedGlobal) Range(fn func(key uint64, val uint64) bool) {
    self.mu.RLock()
    defer self.mu.RUnlock()
    for k, v := range self.m {
        if !fn(k, v) {
            return
        }
    }
}

func (self *lockedGlobal) Len() int {
    self.mu.RLock()
    defer self.mu.RUnlock()
    return len(self.m)
}

type skipGlobal struct {
    m *skipmap.Uint64Map
}

func (self *skipGlobal) Load(key uint64) (uint64, bool) {
    if v, ok := self.m.Load(key); ok {
        return v.(uint64), true
    } else {
        return 0, false
    }
}

func (self *skipGlobal) LoadOrStore(key uint64, val uint64) (uint64, bool) {
    v, loaded := self.m.LoadOrStore(key, val)
    return v.(uint64), loaded
}

func (self *skipGlobal) Range(fn func(key uint64, val uint64) bool) {
    self.m.Range(func(key uint64, val interface{}) bool {
        return fn(key, val.(uint64))
    })
}

func (self *skipGlobal) Len() int {
    return self.m.Len()
}
