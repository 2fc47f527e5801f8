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


package detach

import (
    `sync`
    `sync/atomic`
)

// Context is the execution environment a detach point applies to.
type Context uint8

const (
    Application Context = iota
    Host
)

func (self Context) String() string {
    if self == Host {
        return "host"
    } else {
        return "app"
    }
}

type key struct {
    pc  uint64
    ctx Context
}

// Registry maps native addresses to the targets that leave mediation.
// It is read-mostly: writers copy the table.
type Registry struct {
    mu  sync.Mutex
    tab atomic.Pointer[map[key]uint64]
}

func NewRegistry() *Registry {
    ret := new(Registry)
    ret.tab.Store(&map[key]uint64{})
    return ret
}

// Add registers a detach point.
func (self *Registry) Add(native uint64, target uint64, ctx Context) {
    self.mu.Lock()
    defer self.mu.Unlock()
    old := *self.tab.Load()
    tab := make(map[key]uint64, len(old) + 1)
    for k, v := range old {
        tab[k] = v
    }
    tab[key { native, ctx }] = target
    self.tab.Store(&tab)
}

// Find returns the detach target of native in ctx.
func (self *Registry) Find(native uint64, ctx Context) (uint64, bool) {
    v, ok := (*self.tab.Load())[key { native, ctx }]
    return v, ok
}

func (self *Registry) Len() int {
    return len(*self.tab.Load())
}
