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


package policy

import (
    `sync`
    `sync/atomic`

    `github.com/cloudwego/mirage/internal/instr`
    `github.com/cloudwego/mirage/internal/utils`
)

// Context is what a visitor sees of a block being translated.
type Context struct {
    CPU    int
    PC     uint64
    Policy Policy
    State  uint64
    Instrs *instr.List
}

// Visitor instruments a block and returns its exit policy.
type Visitor interface {
    Visit(ctx *Context) Policy
}

// StateSizer is implemented by visitors that need block-local storage.
type StateSizer interface {
    StateSize() uint64
}

type VisitorFunc func(ctx *Context) Policy

func (self VisitorFunc) Visit(ctx *Context) Policy {
    return self(ctx)
}

// Null leaves blocks untouched.
var Null = VisitorFunc(func(ctx *Context) Policy { return ctx.Policy })

// Entry is a registered policy.
type Entry struct {
    Name      string
    Policy    Policy
    Visitor   Visitor
    StateSize uint64
}

// Registry maps policy identifiers to visitors. Lookups are lock free.
type Registry struct {
    mu  sync.Mutex
    tab [_IDMask + 1]atomic.Pointer[Entry]
    cnt int
}

// NewRegistry creates a registry with the null policy as identifier 0.
func NewRegistry() *Registry {
    ret := new(Registry)
    ret.Register("null", Null, 0)
    return ret
}

// Register binds a visitor to the next free identifier.
func (self *Registry) Register(name string, v Visitor, props Policy) Policy {
    self.mu.Lock()
    defer self.mu.Unlock()
    if self.cnt > _IDMask {
        utils.Throw(utils.FaultPolicy, uint64(self.cnt), "too many policies")
    }

    /* resolve the state size once */
    p := New(uint8(self.cnt), props)
    e := &Entry { Name: name, Policy: p, Visitor: v }
    if ss, ok := v.(StateSizer); ok {
        e.StateSize = ss.StateSize()
    }

    /* publish the entry */
    self.tab[self.cnt].Store(e)
    self.cnt++
    return p
}

// Get returns the entry of a policy. Unregistered policies are fatal.
func (self *Registry) Get(p Policy) *Entry {
    if e := self.tab[p.ID()].Load(); e == nil {
        panic(utils.EPolicy(p.ID()))
    } else {
        return e
    }
}

func (self *Registry) Len() int {
    self.mu.Lock()
    defer self.mu.Unlock()
    return self.cnt
}
