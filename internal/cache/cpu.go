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
    `fmt`
    `sync`

    `github.com/cloudwego/mirage/internal/alloc`
)

// CPU is the state private to one CPU slot. Only the thread that holds the
// slot may translate on it.
type CPU struct {
    mu      sync.Mutex
    id      int
    table   *Table
    code    *alloc.Bump
    state   *alloc.Bump
    scratch *alloc.Bump
}

func newCPU(id int, region *alloc.ExecRegion, heap *alloc.Heap, slab uint64, free *alloc.FreeList) *CPU {
    return &CPU {
        id    : id,
        table : NewTable(),
        code  : alloc.NewBump(alloc.Config {
            Name     : fmt.Sprintf("code/%d", id),
            SlabSize : slab,
            Exec     : true,
            Source   : region,
        }),
        state : alloc.NewBump(alloc.Config {
            Name     : fmt.Sprintf("state/%d", id),
            SlabSize : slab,
            Source   : heap,
        }),
        scratch : alloc.NewBump(alloc.Config {
            Name      : fmt.Sprintf("scratch/%d", id),
            SlabSize  : slab,
            Transient : true,
            Source    : heap,
            FreeList  : free,
        }),
    }
}

func (self *CPU) ID() int                 { return self.id }
func (self *CPU) Code() *alloc.Bump       { return self.code }
func (self *CPU) State() *alloc.Bump      { return self.state }
func (self *CPU) Scratch() *alloc.Bump    { return self.scratch }
func (self *CPU) Table() *Table           { return self.table }

// Acquire takes the slot for the calling thread.
func (self *CPU) Acquire() { self.mu.Lock() }
func (self *CPU) Release() { self.mu.Unlock() }
