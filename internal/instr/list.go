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


package instr

// List is a doubly linked list of instructions.
type List struct {
    Head *Instr
    Tail *Instr
    size int
}

func (self *List) Len() int {
    return self.size
}

func (self *List) Append(v ...*Instr) *List {
    for _, p := range v {
        self.InsertAfter(self.Tail, p)
    }
    return self
}

func (self *List) Prepend(p *Instr) *List {
    self.InsertBefore(self.Head, p)
    return self
}

// InsertAfter links p after at, a nil at inserts at the head.
func (self *List) InsertAfter(at *Instr, p *Instr) {
    self.size++
    p.Prev = at
    if at == nil {
        p.Next, self.Head = self.Head, p
    } else {
        p.Next, at.Next = at.Next, p
    }
    if p.Next == nil {
        self.Tail = p
    } else {
        p.Next.Prev = p
    }
}

// InsertBefore links p before at, a nil at appends to the tail.
func (self *List) InsertBefore(at *Instr, p *Instr) {
    if at == nil {
        self.InsertAfter(self.Tail, p)
    } else {
        self.InsertAfter(at.Prev, p)
    }
}

func (self *List) Remove(p *Instr) {
    if p.Prev == nil {
        self.Head = p.Next
    } else {
        p.Prev.Next = p.Next
    }
    if p.Next == nil {
        self.Tail = p.Prev
    } else {
        p.Next.Prev = p.Prev
    }
    self.size--
    p.Prev, p.Next = nil, nil
}

// Replace puts q in place of p.
func (self *List) Replace(p *Instr, q *Instr) {
    self.InsertAfter(p, q)
    self.Remove(p)
}

// Splice moves every instruction of other to the tail of this list.
func (self *List) Splice(other *List) {
    for p := other.Head; p != nil; {
        q := p.Next
        other.Remove(p)
        self.Append(p)
        p = q
    }
}

// Slice returns the instructions in order.
func (self *List) Slice() []*Instr {
    ret := make([]*Instr, 0, self.size)
    for p := self.Head; p != nil; p = p.Next {
        ret = append(ret, p)
    }
    return ret
}
