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
    `testing`

    `github.com/brianvoe/gofakeit/v6`
    `github.com/cloudwego/mirage/internal/utils`
    `github.com/cloudwego/mirage/internal/vm`
    `github.com/stretchr/testify/require`
)

const (
    _ExecBase = 0x40000000
    _ExecSize = 0x100000
    _HeapBase = 0x30000000
    _HeapSize = 0x100000
)

func newTestRegion(t *testing.T) (*vm.Memory, *ExecRegion) {
    mem := vm.NewMemory()
    t.Cleanup(func() { _ = mem.Close() })
    rgn, err := NewExecRegion(mem, _ExecBase, _ExecSize, 0x10000)
    require.NoError(t, err)
    return mem, rgn
}

func requireFault(t *testing.T, kind utils.FaultKind, fn func()) {
    defer func() {
        f := utils.AsFault(recover())
        require.NotNil(t, f, "expected a fault")
        require.Equal(t, kind, f.Kind)
    }()
    fn()
}

func TestExecRegion_Zones(t *testing.T) {
    _, rgn := newTestRegion(t)
    a := rgn.AllocCache(100)
    b := rgn.AllocCache(1)
    require.Equal(t, uint64(_ExecBase), a)
    require.Equal(t, uint64(_ExecBase + 112), b)
    g := rgn.AllocGencode(32)
    require.Equal(t, rgn.WrapperStart - 32, g)
    w := rgn.AllocWrapper(20)
    require.Equal(t, rgn.WrapperStart, w)
    require.True(t, rgn.IsCodeCache(a))
    require.True(t, rgn.IsGencode(g))
    require.True(t, rgn.IsWrapper(w))
    require.False(t, rgn.IsCodeCache(g))
    require.False(t, rgn.IsGencode(w))
    cache, gencode, wrapper := rgn.Usage()
    require.Equal(t, uint64(128), cache)
    require.Equal(t, uint64(32), gencode)
    require.Equal(t, uint64(32), wrapper)
}

func TestExecRegion_Exhausted(t *testing.T) {
    _, rgn := newTestRegion(t)
    requireFault(t, utils.FaultExhausted, func() { rgn.AllocCache(_ExecSize) })
    requireFault(t, utils.FaultExhausted, func() { rgn.AllocWrapper(0x10010) })
}

func TestHeap_SizeClasses(t *testing.T) {
    mem, _ := newTestRegion(t)
    h, err := NewHeap(mem, _HeapBase, _HeapSize)
    require.NoError(t, err)
    require.Equal(t, MinScale, ScaleOf(1))
    require.Equal(t, 4, ScaleOf(9))
    require.Equal(t, 12, ScaleOf(4096))
    a := h.Alloc(24)
    b := h.Alloc(24)
    require.Equal(t, uint64(32), b - a)

    /* freed chunks are reused and zeroed */
    require.NoError(t, mem.Store64(a, 0xdead))
    h.Free(a, 24)
    c := h.Alloc(32)
    require.Equal(t, a, c)
    v, err := mem.Load64(c)
    require.NoError(t, err)
    require.Zero(t, v)
    requireFault(t, utils.FaultExhausted, func() { h.Alloc(_HeapSize * 2) })
}

func newTestBump(t *testing.T, transient bool, shared bool) *Bump {
    _, rgn := newTestRegion(t)
    return NewBump(Config {
        Name      : "test",
        SlabSize  : 0x1000,
        Exec      : true,
        Transient : transient,
        Shared    : shared,
        Source    : rgn,
    })
}

func TestBump_StackDiscipline(t *testing.T) {
    b := newTestBump(t, false, false)
    a1, _ := b.Alloc(40, 8)
    a2, u2 := b.Alloc(40, 8)
    require.Equal(t, a1 + 48, a2)
    u2.Release()

    /* the rolled back space is handed out again */
    a3, u3 := b.Alloc(40, 8)
    require.Equal(t, a2, a3)
    _, _ = b.Alloc(8, 8)
    requireFault(t, utils.FaultAllocator, u3.Release)
    requireFault(t, utils.FaultAllocator, u2.Release)
}

func TestBump_UndoFreshSlab(t *testing.T) {
    b := newTestBump(t, false, false)
    _, _ = b.Alloc(0xf00, 16)
    a, u := b.Alloc(0x200, 16)
    require.Equal(t, 2, b.Stats().Slabs)
    u.Release()
    require.Equal(t, 1, b.Stats().Slabs)

    /* the released slab is taken back from the free list */
    c, _ := b.Alloc(0x200, 16)
    require.Equal(t, a, c)
}

func TestBump_Shared(t *testing.T) {
    b := newTestBump(t, false, true)
    _, u := b.Alloc(16, 16)
    requireFault(t, utils.FaultAllocator, u.Release)
    requireFault(t, utils.FaultAllocator, b.FreeAll)
}

func TestBump_FreeAll(t *testing.T) {
    b := newTestBump(t, true, false)
    seen := map[uint64]bool{}
    for i := 0; i < 64; i++ {
        a, _ := b.Alloc(uint64(gofakeit.Number(1, 0x300)), 16)
        seen[a] = true
    }
    slabs := b.Slabs()
    require.NotEmpty(t, slabs)
    b.FreeAll()
    require.Zero(t, b.Stats().Allocs)

    /* the slabs come back from the free list */
    a, _ := b.Alloc(16, 16)
    _, ok := b.SlabOf(a)
    require.True(t, ok)
    found := false
    for _, s := range slabs {
        found = found || s.Contains(a)
    }
    require.True(t, found)
}

func TestBump_Oversize(t *testing.T) {
    b := newTestBump(t, false, false)
    a, _ := b.Alloc(0x3000, 16)
    s, ok := b.SlabOf(a)
    require.True(t, ok)
    require.True(t, s.Size >= 0x3000)
    require.True(t, s.Contains(a + 0x2fff))
}

func TestBump_ExecAlignment(t *testing.T) {
    b := newTestBump(t, false, false)
    for i := 0; i < 32; i++ {
        a, _ := b.Alloc(uint64(gofakeit.Number(1, 100)), 1)
        require.Zero(t, a & 15)
    }
}
