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
    `testing`

    `github.com/brianvoe/gofakeit/v6`
    `github.com/cloudwego/mirage/internal/alloc`
    `github.com/cloudwego/mirage/internal/arch`
    `github.com/cloudwego/mirage/internal/instr`
    `github.com/cloudwego/mirage/internal/policy`
    `github.com/cloudwego/mirage/internal/vm`
    `github.com/stretchr/testify/require`
    `golang.org/x/arch/x86/x86asm`
)

const (
    _TestCode = 0x40000000
    _TestSize = 0x10000
)

func newTestMemory(t *testing.T) *vm.Memory {
    mem := vm.NewMemory()
    t.Cleanup(func() { _ = mem.Close() })
    _, err := mem.Map(_TestCode, _TestSize, "cache", vm.PermRWX)
    require.NoError(t, err)
    return mem
}

// writeBlock lays out code, a header and an optional state table at addr
// the way the translator does.
func writeBlock(t *testing.T, mem *vm.Memory, addr uint64, code []byte, states []instr.State, hdr Meta) *Block {
    num := alignUp(uint64(len(code)), 8)
    buf := append([]byte(nil), code...)
    for uint64(len(buf)) < num {
        buf = append(buf, 0xcc)
        states = append(states, instr.StatePadding)
    }
    var tab []byte
    if hdr.HasStates() {
        tab = EncodeStates(states)
    }
    hdr.NumBytes = uint16(num)
    meta := make([]byte, MetaSize)
    hdr.Encode(meta)
    require.NoError(t, mem.Poke(addr, append(append(buf, meta...), tab...)))
    b, err := Load(mem, addr + num)
    require.NoError(t, err)
    return b
}

func TestMeta_RoundTrip(t *testing.T) {
    for i := 0; i < 100; i++ {
        m := Meta {
            Kind       : Kind(gofakeit.Number(0, 1)),
            NumBytes   : gofakeit.Uint16(),
            PatchBytes : gofakeit.Uint16(),
            Policy     : policy.Policy(gofakeit.Uint16()),
            Flags      : gofakeit.Uint8(),
            Hotness    : gofakeit.Uint8(),
            Hits       : gofakeit.Uint32(),
            PC         : gofakeit.Uint64(),
            State      : gofakeit.Uint64(),
        }
        buf := make([]byte, MetaSize)
        m.Encode(buf)
        v, ok := DecodeMeta(buf)
        require.True(t, ok)
        require.Equal(t, m, v)
    }
    _, ok := DecodeMeta(make([]byte, MetaSize))
    require.False(t, ok)
    require.Equal(t, "interrupted", KindInterrupted.String())
}

func TestStates_Table(t *testing.T) {
    require.Equal(t, 0, StateTableSize(0))
    require.Equal(t, 8, StateTableSize(1))
    require.Equal(t, 8, StateTableSize(32))
    require.Equal(t, 16, StateTableSize(33))
    st := []instr.State {
        instr.StateNative,
        instr.StateMangled,
        instr.StateInstrumented,
        instr.StateNative,
        instr.StateInstrumented,
    }
    tab := EncodeStates(st)
    for i, v := range st {
        require.Equal(t, v, getState(tab, i), "byte %d", i)
    }
    require.Equal(t, instr.StatePadding, getState(tab, len(st)))
}

func TestBlock_NextSafeInterruptLocation(t *testing.T) {
    mem := newTestMemory(t)
    code := make([]byte, 12)
    st := []instr.State {
        instr.StateNative, instr.StateNative,
        instr.StateInstrumented, instr.StateInstrumented, instr.StateInstrumented,
        instr.StateMangled, instr.StateMangled,
        instr.StateInstrumented, instr.StateInstrumented,
        instr.StateNative, instr.StateNative, instr.StateNative,
    }
    b := writeBlock(t, mem, _TestCode, code, st, Meta { Kind: KindTranslated, Flags: FlagStates, PC: 0x400000 })
    require.Equal(t, uint64(_TestCode), b.Start)
    require.Equal(t, uint64(_TestCode + 16), b.MetaAddr)
    require.Len(t, b.States, 8)

    for _, tc := range []struct { off uint64; next uint64; ok bool } {
        { 0, 0, true },
        { 2, 2, true },
        { 3, 5, true },
        { 4, 5, true },
        { 7, 9, true },
        { 11, 11, true },
        { 12, 0, false },
    } {
        next, ok := b.NextSafeInterruptLocation(_TestCode + tc.off)
        require.Equal(t, tc.ok, ok, "offset %d", tc.off)
        if ok {
            require.Equal(t, _TestCode + tc.next, next, "offset %d", tc.off)
        }
    }
    require.False(t, b.IsInterruptDelayed(_TestCode + 2))
    require.True(t, b.IsInterruptDelayed(_TestCode + 3))
    require.True(t, b.IsInterruptDelayed(_TestCode + 12))

    /* interrupted fragments are never entered at a mangled byte */
    b.Meta.Kind = KindInterrupted
    _, ok := b.NextSafeInterruptLocation(_TestCode + 4)
    require.False(t, ok)
}

func TestBlock_NoStateTable(t *testing.T) {
    mem := newTestMemory(t)
    b := writeBlock(t, mem, _TestCode, []byte { 0x90, 0x90, 0x90, 0xc3 }, nil, Meta { PC: 0x400000 })
    require.Nil(t, b.States)
    require.Equal(t, 4, b.codeLen)
    require.Equal(t, instr.StateNative, b.StateAt(_TestCode + 3))
    require.Equal(t, instr.StatePadding, b.StateAt(_TestCode + 4))
    require.Equal(t, instr.StatePadding, b.StateAt(_TestCode + 8))
    require.Equal(t, b.MetaAddr + MetaSize, b.End())
}

func TestBlock_Hotness(t *testing.T) {
    mem := newTestMemory(t)
    b := writeBlock(t, mem, _TestCode, []byte { 0xc3 }, nil, Meta {})
    require.Zero(t, b.Hits())
    require.NoError(t, mem.Store(b.MetaAddr + _OffsetHits, 1000, 4))
    require.Equal(t, uint32(1000), b.Hits())
    require.Equal(t, uint8(10), b.UpdateHotness())
    v, err := Load(mem, b.MetaAddr)
    require.NoError(t, err)
    require.Equal(t, uint8(10), v.Meta.Hotness)
}

func TestIndex_Lookup(t *testing.T) {
    mem := newTestMemory(t)
    idx := new(Index)
    slab := alloc.Slab { Base: _TestCode, Size: 0x1000 }
    a := writeBlock(t, mem, _TestCode + 0x100, make([]byte, 20), nil, Meta { PC: 1 })
    b := writeBlock(t, mem, _TestCode, make([]byte, 40), nil, Meta { PC: 2 })
    c := writeBlock(t, mem, _TestCode + 0x2000, make([]byte, 8), nil, Meta { PC: 3 })
    idx.Add(slab, a)
    idx.Add(slab, b)
    idx.Add(alloc.Slab { Base: _TestCode + 0x2000, Size: 0x1000 }, c)
    require.Equal(t, 3, idx.Len())

    for _, x := range []*Block { a, b, c } {
        meta, ok := idx.Lookup(x.Start)
        require.True(t, ok)
        require.Equal(t, x.MetaAddr, meta)
        meta, ok = idx.Lookup(x.MetaAddr - 1)
        require.True(t, ok)
        require.Equal(t, x.MetaAddr, meta)
        _, ok = idx.Lookup(x.MetaAddr)
        require.False(t, ok)
    }
    _, ok := idx.Lookup(_TestCode + 0x1800)
    require.False(t, ok)

    /* address order */
    var order []uint64
    idx.Each(func(meta uint64) bool { order = append(order, meta); return true })
    require.Equal(t, []uint64 { b.MetaAddr, a.MetaAddr, c.MetaAddr }, order)
}

func TestScanMeta(t *testing.T) {
    mem := newTestMemory(t)
    b := writeBlock(t, mem, _TestCode + 0x40, make([]byte, 30), nil, Meta { PC: 0x1234 })
    for pc := b.Start; pc < b.MetaAddr; pc += 3 {
        meta, ok := ScanMeta(mem, pc)
        require.True(t, ok)
        require.Equal(t, b.MetaAddr, meta)
    }
}

func decodeOne(t *testing.T, pc uint64, raw ...byte) *instr.Instr {
    ins, err := x86asm.Decode(raw, 64)
    require.NoError(t, err)
    return instr.FromNative(pc, raw, ins)
}

func TestRewriteLoop(t *testing.T) {
    loop := decodeOne(t, 0x1000, 0xe2, 0xfe)
    seq := rewriteLoop(loop, 0x1002)
    require.Len(t, seq, 5)
    require.Equal(t, instr.OpJrcxz, seq[1].Op)
    require.Equal(t, seq[3], seq[1].Ref)
    require.Equal(t, instr.OpJmp, seq[2].Op)
    require.Equal(t, uint64(0x1000), seq[2].Target)
    require.Equal(t, uint64(0x1002), seq[4].Target)

    /* loopne takes the branch on a clear zero flag */
    loop = decodeOne(t, 0x1000, 0xe0, 0x10)
    seq = rewriteLoop(loop, 0x1002)
    require.Equal(t, instr.OpJcc, seq[2].Op)
    require.Equal(t, arch.CondNE, seq[2].Cond)
    require.Equal(t, uint64(0x1012), seq[2].Target)

    /* jecxz */
    loop = decodeOne(t, 0x1000, 0x67, 0xe3, 0x10)
    seq = rewriteLoop(loop, 0x1003)
    require.Len(t, seq, 4)
    require.Equal(t, instr.OpJecxz, seq[0].Op)
    require.Equal(t, uint64(0x1003), seq[1].Target)
    require.Equal(t, uint64(0x1013), seq[3].Target)
}

func TestRewriteRep(t *testing.T) {
    rep := decodeOne(t, 0x1000, 0xf3, 0x48, 0xab)
    seq := rewriteRep(rep)
    require.Len(t, seq, 6)
    require.Equal(t, []byte { 0x48, 0xab }, seq[2].Raw)
    require.Equal(t, x86asm.STOSQ, seq[2].Inst.Op)
    require.False(t, arch.HasRep(&seq[2].Inst))
    require.Equal(t, seq[5], seq[1].Ref)
    require.Equal(t, seq[0], seq[4].Ref)
}
