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

import (
    `encoding/binary`
    `errors`
    `testing`

    `github.com/cloudwego/mirage/internal/arch`
    `github.com/cloudwego/mirage/internal/utils`
    `github.com/stretchr/testify/require`
    `golang.org/x/arch/x86/x86asm`
)

type image struct {
    base uint64
    code []byte
}

func (self *image) Fetch(addr uint64, buf []byte) (int, error) {
    if addr < self.base || addr >= self.base + uint64(len(self.code)) {
        return 0, errors.New("unmapped")
    }
    return copy(buf, self.code[addr - self.base:]), nil
}

func requirePatchFault(t *testing.T, fn func()) {
    defer func() {
        f := utils.AsFault(recover())
        require.NotNil(t, f)
        require.Equal(t, utils.FaultPatch, f.Kind)
    }()
    fn()
}

func TestList_Links(t *testing.T) {
    ls := new(List)
    a, b, c := NewLabel(), NewLabel(), NewLabel()
    ls.Append(a, c)
    ls.InsertBefore(c, b)
    require.Equal(t, []*Instr { a, b, c }, ls.Slice())
    ls.Remove(b)
    require.Equal(t, []*Instr { a, c }, ls.Slice())
    ls.Prepend(b)
    require.Equal(t, []*Instr { b, a, c }, ls.Slice())
    d := NewLabel()
    ls.Replace(a, d)
    require.Equal(t, []*Instr { b, d, c }, ls.Slice())
    require.Equal(t, 3, ls.Len())
    other := new(List).Append(a)
    ls.Splice(other)
    require.Equal(t, 0, other.Len())
    require.Equal(t, a, ls.Tail)
}

func TestEncode_Branches(t *testing.T) {
    ls := new(List)
    lb := NewLabel()
    ls.Append(
        Jcc(arch.CondNE, 0).To(lb),
        Jmp(0x1000),
        Call(0x2000),
        lb,
        Jrcxz().To(lb),
    )
    end := ls.Layout(0x1000)
    require.Equal(t, uint64(0x1000 + 6 + 5 + 5 + 2), end)
    buf := ls.Encode()
    require.Equal(t, []byte { 0x0f, 0x85 }, buf[:2])
    require.Equal(t, uint32(10), binary.LittleEndian.Uint32(buf[2:]))
    require.Equal(t, byte(0xe9), buf[6])
    require.Equal(t, int32(-11), int32(binary.LittleEndian.Uint32(buf[7:])))
    require.Equal(t, byte(0xe8), buf[11])
    require.Equal(t, []byte { 0xe3, 0xfe }, buf[16:])
}

func TestLayout_PatchablePadding(t *testing.T) {
    ls := new(List)
    j := Jmp(0x2000).Hot()
    ls.Append(Bytes(0x90, 0x90, 0x90, 0x90, 0x90), j)
    ls.Layout(0x1000)
    require.Equal(t, uint64(0x1008), j.Addr)
    require.Equal(t, 3, j.Pad)
    states := ls.States()
    require.Len(t, states, 13)
    require.Equal(t, StateMangled, states[5])
    require.Equal(t, StateMangled, states[8])

    lit := Quad(1)
    ls = new(List)
    ls.Append(Bytes(0xc3), lit)
    ls.Layout(0x1000)
    require.Equal(t, 7, lit.Pad)
    require.Equal(t, StatePadding, ls.States()[1])
    require.Equal(t, byte(0xcc), ls.Encode()[1])
}

func TestEncode_Relocation(t *testing.T) {
    img := &image { base: 0x400000, code: []byte {
        0x48, 0x8d, 0x05, 0x40, 0x00, 0x00, 0x00,   // leaq 0x40(%rip), %rax
        0x48, 0x8b, 0x0d, 0x80, 0x00, 0x00, 0x00,   // movq 0x80(%rip), %rcx
    }}
    lea := Decode(img, 0x400000)
    mov := Decode(img, 0x400007)
    require.Equal(t, uint64(0x400000 + 7 + 0x40), lea.nativeTarget())

    /* moved within range */
    ls := new(List).Append(lea, mov)
    ls.Layout(0x40000000)
    buf := ls.Encode()
    ins, err := x86asm.Decode(buf, 64)
    require.NoError(t, err)
    moved := FromNative(0x40000000, buf, ins)
    require.Equal(t, lea.nativeTarget(), moved.nativeTarget())

    /* out of range lea degrades to an absolute move */
    ls = new(List).Append(lea)
    ls.Layout(0x7f0000000000)
    buf = ls.Encode()
    require.Len(t, buf, 10)
    require.Equal(t, []byte { 0x48, 0xb8 }, buf[:2])
    require.Equal(t, lea.nativeTarget(), binary.LittleEndian.Uint64(buf[2:]))

    /* other instructions cannot */
    requirePatchFault(t, func() { new(List).Append(mov).Layout(0x7f0000000000) })
}

func TestDecode_Invalid(t *testing.T) {
    img := &image { base: 0x1000, code: []byte { 0x0f, 0x0b, 0x06 } }
    p := Decode(img, 0x1000)
    require.Equal(t, x86asm.UD2, p.Inst.Op)
    defer func() {
        f := utils.AsFault(recover())
        require.NotNil(t, f)
        require.Equal(t, utils.FaultDecode, f.Kind)
    }()
    Decode(img, 0x1002)
}

func TestEncode_Counter(t *testing.T) {
    p := Counter(0x1100)
    ls := new(List).Append(p)
    ls.Layout(0x1000)
    buf := ls.Encode()
    require.Equal(t, []byte { 0xf0, 0xff, 0x05 }, buf[:3])
    require.Equal(t, uint32(0x100 - 7), binary.LittleEndian.Uint32(buf[3:]))
    require.Equal(t, StateInstrumented, ls.States()[0])
}
