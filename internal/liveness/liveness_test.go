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


package liveness

import (
    `testing`

    `github.com/chenzhuoyu/iasm/x86_64`
    `github.com/cloudwego/mirage/internal/arch`
    `github.com/cloudwego/mirage/internal/vm`
    `github.com/stretchr/testify/require`
    `golang.org/x/arch/x86/x86asm`
)

func decodeOne(t *testing.T, src string) *x86asm.Inst {
    asm := new(x86_64.Assembler)
    require.NoError(t, asm.Assemble(src))
    ins, err := x86asm.Decode(asm.Code(), 64)
    require.NoError(t, err)
    return &ins
}

func mask(regs ...arch.Reg) (m arch.Mask) {
    for _, r := range regs {
        m |= arch.Bit(r)
    }
    return
}

func TestManager_Transfer(t *testing.T) {
    m := New()
    require.Equal(t, arch.AllRegs, m.Live())
    m.KillAll()
    require.Equal(t, arch.ForceLive, m.Live())
    m.Visit(decodeOne(t, "addq %rbx, %rax"))
    require.Equal(t, mask(arch.RAX, arch.RBX, arch.RSP), m.Live())
    m.Visit(decodeOne(t, "movq %rcx, %rax"))
    require.Equal(t, mask(arch.RBX, arch.RCX, arch.RSP), m.Live())
    m.Visit(decodeOne(t, "movl %edx, %ecx"))
    require.Equal(t, mask(arch.RBX, arch.RDX, arch.RSP), m.Live())
    m.Visit(decodeOne(t, "movw %si, %dx"))
    require.Equal(t, mask(arch.RBX, arch.RDX, arch.RSI, arch.RSP), m.Live())
    m.Visit(decodeOne(t, "xorl %ebx, %ebx"))
    require.Equal(t, mask(arch.RDX, arch.RSI, arch.RSP), m.Live())
    m.Visit(decodeOne(t, "movq %r8, 8(%rdi,%r9,4)"))
    require.Equal(t, mask(arch.RDX, arch.RSI, arch.RSP, arch.RDI, arch.R8, arch.R9), m.Live())
}

func TestManager_ControlTransfers(t *testing.T) {
    m := New()
    m.KillAll()
    m.Visit(decodeOne(t, "ret"))
    require.Equal(t, arch.RetRegs | arch.ForceLive | arch.CalleeSaved, m.Live())
    m.Visit(decodeOne(t, "movq $1, %rax"))
    m.Visit(decodeOne(t, "callq *%r11"))
    require.Equal(t, arch.CalleeSaved | arch.ArgRegs | arch.ForceLive | mask(arch.R11), m.Live())
    m.KillAll()
    m.Visit(decodeOne(t, "jmpq *%rax"))
    require.Equal(t, arch.AllRegs, m.Live())
}

func TestManager_Zombies(t *testing.T) {
    m := New()
    require.Equal(t, arch.NoReg, m.GetZombie())
    require.Equal(t, -1, m.GetZombieXMM())
    m.KillAll()
    require.Equal(t, arch.RAX, m.GetZombie())
    require.Equal(t, arch.RCX, m.GetZombie())
    m.Release(arch.RAX)
    require.Equal(t, arch.RAX, m.GetZombie())
    require.Equal(t, mask(arch.RAX, arch.RCX), m.Undead())
    require.Equal(t, 0, m.GetZombieXMM())
    for i := 0; i < 13; i++ {
        require.NotEqual(t, arch.RSP, m.GetZombie())
    }
    require.Equal(t, arch.NoReg, m.GetZombie())
}

func loadFunc(t *testing.T, src string) (*vm.Memory, uint64) {
    mem := vm.NewMemory()
    t.Cleanup(func() { _ = mem.Close() })
    _, err := mem.Map(0x400000, 0x1000, "text", vm.PermRX)
    require.NoError(t, err)
    asm := new(x86_64.Assembler).WithBase(0x400000)
    require.NoError(t, asm.Assemble(src))
    require.NoError(t, mem.Poke(0x400000, asm.Code()))
    return mem, 0x400000
}

func TestFindUsedRegsInFunc(t *testing.T) {
    mem, pc := loadFunc(t, `
        testq   %rdi, %rdi
        je      zero
        movq    $1, %r8
        ret
    zero:
        movl    $2, %r9d
        ret
    `)
    require.Equal(t, mask(arch.R8, arch.R9), FindUsedRegsInFunc(mem, pc, false))
}

func TestFindUsedRegsInFunc_Calls(t *testing.T) {
    mem, pc := loadFunc(t, `
        call    helper
        movq    %rax, %r10
        ret
    helper:
        movq    $1, %r11
        ret
    `)
    require.Equal(t, mask(arch.R10), FindUsedRegsInFunc(mem, pc, false))
    require.Equal(t, mask(arch.R10, arch.R11), FindUsedRegsInFunc(mem, pc, true))
}

func TestFindUsedRegsInFunc_Indirect(t *testing.T) {
    mem, pc := loadFunc(t, `
        jmpq    *%rax
    `)
    require.Equal(t, arch.CallerSaved, FindUsedRegsInFunc(mem, pc, false))
}
