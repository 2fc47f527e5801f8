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

package mirage

import (
    `sync`
    `testing`

    `github.com/chenzhuoyu/iasm/x86_64`
    `github.com/cloudwego/mirage/internal/arch`
    `github.com/cloudwego/mirage/internal/block`
    `github.com/cloudwego/mirage/internal/vm`
    `github.com/davecgh/go-spew/spew`
    `github.com/stretchr/testify/assert`
    `github.com/stretchr/testify/require`
    `golang.org/x/arch/x86/x86asm`
)

const (
    _CodeBase  = 0x400000
    _CodeSize  = 0x10000
    _DataBase  = 0x600000
    _StackBase = 0x7f0000
    _StackSize = 0x4000
    _TestCPUs  = 4
)

type testEngine struct {
    *Engine
    native bool
}

func newTestEngine(t *testing.T, options ...Option) *testEngine {
    e, err := New(append([]Option {
        WithCPUs(_TestCPUs),
        WithExecSize(4 << 20),
        WithHeapSize(4 << 20),
    }, options...)...)
    require.NoError(t, err)
    t.Cleanup(func() { _ = e.Close() })
    _, err = e.Memory().Map(_CodeBase, _CodeSize, "code", vm.PermRX)
    require.NoError(t, err)
    require.NoError(t, e.MapData(_DataBase, 0x10000))
    _, err = e.MapStack(_StackBase, _StackSize * _TestCPUs)
    require.NoError(t, err)
    return &testEngine { Engine: e }
}

func (self *testEngine) load(t *testing.T, off uint64, src string) uint64 {
    pc := uint64(_CodeBase) + off
    asm := new(x86_64.Assembler).WithBase(uintptr(pc))
    require.NoError(t, asm.Assemble(src))
    require.NoError(t, self.Memory().Poke(pc, asm.Code()))
    return pc
}

// thread creates a thread that records any step executed from the native
// image instead of the code cache.
func (self *testEngine) thread(cpu int) *Thread {
    th := self.NewThread(cpu, _StackBase + _StackSize * uint64(cpu + 1))
    th.Limit = 100000
    th.CPU().Trace = func(_ *vm.CPU, pc uint64, _ *x86asm.Inst) {
        if pc >= _CodeBase && pc < _CodeBase + _CodeSize {
            self.native = true
        }
    }
    return th
}

const _CallRet = `
    call    g
    addq    $1, %rax
    ret
g:
    movq    %rdi, %rax
    addq    $41, %rax
    ret
`

func TestEngine_CallRet(t *testing.T) {
    for _, direct := range []bool { true, false } {
        e := newTestEngine(t, WithDirectReturn(direct))
        pc := e.load(t, 0, _CallRet)
        th := e.thread(0)
        for i := uint64(0); i < 3; i++ {
            ret, err := th.Call(pc, 0, i)
            require.NoError(t, err)
            require.Equal(t, i + 42, ret, "direct return: %v", direct)
        }
        require.False(t, e.native, "native code executed")
        st := e.Stats()
        require.GreaterOrEqual(t, st.Perf.Blocks, uint64(2), spew.Sdump(st))
        if direct {
            assert.NotZero(t, st.Perf.Patches)
        } else {
            assert.NotZero(t, st.Perf.ExitRoutines)
        }
    }
}

func TestEngine_IdempotentFind(t *testing.T) {
    e := newTestEngine(t)
    pc := e.load(t, 0, _CallRet)
    a := e.Find(0, pc, 0)
    b := e.Find(0, pc, 0)
    c := e.Find(1, pc, 0)
    require.Equal(t, a, b)
    require.Equal(t, a, c)
    require.True(t, e.region.IsCodeCache(a))

    /* the block describes its native origin */
    bb, ok := e.Lookup(a)
    require.True(t, ok)
    require.Equal(t, pc, bb.Meta.PC)
    require.Equal(t, a, bb.Start)
    require.Equal(t, block.KindTranslated, bb.Meta.Kind)
    require.True(t, bb.Contains(a))
    _, ok = e.Lookup(_CodeBase)
    require.False(t, ok)
}

func TestEngine_TranslationRace(t *testing.T) {
    e := newTestEngine(t)
    pc := e.load(t, 0, _CallRet)
    wg := sync.WaitGroup{}
    res := make([]uint64, _TestCPUs)
    for i := 0; i < _TestCPUs; i++ {
        wg.Add(1)
        go func(i int) {
            defer wg.Done()
            res[i] = e.Find(i, pc, 0)
        }(i)
    }
    wg.Wait()
    for _, v := range res {
        require.Equal(t, res[0], v)
    }
    n := 0
    e.Blocks(func(b *BlockInfo) bool {
        if b.Meta.PC == pc {
            n++
        }
        return true
    })
    require.Equal(t, 1, n)
}

func TestEngine_LostRace(t *testing.T) {
    e := newTestEngine(t)
    pc := e.load(t, 0, _CallRet)
    winner := e.Find(0, pc, 0)

    /* a second CPU finishes its own block after the first one published */
    c := e.cache.CPU(1)
    c.Acquire()
    defer c.Release()
    b := e.trans.Translate(c, 0, pc)
    lost := b.Start
    require.NotEqual(t, winner, lost)
    require.Equal(t, winner, e.cache.Publish(c, pc, 0, b))
    require.Equal(t, uint64(1), e.perf.RacesLost.Load())

    /* the rolled back space is handed out again */
    b = e.trans.Translate(c, 0, pc)
    require.Equal(t, lost, b.Start)
    b.Discard()
    require.Equal(t, winner, e.cache.Find(c, pc, 0))
    n := 0
    e.Blocks(func(b *BlockInfo) bool {
        n++
        return true
    })
    require.Equal(t, 1, n)
}

func TestEngine_ExitRoutineRace(t *testing.T) {
    e := newTestEngine(t)
    pc := e.load(t, 0, _CallRet)
    p := Policy(0).Indirect()
    wg := sync.WaitGroup{}
    res := make([]uint64, _TestCPUs)
    for i := 0; i < _TestCPUs; i++ {
        wg.Add(1)
        go func(i int) {
            defer wg.Done()
            res[i] = e.Find(i, pc, p)
        }(i)
    }
    wg.Wait()
    for _, v := range res {
        require.Equal(t, res[0], v)
    }
    require.True(t, e.region.IsGencode(res[0]))
    require.Equal(t, uint64(1), e.Stats().Perf.ExitRoutines)
}

func TestEngine_ConcurrentThreads(t *testing.T) {
    e := newTestEngine(t)
    pc := e.load(t, 0, _CallRet)
    wg := sync.WaitGroup{}
    for i := 0; i < _TestCPUs; i++ {
        wg.Add(1)
        go func(i int) {
            defer wg.Done()
            th := e.thread(i)
            for j := uint64(0); j < 20; j++ {
                ret, err := th.Call(pc, 0, j)
                assert.NoError(t, err)
                assert.Equal(t, j + 42, ret)
            }
        }(i)
    }
    wg.Wait()
    require.False(t, e.native)
}

func TestEngine_IndirectCall(t *testing.T) {
    for _, direct := range []bool { true, false } {
        e := newTestEngine(t, WithDirectReturn(direct))
        pc := e.load(t, 0, `
            pushq   %rbx
            movq    %rsi, %rbx
            callq   *%rbx
            movq    %rax, %rdi
            callq   *%rbx
            popq    %rbx
            ret
        `)
        g := e.load(t, 0x100, `
            leaq    1(%rdi), %rax
            ret
        `)
        th := e.thread(1)
        for i := uint64(0); i < 3; i++ {
            ret, err := th.Call(pc, 0, i, g)
            require.NoError(t, err)
            require.Equal(t, i + 2, ret, "direct return: %v", direct)
        }
        require.False(t, e.native)
        require.NotZero(t, e.Stats().Perf.ExitRoutines)
    }
}

func TestEngine_JumpTable(t *testing.T) {
    e := newTestEngine(t)
    pc := e.load(t, 0, `
        jmpq    *(%rsi,%rdi,8)
    `)
    a := e.load(t, 0x100, `
        movl    $10, %eax
        ret
    `)
    b := e.load(t, 0x200, `
        movl    $20, %eax
        ret
    `)
    require.NoError(t, e.Memory().Store64(_DataBase, a))
    require.NoError(t, e.Memory().Store64(_DataBase + 8, b))
    th := e.thread(0)
    for i, exp := range []uint64 { 10, 20, 10, 20 } {
        ret, err := th.Call(pc, 0, uint64(i % 2), _DataBase)
        require.NoError(t, err)
        require.Equal(t, exp, ret)
    }
    require.False(t, e.native)
}

func TestEngine_ConditionalBranches(t *testing.T) {
    e := newTestEngine(t, WithDirectReturn(false))
    pc := e.load(t, 0, `
        xorl    %eax, %eax
        movq    %rdi, %rcx
    again:
        addq    %rcx, %rax
        decq    %rcx
        jne     again
        ret
    `)
    th := e.thread(2)
    ret, err := th.Call(pc, 0, 10)
    require.NoError(t, err)
    require.Equal(t, uint64(55), ret)
    ret, err = th.Call(pc, 0, 100)
    require.NoError(t, err)
    require.Equal(t, uint64(5050), ret)
    require.False(t, e.native)
}

func TestEngine_Loop(t *testing.T) {
    e := newTestEngine(t)
    pc := e.load(t, 0, `
        xorl    %eax, %eax
        movq    %rdi, %rcx
        jrcxz   done
    again:
        incq    %rax
        incq    %rax
        .byte   0xe2
        .byte   0xf8
    done:
        ret
    `)
    th := e.thread(0)
    ret, err := th.Call(pc, 0, 5)
    require.NoError(t, err)
    require.Equal(t, uint64(10), ret)
    ret, err = th.Call(pc, 0, 0)
    require.NoError(t, err)
    require.Equal(t, uint64(0), ret)
    require.False(t, e.native)
}

func TestEngine_Detach(t *testing.T) {
    for _, direct := range []bool { true, false } {
        e := newTestEngine(t, WithDirectReturn(direct))
        pc := e.load(t, 0, `
            call    h
            addq    $1, %rax
            ret
        h:
            movl    $1, %eax
            ret
        `)
        h := pc + 10
        gate := e.RegisterGate("h", func(c *vm.CPU) error {
            c.SetReg(arch.RAX, 100)
            return nil
        })
        e.Detach(h, gate, DetachApplication)
        ret, err := e.thread(0).Call(pc, 0)
        require.NoError(t, err)
        require.Equal(t, uint64(101), ret, "direct return: %v", direct)
        require.False(t, e.native)
    }
}

func TestEngine_Visitor(t *testing.T) {
    e := newTestEngine(t)
    pc := e.load(t, 0, _CallRet)
    seen := map[uint64]int{}
    mu := sync.Mutex{}
    p := e.RegisterPolicy("count", VisitorFunc(func(ctx *Context) Policy {
        mu.Lock()
        seen[ctx.PC]++
        mu.Unlock()
        return ctx.Policy
    }))
    require.NotZero(t, p.ID())
    th := e.thread(0)
    for i := 0; i < 3; i++ {
        ret, err := th.Call(pc, p, 1)
        require.NoError(t, err)
        require.Equal(t, uint64(43), ret)
    }

    /* every block is visited once */
    require.NotEmpty(t, seen)
    for pc, n := range seen {
        require.Equal(t, 1, n, "block %#x", pc)
    }
    require.Contains(t, seen, pc)
}

func TestEngine_HitCounters(t *testing.T) {
    e := newTestEngine(t, WithHitCounters(true))
    pc := e.load(t, 0, `
        movl    $7, %eax
        ret
    `)
    th := e.thread(0)
    for i := 0; i < 5; i++ {
        ret, err := th.Call(pc, 0)
        require.NoError(t, err)
        require.Equal(t, uint64(7), ret)
    }
    b, ok := e.Lookup(e.Find(0, pc, 0))
    require.True(t, ok)
    require.Equal(t, uint32(5), b.Hits())
}

func TestEngine_RepTranslation(t *testing.T) {
    e := newTestEngine(t, WithRepTranslation(true))
    pc := e.load(t, 0, `
        movq    %rdx, %rcx
        .byte   0xf3
        .byte   0xa4
        movq    %rdi, %rax
        ret
    `)
    require.NoError(t, e.Memory().Write(_DataBase, []byte("hello, world")))
    ret, err := e.thread(0).Call(pc, 0, _DataBase + 0x100, _DataBase, 12)
    require.NoError(t, err)
    require.Equal(t, uint64(_DataBase + 0x10c), ret)
    buf := make([]byte, 12)
    require.NoError(t, e.Memory().Read(_DataBase + 0x100, buf))
    require.Equal(t, "hello, world", string(buf))
    require.False(t, e.native)
}

func TestEngine_Trampoline(t *testing.T) {
    e := newTestEngine(t)
    helper := e.load(t, 0x100, `
        movl    $7, %ecx
        movl    $9, %eax
        ret
    `)
    pc := e.load(t, 0, `
        movl    $5, %ecx
        movl    $1, %eax
        callq   *%rdi
        addq    %rcx, %rax
        ret
    `)
    tramp := e.Trampoline(helper)
    require.Equal(t, tramp, e.Trampoline(helper))
    require.True(t, e.region.IsWrapper(tramp))
    ret, err := e.thread(0).Call(pc, 0, tramp)
    require.NoError(t, err)
    require.Equal(t, uint64(6), ret)
}

func TestEngine_Faults(t *testing.T) {
    e := newTestEngine(t)
    err := Recover(func() { e.Find(0, _DataBase, 0) })
    require.Error(t, err)
    require.Equal(t, FaultAddress, err.(*Fault).Kind)
    require.Panics(t, func() { e.Find(_TestCPUs, _CodeBase, 0) })

    /* unregistered policies are fatal */
    pc := e.load(t, 0, _CallRet)
    err = Recover(func() { e.Find(0, pc, Policy(200)) })
    require.Error(t, err)
    require.Equal(t, FaultPolicy, err.(*Fault).Kind)
}

func TestOptions_Invalid(t *testing.T) {
    require.PanicsWithValue(t, "mirage: invalid CPU count: 0", func() { WithCPUs(0) })
    require.PanicsWithValue(t, "mirage: invalid slab size: 5000", func() { WithSlabSize(5000) })
    require.Panics(t, func() { WithExecSize(1) })
    require.Panics(t, func() { WithLogger(nil) })
}
