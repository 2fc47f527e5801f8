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

package mangle

import (
    `sync`
    `testing`

    `github.com/cloudwego/mirage/internal/alloc`
    `github.com/cloudwego/mirage/internal/arch`
    `github.com/cloudwego/mirage/internal/detach`
    `github.com/cloudwego/mirage/internal/instr`
    `github.com/cloudwego/mirage/internal/perf`
    `github.com/cloudwego/mirage/internal/policy`
    `github.com/cloudwego/mirage/internal/utils`
    `github.com/cloudwego/mirage/internal/vm`
    `github.com/stretchr/testify/require`
    `golang.org/x/arch/x86/x86asm`
)

const (
    _TestExec  = 0x40000000
    _TestHeap  = 0x30000000
    _TestGates = 0x3fff0000
    _TestStack = 0x7f0000
    _NativeA   = 0x400000
    _NativeB   = 0x400010
)

type testResolver struct {
    mu    sync.Mutex
    m     *Mangler
    tab   map[uint64]uint64
    exits map[uint64]uint64
    calls int
}

func (self *testResolver) Resolve(_ int, native uint64, p policy.Policy) uint64 {
    self.mu.Lock()
    defer self.mu.Unlock()
    self.calls++
    to := self.tab[native]
    if !p.Has(policy.IndirectTarget) {
        return to
    }
    key := policy.Mangle(native, p.Without(policy.IndirectTarget))
    return self.m.IBL().InstallExit(key, to,
        func() (uint64, bool) { v, ok := self.exits[key]; return v, ok },
        func(addr uint64) { self.exits[key] = addr },
    )
}

type testEnv struct {
    mem    *vm.Memory
    gates  *vm.Gates
    region *alloc.ExecRegion
    perf   *perf.Counters
    m      *Mangler
    res    *testResolver
}

func newTestEnv(t *testing.T) *testEnv {
    mem := vm.NewMemory()
    t.Cleanup(func() { _ = mem.Close() })
    gates, err := vm.NewGates(mem, _TestGates, 0x1000)
    require.NoError(t, err)
    region, err := alloc.NewExecRegion(mem, _TestExec, 0x100000, 0x10000)
    require.NoError(t, err)
    heap, err := alloc.NewHeap(mem, _TestHeap, 0x100000)
    require.NoError(t, err)
    _, err = mem.Map(_TestStack, 0x10000, "stack", vm.PermRW)
    require.NoError(t, err)
    env := &testEnv { mem: mem, gates: gates, region: region, perf: new(perf.Counters) }
    env.m = New(Config {
        Memory       : mem,
        Gates        : gates,
        Region       : region,
        Heap         : heap,
        Detach       : detach.NewRegistry(),
        Perf         : env.perf,
        DirectReturn : true,
    })
    env.res = &testResolver {
        m     : env.m,
        tab   : map[uint64]uint64{},
        exits : map[uint64]uint64{},
    }
    env.m.Bind(env.res)
    return env
}

// routine places raw code in the code cache zone.
func (self *testEnv) routine(t *testing.T, code ...byte) uint64 {
    addr := self.region.AllocCache(uint64(len(code)))
    require.NoError(t, self.mem.Poke(addr, code))
    return addr
}

// retImm returns a routine that loads v into EAX and returns.
func (self *testEnv) retImm(t *testing.T, v byte) uint64 {
    return self.routine(t, 0xb8, v, 0, 0, 0, 0xc3)
}

// place mangles ls and writes it with its stubs into the code cache.
func (self *testEnv) place(t *testing.T, ls *instr.List, p policy.Policy) (uint64, *Unit) {
    u := self.m.Mangle(ls, p)
    ls.Splice(u.Stubs)
    addr := self.region.AllocCache(ls.Layout(0) + 64)
    ls.Layout(addr)
    require.NoError(t, self.mem.Poke(addr, ls.Encode()))
    u.Commit()
    return addr, u
}

func (self *testEnv) run(t *testing.T, entry uint64, args ...uint64) uint64 {
    c := vm.NewCPU(self.mem, self.gates, 0)
    c.SetReg(arch.RSP, _TestStack + 0x8000)
    ret, err := c.Call(entry, 10000, args...)
    require.NoError(t, err)
    require.Equal(t, uint64(_TestStack + 0x8000), c.Reg(arch.RSP))
    return ret
}

func branchTarget(t *testing.T, mem *vm.Memory, pc uint64) uint64 {
    buf := make([]byte, 6)
    _, err := mem.Fetch(pc, buf)
    require.NoError(t, err)
    ins, err := x86asm.Decode(buf, 64)
    require.NoError(t, err)
    return arch.Target(&ins, pc)
}

func TestArena_Handles(t *testing.T) {
    var a Arena
    for i := 0; i < _ChunkSize + 10; i++ {
        h, s := a.New()
        require.Equal(t, uint32(i), h)
        require.Same(t, s, a.Get(h))
    }
    require.Equal(t, _ChunkSize + 10, a.Len())
    require.Panics(t, func() { a.Get(_ChunkSize + 10) })
}

func TestDBL_PatchOnce(t *testing.T) {
    env := newTestEnv(t)
    env.res.tab[_NativeA] = env.retImm(t, 7)
    ls := new(instr.List).Append(instr.Jmp(_NativeA))
    entry, u := env.place(t, ls, 0)
    require.Len(t, u.Sites(), 1)
    site := u.Sites()[0]
    require.False(t, site.Done())
    require.Equal(t, site.Stub, branchTarget(t, env.mem, site.Addr))

    /* the first run goes through the stub */
    require.Equal(t, uint64(7), env.run(t, entry))
    require.True(t, site.Done())
    require.Equal(t, env.res.tab[_NativeA], site.Resolved())
    require.Equal(t, site.Resolved(), branchTarget(t, env.mem, site.Addr))
    require.Equal(t, 1, env.res.calls)

    /* then it is a plain branch */
    require.Equal(t, uint64(7), env.run(t, entry))
    require.Equal(t, 1, env.res.calls)
    require.Equal(t, uint64(1), env.perf.Patches.Load())

    /* patching a finished site is a no-op */
    env.m.hotPatch(site, env.retImm(t, 9))
    require.Equal(t, env.res.tab[_NativeA], branchTarget(t, env.mem, site.Addr))
}

func TestDBL_Conditional(t *testing.T) {
    env := newTestEnv(t)
    env.res.tab[_NativeA] = env.retImm(t, 1)
    env.res.tab[_NativeB] = env.retImm(t, 2)
    cmp := instr.Bytes(0x48, 0x83, 0xff, 0x00)
    ls := new(instr.List).Append(cmp, instr.Jcc(arch.CondE, _NativeA), instr.Jmp(_NativeB))
    entry, u := env.place(t, ls, 0)
    require.Len(t, u.Sites(), 2)
    for i := 0; i < 2; i++ {
        require.Equal(t, uint64(1), env.run(t, entry, 0))
        require.Equal(t, uint64(2), env.run(t, entry, 5))
    }
    for _, s := range u.Sites() {
        require.True(t, s.Done())
    }
    require.Equal(t, 2, env.res.calls)
}

func TestDBL_StaleSite(t *testing.T) {
    env := newTestEnv(t)
    env.res.tab[_NativeA] = env.retImm(t, 7)
    ls := new(instr.List).Append(instr.Jmp(_NativeA))
    _, u := env.place(t, ls, 0)
    site := u.Sites()[0]

    /* a site that left its stub is never patched */
    other := env.retImm(t, 3)
    site.Stub = other
    env.m.hotPatch(site, env.res.tab[_NativeA])
    require.True(t, site.Done())
    require.Zero(t, site.Resolved())
    require.Zero(t, env.perf.Patches.Load())
}

func TestDBL_SwapDisp(t *testing.T) {
    env := newTestEnv(t)
    word := uint64(_TestStack + 0x100)
    require.NoError(t, env.mem.Store64(word, 0x1122334455667788))
    require.True(t, env.m.swapDisp(word, 2, 0x33445566, 0xaabbccdd))
    v, err := env.mem.Load64(word)
    require.NoError(t, err)
    require.Equal(t, uint64(0x1122aabbccdd7788), v)

    /* the displacement moved on, the word is left alone */
    require.False(t, env.m.swapDisp(word, 2, 0x33445566, 0x01020304))
    v, err = env.mem.Load64(word)
    require.NoError(t, err)
    require.Equal(t, uint64(0x1122aabbccdd7788), v)
}

func TestIBL_Table(t *testing.T) {
    env := newTestEnv(t)
    ibl := env.m.IBL()
    require.Less(t, ibl.Table() + IBLSlots * 8, uint64(1 << 31))
    for i := uint64(0); i < IBLSlots; i += 97 {
        v, err := env.mem.Load64(ibl.Table() + i * 8)
        require.NoError(t, err)
        require.Equal(t, ibl.SlowPath(), v)
    }
    require.Equal(t, Slot(_NativeA), Slot(_NativeB))
    require.Equal(t, ibl.Entry(0), ibl.Entry(0))
    require.NotEqual(t, ibl.Entry(0), ibl.Entry(policy.ReturnTarget))
}

func TestIBL_IndirectJump(t *testing.T) {
    env := newTestEnv(t)
    env.res.tab[_NativeA] = env.retImm(t, 1)
    env.res.tab[_NativeB] = env.retImm(t, 2)
    raw := []byte { 0xff, 0xe6 }
    ins, err := x86asm.Decode(raw, 64)
    require.NoError(t, err)
    ls := new(instr.List).Append(instr.FromNative(0x401000, raw, ins))
    entry, u := env.place(t, ls, 0)
    require.Empty(t, u.Sites())

    /* both targets share a slot and chain */
    for i := 0; i < 3; i++ {
        require.Equal(t, uint64(1), env.run(t, entry, 0, _NativeA))
        require.Equal(t, uint64(2), env.run(t, entry, 0, _NativeB))
    }
    require.Equal(t, 2, env.res.calls)
    require.Equal(t, uint64(2), env.perf.ExitRoutines.Load())
}

func TestIBL_InstallExitOnce(t *testing.T) {
    env := newTestEnv(t)
    to := env.retImm(t, 5)
    key := policy.Mangle(_NativeA, 0)
    tab := sync.Map{}
    res := make([]uint64, 8)
    wg := sync.WaitGroup{}

    /* every caller sees the routine the first one published */
    for i := range res {
        wg.Add(1)
        go func(i int) {
            defer wg.Done()
            res[i] = env.m.IBL().InstallExit(key, to,
                func() (uint64, bool) {
                    if v, ok := tab.Load(key); ok {
                        return v.(uint64), true
                    }
                    return 0, false
                },
                func(addr uint64) { tab.Store(key, addr) },
            )
        }(i)
    }
    wg.Wait()
    for _, v := range res {
        require.Equal(t, res[0], v)
    }
    require.Equal(t, uint64(1), env.perf.ExitRoutines.Load())
    v, err := env.mem.Load64(env.m.IBL().Table() + uint64(Slot(key)) * 8)
    require.NoError(t, err)
    require.Equal(t, res[0], v)
}

func TestMangler_NoResolver(t *testing.T) {
    m := &Mangler{}
    defer func() {
        require.NotNil(t, utils.AsFault(recover()))
    }()
    m.resolver()
}
