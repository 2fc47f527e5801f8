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
    `sync/atomic`

    `github.com/chenzhuoyu/iasm/x86_64`
    `github.com/cloudwego/mirage/internal/alloc`
    `github.com/cloudwego/mirage/internal/arch`
    `github.com/cloudwego/mirage/internal/detach`
    `github.com/cloudwego/mirage/internal/instr`
    `github.com/cloudwego/mirage/internal/liveness`
    `github.com/cloudwego/mirage/internal/perf`
    `github.com/cloudwego/mirage/internal/policy`
    `github.com/cloudwego/mirage/internal/utils`
    `github.com/cloudwego/mirage/internal/vm`
    `golang.org/x/arch/x86/x86asm`
)

// Resolver turns a native target into the address control should reach,
// translating on demand.
type Resolver interface {
    Resolve(cpu int, native uint64, p policy.Policy) uint64
}

type Config struct {
    Memory       *vm.Memory
    Gates        *vm.Gates
    Region       *alloc.ExecRegion
    Heap         *alloc.Heap
    Detach       *detach.Registry
    Perf         *perf.Counters
    DirectReturn bool
}

// Mangler rewrites the control transfers of translated blocks so they
// stay inside the code cache.
type Mangler struct {
    mem       *vm.Memory
    region    *alloc.ExecRegion
    heap      *alloc.Heap
    detach    *detach.Registry
    perf      *perf.Counters
    directRet bool
    res       atomic.Value
    sites     Arena
    ibl       *IBL
    dblEntry  uint64
    tmu       sync.Mutex
    tramps    map[uint64]uint64
}

type resolverBox struct {
    r Resolver
}

// New generates the shared routines and registers the host gates they use.
func New(cfg Config) *Mangler {
    if cfg.Perf == nil {
        cfg.Perf = new(perf.Counters)
    }
    ret := &Mangler {
        mem       : cfg.Memory,
        region    : cfg.Region,
        heap      : cfg.Heap,
        detach    : cfg.Detach,
        perf      : cfg.Perf,
        directRet : cfg.DirectReturn,
        tramps    : make(map[uint64]uint64),
    }
    ret.dblEntry = ret.emitDBLEntry(cfg.Gates.Register("dbl_patch", ret.patchGate))
    ret.initIBL(cfg.Gates.Register("ibl_miss", ret.missGate))
    return ret
}

// Bind sets the resolver used by the patch and lookup gates.
func (self *Mangler) Bind(r Resolver) {
    self.res.Store(resolverBox { r })
}

func (self *Mangler) resolver() Resolver {
    if v, ok := self.res.Load().(resolverBox); !ok {
        panic(utils.EAddress(0, "mangler has no resolver"))
    } else {
        return v.r
    }
}

func (self *Mangler) IBL() *IBL           { return self.ibl }
func (self *Mangler) Sites() *Arena       { return &self.sites }
func (self *Mangler) DBLEntry() uint64    { return self.dblEntry }
func (self *Mangler) DirectReturn() bool  { return self.directRet }

// Unit is the mangled form of one block: the stubs to place after its body
// and the branch sites to commit once it has addresses.
type Unit struct {
    Stubs   *instr.List
    pending []pending
}

type pending struct {
    site *Site
    at   *instr.Instr
    stub *instr.Instr
}

// Commit records the final addresses of every branch site.
func (self *Unit) Commit() {
    for _, p := range self.pending {
        p.site.Addr = p.at.Addr
        p.site.Stub = p.stub.Addr
    }
}

// Sites lists the branch sites of the unit.
func (self *Unit) Sites() []*Site {
    ret := make([]*Site, len(self.pending))
    for i, p := range self.pending {
        ret[i] = p.site
    }
    return ret
}

func (self *Mangler) detachContext(p policy.Policy) detach.Context {
    if p.Has(policy.HostContext) {
        return detach.Host
    } else {
        return detach.Application
    }
}

// Detached returns the detach target of a native address under policy p.
func (self *Mangler) Detached(native uint64, p policy.Policy) (uint64, bool) {
    return self.detach.Find(native, self.detachContext(p))
}

func replace(ls *instr.List, at *instr.Instr, seq ...*instr.Instr) {
    for _, p := range seq {
        ls.InsertBefore(at, p)
    }
    ls.Remove(at)
}

// Mangle rewrites every control transfer of ls, which leaves blocks with
// exit policy p. Client instrumentation and block-local branches are left
// alone.
func (self *Mangler) Mangle(ls *instr.List, p policy.Policy) *Unit {
    u := &Unit { Stubs: new(instr.List) }
    for _, in := range ls.Slice() {
        switch in.Kind {
            case instr.Native: {
                self.mangleNative(u, ls, in, p)
            }
            case instr.Branch: {
                if in.Ref == nil && in.State == instr.StateMangled {
                    self.direct(u, ls, in, in.Op, in.Cond, in.Target, nil, p.Jmp())
                }
            }
        }
    }
    return u
}

func (self *Mangler) mangleNative(u *Unit, ls *instr.List, in *instr.Instr, p policy.Policy) {
    next := in.PC + uint64(in.Inst.Len)
    switch arch.Classify(&in.Inst) {
        case arch.NotCTI, arch.FarTransfer: {
            return
        }
        case arch.DirectJmp: {
            self.direct(u, ls, in, instr.OpJmp, 0, arch.Target(&in.Inst, in.PC), nil, p.Jmp())
        }
        case arch.DirectJcc: {
            cc, _ := arch.JccCond(in.Inst.Op)
            self.direct(u, ls, in, instr.OpJcc, cc, arch.Target(&in.Inst, in.PC), nil, p.Jmp())
        }
        case arch.DirectCall: {
            to := arch.Target(&in.Inst, in.PC)
            if _, ok := self.Detached(to, p.Call()); ok || self.directRet {
                self.direct(u, ls, in, instr.OpCall, 0, to, nil, p.Call())
            } else {
                self.direct(u, ls, in, instr.OpJmp, 0, to, self.pushReturn(in, next), p.Call())
            }
        }
        case arch.IndirectJmp: {
            replace(ls, in, self.indirectJmp(in, p.Jmp())...)
        }
        case arch.IndirectCall: {
            replace(ls, in, self.indirectCall(in, next, p.Call())...)
        }
        case arch.Return: {
            if !self.directRet {
                replace(ls, in, self.indirectRet(in, p.Return())...)
            }
        }
        default: {
            panic(utils.EPatch(in.PC, "loop instruction reached the mangler"))
        }
    }
}

// direct replaces a direct branch with a hot-patchable one pointing at a
// fresh stub, or with a branch through a literal for detach targets. pre is
// emitted in front of the branch, tp is the policy of the target.
func (self *Mangler) direct(u *Unit, ls *instr.List, in *instr.Instr, op instr.Op, cc arch.Cond, native uint64, pre []*instr.Instr, tp policy.Policy) {
    seq := pre

    /* detach points leave the engine */
    if to, ok := self.Detached(native, tp); ok {
        lit := instr.Quad(to)
        u.Stubs.Append(lit)
        switch op {
            case instr.OpJcc: {
                far := instr.NewLabel()
                u.Stubs.Append(far, instr.IndirectJmp(lit))
                seq = append(seq, instr.Jcc(cc, 0).To(far))
            }
            case instr.OpCall: {
                seq = append(seq, instr.IndirectCall(lit))
            }
            default: {
                seq = append(seq, instr.IndirectJmp(lit))
            }
        }
        replace(ls, in, seq...)
        return
    }

    /* reserve a site and its stub */
    h, site := self.sites.New()
    site.Op = op
    site.Cond = cc
    site.Target = policy.Mangle(native, tp)
    stub := instr.NewLabel()
    br := &instr.Instr { Kind: instr.Branch, State: instr.StateMangled, Op: op, Cond: cc }
    br.To(stub).Hot()
    u.Stubs.Append(stub)
    u.Stubs.Append(self.stub(h)...)
    u.pending = append(u.pending, pending { site: site, at: br, stub: stub })
    replace(ls, in, append(seq, br)...)
}

// pushReturn emulates the return address push of a call to native code.
// Values out of imm32 range go through a dead register when the call site
// has one.
func (self *Mangler) pushReturn(call *instr.Instr, ret uint64) []*instr.Instr {
    if int64(ret) == int64(int32(ret)) {
        return []*instr.Instr {
            instr.Asm(func(p *x86_64.Program) { p.PUSHQ(int64(ret)) }),
        }
    }

    /* AL carries the vector count of variadic calls */
    lv := liveness.New()
    lv.Visit(&call.Inst)
    r := lv.GetZombie()
    for r == arch.RAX {
        r = lv.GetZombie()
    }
    if r != arch.NoReg {
        return []*instr.Instr {
            instr.Asm(func(p *x86_64.Program) {
                p.MOVQ(int64(ret), r.R64())
                p.PUSHQ(r.R64())
            }),
        }
    }

    /* no scratch register, spill one */
    return []*instr.Instr {
        instr.Asm(func(p *x86_64.Program) {
            p.LEAQ(x86_64.Ptr(x86_64.RSP, -8), x86_64.RSP)
            p.PUSHQ(x86_64.RAX)
            p.MOVQ(int64(ret), x86_64.RAX)
            p.MOVQ(x86_64.RAX, x86_64.Ptr(x86_64.RSP, 8))
            p.POPQ(x86_64.RAX)
        }),
    }
}

// loadTarget moves the operand of an indirect branch into RDI. Operands
// relative to RSP are read adj bytes higher, the stack has moved by then.
func loadTarget(in *instr.Instr, adj int32) *instr.Instr {
    switch v := in.Inst.Args[0].(type) {
        case x86asm.Reg: {
            op, ok := arch.Decode(v)
            if !ok || op.Size != 8 {
                panic(utils.EPatch(in.PC, "unsupported indirect branch register"))
            }
            return instr.Asm(func(p *x86_64.Program) {
                if op.Reg == arch.RSP {
                    p.LEAQ(x86_64.Ptr(x86_64.RSP, adj), x86_64.RDI)
                } else {
                    p.MOVQ(op.Reg.R64(), x86_64.RDI)
                }
            })
        }
        case x86asm.Mem: {
            return loadMemTarget(in, v, adj)
        }
        default: {
            panic(utils.EPatch(in.PC, "unsupported indirect branch operand"))
        }
    }
}

func loadMemTarget(in *instr.Instr, m x86asm.Mem, adj int32) *instr.Instr {
    if m.Segment != 0 || in.Inst.AddrSize != 64 {
        panic(utils.EPatch(in.PC, "unsupported indirect branch address"))
    }

    /* RIP-relative operands become absolute */
    if m.Base == x86asm.RIP {
        at := in.PC + uint64(in.Inst.Len) + uint64(arch.Disp(&in.Inst, m))
        return instr.Asm(func(p *x86_64.Program) {
            p.MOVQ(int64(at), x86_64.RDI)
            p.MOVQ(x86_64.Ptr(x86_64.RDI, 0), x86_64.RDI)
        })
    }

    /* base, index and scale are kept */
    var base, index x86_64.Register
    var scale uint8
    disp := int32(arch.Disp(&in.Inst, m))
    if m.Base != 0 {
        op, _ := arch.Decode(m.Base)
        base = op.Reg.R64()
        if op.Reg == arch.RSP {
            disp += adj
        }
    }
    if m.Index != 0 {
        op, _ := arch.Decode(m.Index)
        index, scale = op.Reg.R64(), m.Scale
    }
    return instr.Asm(func(p *x86_64.Program) {
        p.MOVQ(x86_64.Sib(base, index, scale, disp), x86_64.RDI)
    })
}

func saveRDI() *instr.Instr {
    return instr.Asm(func(p *x86_64.Program) { p.PUSHQ(x86_64.RDI) })
}

// indirectJmp:
//
//     lea  -128(%rsp), %rsp
//     push %rdi
//     mov  target, %rdi
//     jmp  ibl_entry
func (self *Mangler) indirectJmp(in *instr.Instr, p policy.Policy) []*instr.Instr {
    return []*instr.Instr {
        skipRedZone(-_RedZone),
        saveRDI(),
        loadTarget(in, _RedZone + 8),
        instr.Jmp(self.ibl.Entry(p)),
    }
}

// indirectCall reserves the return address slot below the red zone, so
// the exit routine lands on the callee with the usual call frame.
//
//     lea  -136(%rsp), %rsp
//     push %rdi
//     mov  target, %rdi
//     push %rax
//     lea  ret(%rip), %rax     # or mov $native_ret, %rax
//     mov  %rax, 144(%rsp)
//     pop  %rax
//     jmp  ibl_entry
//   ret:
func (self *Mangler) indirectCall(in *instr.Instr, next uint64, p policy.Policy) []*instr.Instr {
    seq := []*instr.Instr {
        skipRedZone(-_RedZone - 8),
        saveRDI(),
        loadTarget(in, _RedZone + 16),
        instr.Asm(func(b *x86_64.Program) { b.PUSHQ(x86_64.RAX) }),
    }

    /* the return address is the code following the site, or native code */
    ret := instr.NewLabel()
    if self.directRet {
        seq = append(seq, instr.LoadAddr(arch.RAX, ret))
    } else {
        seq = append(seq, instr.Asm(func(b *x86_64.Program) { b.MOVQ(int64(next), x86_64.RAX) }))
    }

    /* store it into the reserved slot */
    return append(seq,
        instr.Asm(func(b *x86_64.Program) {
            b.MOVQ(x86_64.RAX, x86_64.Ptr(x86_64.RSP, _RedZone + 16))
            b.POPQ(x86_64.RAX)
        }),
        instr.Jmp(self.ibl.Entry(p)),
        ret,
    )
}

// indirectRet leaves the saved RDI right below where the stack pointer
// ends up after the return, so the exit routine restores it exactly.
//
//     lea  (n-120)(%rsp), %rsp
//     push %rdi
//     mov  (128-n)(%rsp), %rdi
//     jmp  ibl_entry
func (self *Mangler) indirectRet(in *instr.Instr, p policy.Policy) []*instr.Instr {
    n := int32(0)
    if v, ok := in.Inst.Args[0].(x86asm.Imm); ok {
        n = int32(v)
    }
    if n > _RedZone - 8 {
        panic(utils.EPatch(in.PC, "return pops too many bytes"))
    }
    return []*instr.Instr {
        skipRedZone(n - _RedZone + 8),
        saveRDI(),
        instr.Asm(func(b *x86_64.Program) {
            b.MOVQ(x86_64.Ptr(x86_64.RSP, _RedZone - n), x86_64.RDI)
        }),
        instr.Jmp(self.ibl.Entry(p)),
    }
}
