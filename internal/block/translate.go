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
    `math`

    `github.com/chenzhuoyu/iasm/x86_64`
    `github.com/cloudwego/mirage/internal/alloc`
    `github.com/cloudwego/mirage/internal/arch`
    `github.com/cloudwego/mirage/internal/instr`
    `github.com/cloudwego/mirage/internal/log`
    `github.com/cloudwego/mirage/internal/mangle`
    `github.com/cloudwego/mirage/internal/opts`
    `github.com/cloudwego/mirage/internal/perf`
    `github.com/cloudwego/mirage/internal/policy`
    `github.com/cloudwego/mirage/internal/utils`
    `github.com/cloudwego/mirage/internal/vm`
    `github.com/pkg/errors`
    `golang.org/x/arch/x86/x86asm`
)

var errUnsupportedLoop = errors.New("unsupported loop form")

// CPU is the per-CPU context a block is translated on.
type CPU interface {
    ID() int
    Code() *alloc.Bump
    State() *alloc.Bump
}

// Translator builds code cache blocks out of native code.
type Translator struct {
    mem      *vm.Memory
    opts     *opts.Options
    policies *policy.Registry
    mangler  *mangle.Mangler
    perf     *perf.Counters
}

func NewTranslator(mem *vm.Memory, o *opts.Options, policies *policy.Registry, m *mangle.Mangler, pc *perf.Counters) *Translator {
    return &Translator {
        mem      : mem,
        opts     : o,
        policies : policies,
        mangler  : m,
        perf     : pc,
    }
}

// decodeBlock collects the native instructions of the block at pc, ending
// with the instruction that leaves it.
func (self *Translator) decodeBlock(pc uint64, p policy.Policy) *instr.List {
    ls := new(instr.List)
    cur := pc
    total := 0

    /* decoding state */
    for {
        if !self.opts.CanGrowBlock(total) {
            ls.Append(instr.Jmp(cur))
            return ls
        }

        /* one native instruction */
        in := instr.Decode(self.mem, cur)
        next := cur + uint64(in.Inst.Len)
        total += in.Inst.Len
        self.perf.DecodedInstrs.Add(1)
        self.perf.DecodedBytes.Add(uint64(in.Inst.Len))

        /* does it end the block */
        switch arch.Classify(&in.Inst) {
            case arch.NotCTI: {
                if self.opts.TranslateRep && arch.HasRep(&in.Inst) && arch.IsString(&in.Inst) {
                    ls.Append(rewriteRep(in)...)
                } else {
                    ls.Append(in)
                }
            }
            case arch.Loop: {
                ls.Append(rewriteLoop(in, next)...)
                return ls
            }
            case arch.DirectJcc: {
                ls.Append(in, instr.Jmp(next))
                return ls
            }
            case arch.DirectCall: {
                ls.Append(in)
                if _, ok := self.mangler.Detached(arch.Target(&in.Inst, cur), p.Call()); !ok && !self.opts.DirectReturn {
                    return ls
                }
            }
            case arch.IndirectCall: {
                ls.Append(in)
                if !self.opts.DirectReturn {
                    return ls
                }
            }
            default: {
                ls.Append(in)
                return ls
            }
        }
        cur = next
    }
}

// counter brackets the execution counter increment so it does not disturb
// the red zone or the flags.
func counter() (*instr.Instr, []*instr.Instr) {
    inc := instr.Counter(0)
    return inc, []*instr.Instr {
        instr.Asm(func(p *x86_64.Program) { p.LEAQ(x86_64.Ptr(x86_64.RSP, -128), x86_64.RSP) }).Instrumented(),
        instr.Bytes(0x9c).Instrumented(),
        inc,
        instr.Bytes(0x9d).Instrumented(),
        instr.Asm(func(p *x86_64.Program) { p.LEAQ(x86_64.Ptr(x86_64.RSP, 128), x86_64.RSP) }).Instrumented(),
    }
}

// sizeBound is an upper bound of the encoded size of ls laid out at any
// 16-byte aligned address.
func sizeBound(ls *instr.List) uint64 {
    n := ls.Layout(0)
    for p := ls.Head; p != nil; p = p.Next {
        if p.Kind == instr.Native && p.Inst.Op == x86asm.LEA && p.Inst.PCRel != 0 {
            n += 3
        }
        if p.Patchable || p.Align > 1 {
            n += 7
        }
    }
    return n
}

// Translate builds the block of native code at pc entered with policy p,
// on the allocators of cpu. The result is not published.
func (self *Translator) Translate(cpu CPU, p policy.Policy, pc uint64) *Block {
    entry := self.policies.Get(p)
    ls := self.decodeBlock(pc, p)

    /* client block state */
    var state uint64
    var stateUndo *alloc.Undo
    if entry.StateSize != 0 {
        state, stateUndo = cpu.State().Alloc(entry.StateSize, 8)
        if err := self.mem.Poke(state, make([]byte, entry.StateSize)); err != nil {
            panic(utils.EAddress(state, err.Error()))
        }
    }

    /* the client sees the block exactly once */
    exit := entry.Visitor.Visit(&policy.Context {
        CPU    : cpu.ID(),
        PC     : pc,
        Policy : p,
        State  : state,
        Instrs : ls,
    })

    /* mangle, then put stubs behind the body */
    unit := self.mangler.Mangle(ls, exit)
    var inc *instr.Instr
    if self.opts.HitCounters {
        var seq []*instr.Instr
        inc, seq = counter()
        for i := len(seq) - 1; i >= 0; i-- {
            ls.Prepend(seq[i])
        }
    }
    first := unit.Stubs.Head
    ls.Splice(unit.Stubs)

    /* one allocation for code, header and state table */
    bound := alignUp(sizeBound(ls), 8)
    if bound > math.MaxUint16 {
        panic(utils.EPatch(pc, "block too large"))
    }
    total := bound + MetaSize + uint64(StateTableSize(int(bound)))
    addr, undo := cpu.Code().Alloc(total, 16)

    /* final layout */
    end := ls.Layout(addr)
    num := alignUp(end, 8) - addr
    meta := addr + num
    if inc != nil {
        inc.Target = meta + _OffsetHits
    }
    code := ls.Encode()
    states := ls.States()
    for uint64(len(code)) < num {
        code = append(code, 0xcc)
        states = append(states, instr.StatePadding)
    }

    /* the stubs are counted apart from the body */
    patch := uint64(0)
    if first != nil {
        patch = end - first.Addr
    }
    hdr := Meta {
        Kind       : KindTranslated,
        NumBytes   : uint16(num),
        PatchBytes : uint16(patch),
        Policy     : p,
        PC         : pc,
        State      : state,
    }

    /* byte states are only kept when instrumentation is present */
    var table []byte
    for _, st := range states {
        if st == instr.StateInstrumented {
            table = EncodeStates(states)
            hdr.Flags |= FlagStates
            break
        }
    }

    /* write everything at once */
    buf := make([]byte, MetaSize, MetaSize + len(table))
    hdr.Encode(buf)
    buf = append(append(code, buf...), table...)
    if err := self.mem.Poke(addr, buf); err != nil {
        panic(utils.EAddress(addr, err.Error()))
    }
    unit.Commit()

    /* statistics */
    self.perf.Blocks.Add(1)
    self.perf.BlockBytes.Add(num - patch)
    self.perf.PatchBytes.Add(patch)
    self.perf.StateBytes.Add(entry.StateSize)
    self.perf.EncodedInstrs.Add(uint64(ls.Len()))
    self.perf.EncodedBytes.Add(end - addr)
    log.Debug(log.Block, "translated", "pc", pc, "policy", p, "addr", addr, "bytes", num, "patch", patch)

    /* keep the undo tokens until the block is published */
    return &Block {
        Start    : addr,
        MetaAddr : meta,
        Meta     : hdr,
        States   : table,
        mem      : self.mem,
        codeLen  : int(end - addr),
        code     : undo,
        state    : stateUndo,
    }
}
