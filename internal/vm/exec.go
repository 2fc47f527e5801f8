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


package vm

import (
    `math/bits`

    `github.com/cloudwego/mirage/internal/arch`
    `golang.org/x/arch/x86/x86asm`
)

type _Handler func(c *CPU, p *x86asm.Inst) error

var dispatchTab map[x86asm.Op]_Handler

func init() {
    dispatchTab = map[x86asm.Op]_Handler {
        x86asm.MOV     : execMov,
        x86asm.MOVZX   : execMovzx,
        x86asm.MOVSX   : execMovsx,
        x86asm.MOVSXD  : execMovsx,
        x86asm.LEA     : execLea,
        x86asm.XCHG    : execXchg,
        x86asm.BSWAP   : execBswap,
        x86asm.PUSH    : execPush,
        x86asm.POP     : execPop,
        x86asm.PUSHFQ  : execPushf,
        x86asm.POPFQ   : execPopf,
        x86asm.LEAVE   : execLeave,
        x86asm.CBW     : execExtendAcc,
        x86asm.CWDE    : execExtendAcc,
        x86asm.CDQE    : execExtendAcc,
        x86asm.CWD     : execExtendDx,
        x86asm.CDQ     : execExtendDx,
        x86asm.CQO     : execExtendDx,
        x86asm.ADD     : execAlu,
        x86asm.ADC     : execAlu,
        x86asm.SUB     : execAlu,
        x86asm.SBB     : execAlu,
        x86asm.AND     : execAlu,
        x86asm.OR      : execAlu,
        x86asm.XOR     : execAlu,
        x86asm.CMP     : execCmp,
        x86asm.TEST    : execTest,
        x86asm.INC     : execIncDec,
        x86asm.DEC     : execIncDec,
        x86asm.NEG     : execNeg,
        x86asm.NOT     : execNot,
        x86asm.XADD    : execXadd,
        x86asm.CMPXCHG : execCmpxchg,
        x86asm.SHL     : execShift,
        x86asm.SHR     : execShift,
        x86asm.SAR     : execShift,
        x86asm.ROL     : execShift,
        x86asm.ROR     : execShift,
        x86asm.IMUL    : execImul,
        x86asm.MUL     : execMul,
        x86asm.DIV     : execDiv,
        x86asm.IDIV    : execDiv,
        x86asm.JMP     : execJmp,
        x86asm.CALL    : execCall,
        x86asm.RET     : execRet,
        x86asm.JRCXZ   : execJrcxz,
        x86asm.JECXZ   : execJrcxz,
        x86asm.LOOP    : execLoop,
        x86asm.LOOPE   : execLoop,
        x86asm.LOOPNE  : execLoop,
        x86asm.MOVSB   : execString,
        x86asm.MOVSW   : execString,
        x86asm.MOVSD   : execString,
        x86asm.MOVSQ   : execString,
        x86asm.STOSB   : execString,
        x86asm.STOSW   : execString,
        x86asm.STOSD   : execString,
        x86asm.STOSQ   : execString,
        x86asm.LODSB   : execString,
        x86asm.LODSW   : execString,
        x86asm.LODSD   : execString,
        x86asm.LODSQ   : execString,
        x86asm.NOP     : execNop,
        x86asm.PAUSE   : execNop,
        x86asm.LFENCE  : execNop,
        x86asm.MFENCE  : execNop,
        x86asm.SFENCE  : execNop,
        x86asm.INT     : execTrap,
        x86asm.HLT     : execTrap,
        x86asm.UD2     : execTrap,
    }

    /* condition code families */
    for _, op := range condOps {
        if _, ok := arch.JccCond(op); ok {
            dispatchTab[op] = execJcc
        } else if _, ok = arch.SetccCond(op); ok {
            dispatchTab[op] = execSetcc
        } else if _, ok = arch.CmovCond(op); ok {
            dispatchTab[op] = execCmov
        }
    }
}

var condOps = [...]x86asm.Op {
    x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG, x86asm.JGE, x86asm.JL,
    x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS,
    x86asm.SETA, x86asm.SETAE, x86asm.SETB, x86asm.SETBE, x86asm.SETE, x86asm.SETG, x86asm.SETGE, x86asm.SETL,
    x86asm.SETLE, x86asm.SETNE, x86asm.SETNO, x86asm.SETNP, x86asm.SETNS, x86asm.SETO, x86asm.SETP, x86asm.SETS,
    x86asm.CMOVA, x86asm.CMOVAE, x86asm.CMOVB, x86asm.CMOVBE, x86asm.CMOVE, x86asm.CMOVG, x86asm.CMOVGE, x86asm.CMOVL,
    x86asm.CMOVLE, x86asm.CMOVNE, x86asm.CMOVNO, x86asm.CMOVNP, x86asm.CMOVNS, x86asm.CMOVO, x86asm.CMOVP, x86asm.CMOVS,
}

func opSize(p *x86asm.Inst) int {
    if n := argSize(p, p.Args[0]); n != 0 {
        return n
    } else {
        return p.DataSize / 8
    }
}

// modify applies fn to a destination operand. Memory destinations are
// updated atomically, fn may be called more than once.
func (self *CPU) modify(p *x86asm.Inst, a x86asm.Arg, size int, fn func(old uint64) uint64) (uint64, uint64, error) {
    if m, ok := a.(x86asm.Mem); ok {
        addr, err := self.ea(p, m)
        if err != nil {
            return 0, 0, err
        }
        old, err := self.Mem.Modify(addr, size, fn)
        if err != nil {
            return 0, 0, err
        }
        return old, fn(old) & sizeMask(size), nil
    }
    old, err := self.read(p, a, size)
    if err != nil {
        return 0, 0, err
    }
    res := fn(old) & sizeMask(size)
    return old, res, self.write(p, a, size, res)
}

/** Data Movement **/

func execMov(c *CPU, p *x86asm.Inst) error {
    size := opSize(p)
    if v, err := c.read(p, p.Args[1], size); err != nil {
        return err
    } else {
        return c.write(p, p.Args[0], size, v)
    }
}

func execMovzx(c *CPU, p *x86asm.Inst) error {
    if v, err := c.read(p, p.Args[1], argSize(p, p.Args[1])); err != nil {
        return err
    } else {
        return c.write(p, p.Args[0], opSize(p), v)
    }
}

func execMovsx(c *CPU, p *x86asm.Inst) error {
    n := argSize(p, p.Args[1])
    if v, err := c.read(p, p.Args[1], n); err != nil {
        return err
    } else {
        return c.write(p, p.Args[0], opSize(p), signExtend(v, n))
    }
}

func execLea(c *CPU, p *x86asm.Inst) error {
    m, ok := p.Args[1].(x86asm.Mem)
    if !ok {
        return unsupported(p, "lea without memory operand")
    }
    if addr, err := c.ea(p, m); err != nil {
        return err
    } else {
        return c.write(p, p.Args[0], opSize(p), addr)
    }
}

func execXchg(c *CPU, p *x86asm.Inst) error {
    size := opSize(p)
    dst, src := p.Args[0], p.Args[1]

    /* keep the memory operand as the destination */
    if _, ok := src.(x86asm.Mem); ok {
        dst, src = src, dst
    }
    v, err := c.read(p, src, size)
    if err != nil {
        return err
    }
    old, _, err := c.modify(p, dst, size, func(uint64) uint64 { return v })
    if err != nil {
        return err
    }
    return c.write(p, src, size, old)
}

func execBswap(c *CPU, p *x86asm.Inst) error {
    size := opSize(p)
    _, _, err := c.modify(p, p.Args[0], size, func(v uint64) uint64 {
        if size == 8 {
            return bits.ReverseBytes64(v)
        } else {
            return uint64(bits.ReverseBytes32(uint32(v)))
        }
    })
    return err
}

func execPush(c *CPU, p *x86asm.Inst) error {
    if v, err := c.read(p, p.Args[0], 8); err != nil {
        return err
    } else {
        return c.Push(v)
    }
}

func execPop(c *CPU, p *x86asm.Inst) error {
    if v, err := c.Pop(); err != nil {
        return err
    } else {
        return c.write(p, p.Args[0], 8, v)
    }
}

const (
    _FlagMask = arch.FlagCF | arch.FlagPF | arch.FlagAF | arch.FlagZF | arch.FlagSF | arch.FlagDF | arch.FlagOF
)

func execPushf(c *CPU, _ *x86asm.Inst) error {
    return c.Push(c.Flags)
}

func execPopf(c *CPU, _ *x86asm.Inst) error {
    if v, err := c.Pop(); err != nil {
        return err
    } else {
        c.Flags = v & _FlagMask | 2
        return nil
    }
}

func execLeave(c *CPU, _ *x86asm.Inst) error {
    c.Regs[arch.RSP] = c.Regs[arch.RBP]
    if v, err := c.Pop(); err != nil {
        return err
    } else {
        c.Regs[arch.RBP] = v
        return nil
    }
}

func execExtendAcc(c *CPU, p *x86asm.Inst) error {
    n := p.DataSize / 8
    v := signExtend(c.Regs[arch.RAX] & sizeMask(n / 2), n / 2)
    c.setReg(arch.Operand { Reg: arch.RAX, Size: n }, v)
    return nil
}

func execExtendDx(c *CPU, p *x86asm.Inst) error {
    n := p.DataSize / 8
    v := uint64(0)
    if c.Regs[arch.RAX] & signBit(n) != 0 {
        v = ^uint64(0)
    }
    c.setReg(arch.Operand { Reg: arch.RDX, Size: n }, v)
    return nil
}

/** Arithmetic **/

func execAlu(c *CPU, p *x86asm.Inst) error {
    size := opSize(p)
    b, err := c.read(p, p.Args[1], size)
    if err != nil {
        return err
    }

    /* carry in for ADC and SBB */
    cin := uint64(0)
    if c.flag(arch.FlagCF) {
        cin = 1
    }

    /* compute the result */
    a, res, err := c.modify(p, p.Args[0], size, func(a uint64) uint64 {
        switch p.Op {
            case x86asm.ADD : return a + b
            case x86asm.ADC : return a + b + cin
            case x86asm.SUB : return a - b
            case x86asm.SBB : return a - b - cin
            case x86asm.AND : return a & b
            case x86asm.OR  : return a | b
            default         : return a ^ b
        }
    })
    if err != nil {
        return err
    }

    /* update the flags */
    switch p.Op {
        case x86asm.ADD : c.flagsAdd(a, b, 0, res, size)
        case x86asm.ADC : c.flagsAdd(a, b, cin, res, size)
        case x86asm.SUB : c.flagsSub(a, b, 0, res, size)
        case x86asm.SBB : c.flagsSub(a, b, cin, res, size)
        default         : c.flagsLogic(res, size)
    }
    return nil
}

func execCmp(c *CPU, p *x86asm.Inst) error {
    size := opSize(p)
    a, err := c.read(p, p.Args[0], size)
    if err != nil {
        return err
    }
    b, err := c.read(p, p.Args[1], size)
    if err != nil {
        return err
    }
    c.flagsSub(a, b, 0, a - b, size)
    return nil
}

func execTest(c *CPU, p *x86asm.Inst) error {
    size := opSize(p)
    a, err := c.read(p, p.Args[0], size)
    if err != nil {
        return err
    }
    b, err := c.read(p, p.Args[1], size)
    if err != nil {
        return err
    }
    c.flagsLogic(a & b, size)
    return nil
}

func execIncDec(c *CPU, p *x86asm.Inst) error {
    size := opSize(p)
    cf := c.flag(arch.FlagCF)
    dec := p.Op == x86asm.DEC
    a, res, err := c.modify(p, p.Args[0], size, func(a uint64) uint64 {
        if dec {
            return a - 1
        } else {
            return a + 1
        }
    })
    if err != nil {
        return err
    }
    if dec {
        c.flagsSub(a, 1, 0, res, size)
    } else {
        c.flagsAdd(a, 1, 0, res, size)
    }
    c.setFlag(arch.FlagCF, cf)
    return nil
}

func execNeg(c *CPU, p *x86asm.Inst) error {
    size := opSize(p)
    a, res, err := c.modify(p, p.Args[0], size, func(a uint64) uint64 { return -a })
    if err != nil {
        return err
    }
    c.flagsSub(0, a, 0, res, size)
    c.setFlag(arch.FlagCF, a & sizeMask(size) != 0)
    return nil
}

func execNot(c *CPU, p *x86asm.Inst) error {
    _, _, err := c.modify(p, p.Args[0], opSize(p), func(a uint64) uint64 { return ^a })
    return err
}

func execXadd(c *CPU, p *x86asm.Inst) error {
    size := opSize(p)
    b, err := c.read(p, p.Args[1], size)
    if err != nil {
        return err
    }
    a, res, err := c.modify(p, p.Args[0], size, func(a uint64) uint64 { return a + b })
    if err != nil {
        return err
    }
    c.flagsAdd(a, b, 0, res, size)
    return c.write(p, p.Args[1], size, a)
}

func execCmpxchg(c *CPU, p *x86asm.Inst) error {
    size := opSize(p)
    acc := c.Regs[arch.RAX] & sizeMask(size)
    src, err := c.read(p, p.Args[1], size)
    if err != nil {
        return err
    }
    old, _, err := c.modify(p, p.Args[0], size, func(v uint64) uint64 {
        if v == acc {
            return src
        } else {
            return v
        }
    })
    if err != nil {
        return err
    }
    c.flagsSub(acc, old, 0, acc - old, size)
    if old != acc {
        c.setReg(arch.Operand { Reg: arch.RAX, Size: size }, old)
    }
    return nil
}

func execShift(c *CPU, p *x86asm.Inst) error {
    size := opSize(p)
    cnt := uint64(1)
    if p.Args[1] != nil {
        v, err := c.read(p, p.Args[1], 1)
        if err != nil {
            return err
        }
        cnt = v
    }

    /* count is masked, zero count leaves flags alone */
    if size == 8 {
        cnt &= 0x3f
    } else {
        cnt &= 0x1f
    }
    if cnt == 0 {
        return nil
    }

    /* compute the result */
    w := uint(size) * 8
    n := uint(cnt)
    a, res, err := c.modify(p, p.Args[0], size, func(a uint64) uint64 {
        a &= sizeMask(size)
        switch p.Op {
            case x86asm.SHL : return a << n
            case x86asm.SHR : return a >> n
            case x86asm.SAR : return signExtend(a, size) >> n
            case x86asm.ROL : return a << (n % w) | a >> ((w - n % w) % w)
            default         : return a >> (n % w) | a << ((w - n % w) % w)
        }
    })
    if err != nil {
        return err
    }

    /* update flags */
    msb := func(v uint64) bool { return v & signBit(size) != 0 }
    switch p.Op {
        case x86asm.SHL: {
            cf := n <= w && (a >> (w - n)) & 1 != 0
            c.setSZP(res, size)
            c.setFlag(arch.FlagCF, cf)
            c.setFlag(arch.FlagOF, msb(res) != cf)
        }
        case x86asm.SHR: {
            c.setSZP(res, size)
            c.setFlag(arch.FlagCF, (a >> (n - 1)) & 1 != 0)
            c.setFlag(arch.FlagOF, msb(a))
        }
        case x86asm.SAR: {
            c.setSZP(res, size)
            c.setFlag(arch.FlagCF, (signExtend(a, size) >> (n - 1)) & 1 != 0)
            c.setFlag(arch.FlagOF, false)
        }
        case x86asm.ROL: {
            c.setFlag(arch.FlagCF, res & 1 != 0)
            c.setFlag(arch.FlagOF, msb(res) != (res & 1 != 0))
        }
        default: {
            c.setFlag(arch.FlagCF, msb(res))
            c.setFlag(arch.FlagOF, msb(res) != msb(res << 1))
        }
    }
    return nil
}

func mulSigned(a int64, b int64) (uint64, uint64) {
    hi, lo := bits.Mul64(uint64(a), uint64(b))
    if a < 0 {
        hi -= uint64(b)
    }
    if b < 0 {
        hi -= uint64(a)
    }
    return hi, lo
}

func execImul(c *CPU, p *x86asm.Inst) error {
    size := opSize(p)

    /* one operand form widens into rDX:rAX */
    if p.Args[1] == nil {
        return execMul(c, p)
    }

    /* two and three operand forms truncate */
    var err error
    var a, b uint64
    if p.Args[2] == nil {
        a, err = c.read(p, p.Args[0], size)
        if err == nil {
            b, err = c.read(p, p.Args[1], size)
        }
    } else {
        a, err = c.read(p, p.Args[1], size)
        if err == nil {
            b, err = c.read(p, p.Args[2], size)
        }
    }
    if err != nil {
        return err
    }

    /* check for signed overflow */
    hi, lo := mulSigned(int64(signExtend(a, size)), int64(signExtend(b, size)))
    res := lo & sizeMask(size)
    ovf := false
    if size == 8 {
        ovf = hi != uint64(int64(lo) >> 63)
    } else {
        ovf = signExtend(res, size) != lo
    }
    c.setSZP(res, size)
    c.setFlag(arch.FlagCF, ovf)
    c.setFlag(arch.FlagOF, ovf)
    return c.write(p, p.Args[0], size, res)
}

func execMul(c *CPU, p *x86asm.Inst) error {
    size := opSize(p)
    b, err := c.read(p, p.Args[0], size)
    if err != nil {
        return err
    }

    /* compute the double width product */
    var hi, lo uint64
    a := c.Regs[arch.RAX] & sizeMask(size)
    if p.Op == x86asm.IMUL {
        hi, lo = mulSigned(int64(signExtend(a, size)), int64(signExtend(b, size)))
    } else {
        hi, lo = bits.Mul64(a, b)
    }

    /* split the product */
    var top, bot uint64
    var ovf bool
    if size == 8 {
        top, bot = hi, lo
        if p.Op == x86asm.IMUL {
            ovf = hi != uint64(int64(lo) >> 63)
        } else {
            ovf = hi != 0
        }
    } else {
        w := uint(size) * 8
        top, bot = (lo >> w) & sizeMask(size), lo & sizeMask(size)
        if p.Op == x86asm.IMUL {
            ovf = signExtend(bot, size) != lo
        } else {
            ovf = top != 0
        }
    }

    /* byte form writes AX only */
    if size == 1 {
        c.setReg(arch.Operand { Reg: arch.RAX, Size: 2 }, top << 8 | bot)
    } else {
        c.setReg(arch.Operand { Reg: arch.RAX, Size: size }, bot)
        c.setReg(arch.Operand { Reg: arch.RDX, Size: size }, top)
    }
    c.setFlag(arch.FlagCF, ovf)
    c.setFlag(arch.FlagOF, ovf)
    return nil
}

func execDiv(c *CPU, p *x86asm.Inst) error {
    size := opSize(p)
    d, err := c.read(p, p.Args[0], size)
    if err != nil {
        return err
    }
    if d == 0 {
        return &Fault { Kind: FaultTrap, Addr: c.RIP, Note: "division by zero" }
    }

    /* load the dividend */
    var hi, lo uint64
    if size == 1 {
        hi, lo = (c.Regs[arch.RAX] >> 8) & 0xff, c.Regs[arch.RAX] & 0xff
    } else {
        hi, lo = c.Regs[arch.RDX] & sizeMask(size), c.Regs[arch.RAX] & sizeMask(size)
    }

    /* compute quotient and remainder */
    var q, r uint64
    if p.Op == x86asm.DIV {
        if size == 8 {
            if hi >= d {
                return &Fault { Kind: FaultTrap, Addr: c.RIP, Note: "quotient overflow" }
            }
            q, r = bits.Div64(hi, lo, d)
        } else {
            n := hi << (uint(size) * 8) | lo
            q, r = n / d, n % d
        }
        if q > sizeMask(size) {
            return &Fault { Kind: FaultTrap, Addr: c.RIP, Note: "quotient overflow" }
        }
    } else {
        var n int64
        if size == 8 {
            if hi != uint64(int64(lo) >> 63) {
                return unsupported(p, "128-bit signed dividend")
            }
            n = int64(lo)
        } else {
            n = int64(signExtend(hi << (uint(size) * 8) | lo, size * 2))
        }
        sd := int64(signExtend(d, size))
        if n == -1 << 63 && sd == -1 {
            return &Fault { Kind: FaultTrap, Addr: c.RIP, Note: "quotient overflow" }
        }
        sq, sr := n / sd, n % sd
        if size < 8 && signExtend(uint64(sq) & sizeMask(size), size) != uint64(sq) {
            return &Fault { Kind: FaultTrap, Addr: c.RIP, Note: "quotient overflow" }
        }
        q, r = uint64(sq) & sizeMask(size), uint64(sr) & sizeMask(size)
    }

    /* store the results */
    if size == 1 {
        c.setReg(arch.Operand { Reg: arch.RAX, Size: 2 }, r << 8 | q)
    } else {
        c.setReg(arch.Operand { Reg: arch.RAX, Size: size }, q)
        c.setReg(arch.Operand { Reg: arch.RDX, Size: size }, r)
    }
    return nil
}

/** Conditional Execution **/

func execSetcc(c *CPU, p *x86asm.Inst) error {
    cc, _ := arch.SetccCond(p.Op)
    if cc.Eval(c.Flags) {
        return c.write(p, p.Args[0], 1, 1)
    } else {
        return c.write(p, p.Args[0], 1, 0)
    }
}

func execCmov(c *CPU, p *x86asm.Inst) error {
    size := opSize(p)
    cc, _ := arch.CmovCond(p.Op)

    /* the 32-bit form zero extends even when not taken */
    if !cc.Eval(c.Flags) {
        if size == 4 {
            v, err := c.read(p, p.Args[0], 4)
            if err != nil {
                return err
            }
            return c.write(p, p.Args[0], 4, v)
        }
        return nil
    }
    if v, err := c.read(p, p.Args[1], size); err != nil {
        return err
    } else {
        return c.write(p, p.Args[0], size, v)
    }
}

/** Control Transfer **/

func (self *CPU) target(p *x86asm.Inst) (uint64, error) {
    if rel, ok := p.Args[0].(x86asm.Rel); ok {
        return self.RIP + uint64(int64(rel)), nil
    } else {
        return self.read(p, p.Args[0], 8)
    }
}

func execJmp(c *CPU, p *x86asm.Inst) error {
    if to, err := c.target(p); err != nil {
        return err
    } else {
        c.RIP = to
        return nil
    }
}

func execCall(c *CPU, p *x86asm.Inst) error {
    to, err := c.target(p)
    if err != nil {
        return err
    }
    if err = c.Push(c.RIP); err != nil {
        return err
    }
    c.RIP = to
    return nil
}

func execRet(c *CPU, p *x86asm.Inst) error {
    to, err := c.Pop()
    if err != nil {
        return err
    }
    if imm, ok := p.Args[0].(x86asm.Imm); ok {
        c.Regs[arch.RSP] += uint64(imm) & 0xffff
    }
    c.RIP = to
    return nil
}

func execJcc(c *CPU, p *x86asm.Inst) error {
    if cc, _ := arch.JccCond(p.Op); cc.Eval(c.Flags) {
        return execJmp(c, p)
    } else {
        return nil
    }
}

func execJrcxz(c *CPU, p *x86asm.Inst) error {
    cx := c.Regs[arch.RCX]
    if p.Op == x86asm.JECXZ {
        cx &= 0xffffffff
    }
    if cx == 0 {
        return execJmp(c, p)
    } else {
        return nil
    }
}

func execLoop(c *CPU, p *x86asm.Inst) error {
    c.Regs[arch.RCX]--
    zf := c.flag(arch.FlagZF)

    /* check the termination condition */
    switch {
        case c.Regs[arch.RCX] == 0      : return nil
        case p.Op == x86asm.LOOPE  && !zf : return nil
        case p.Op == x86asm.LOOPNE &&  zf : return nil
        default                           : return execJmp(c, p)
    }
}

var stringOps = map[x86asm.Op]struct { kind x86asm.Op; size int } {
    x86asm.MOVSB: { x86asm.MOVSB, 1 }, x86asm.MOVSW: { x86asm.MOVSB, 2 }, x86asm.MOVSD: { x86asm.MOVSB, 4 }, x86asm.MOVSQ: { x86asm.MOVSB, 8 },
    x86asm.STOSB: { x86asm.STOSB, 1 }, x86asm.STOSW: { x86asm.STOSB, 2 }, x86asm.STOSD: { x86asm.STOSB, 4 }, x86asm.STOSQ: { x86asm.STOSB, 8 },
    x86asm.LODSB: { x86asm.LODSB, 1 }, x86asm.LODSW: { x86asm.LODSB, 2 }, x86asm.LODSD: { x86asm.LODSB, 4 }, x86asm.LODSQ: { x86asm.LODSB, 8 },
}

func (self *CPU) stringStep(kind x86asm.Op, size int) error {
    step := uint64(size)
    if self.flag(arch.FlagDF) {
        step = -step
    }

    /* one element */
    switch kind {
        case x86asm.MOVSB: {
            v, err := self.Mem.Load(self.Regs[arch.RSI], size)
            if err != nil {
                return err
            }
            if err = self.Mem.Store(self.Regs[arch.RDI], v, size); err != nil {
                return err
            }
            self.Regs[arch.RSI] += step
            self.Regs[arch.RDI] += step
        }
        case x86asm.STOSB: {
            if err := self.Mem.Store(self.Regs[arch.RDI], self.Regs[arch.RAX], size); err != nil {
                return err
            }
            self.Regs[arch.RDI] += step
        }
        default: {
            v, err := self.Mem.Load(self.Regs[arch.RSI], size)
            if err != nil {
                return err
            }
            self.setReg(arch.Operand { Reg: arch.RAX, Size: size }, v)
            self.Regs[arch.RSI] += step
        }
    }
    return nil
}

func execString(c *CPU, p *x86asm.Inst) error {
    op := stringOps[p.Op]

    /* single element */
    if !arch.HasRep(p) {
        return c.stringStep(op.kind, op.size)
    }

    /* repeated until rCX reaches zero */
    for c.Regs[arch.RCX] != 0 {
        if err := c.stringStep(op.kind, op.size); err != nil {
            return err
        }
        c.Regs[arch.RCX]--
    }
    return nil
}

/** Miscellaneous **/

func execNop(_ *CPU, _ *x86asm.Inst) error {
    return nil
}

func execTrap(c *CPU, p *x86asm.Inst) error {
    return &Fault { Kind: FaultTrap, Addr: c.RIP - uint64(p.Len), Note: p.Op.String() }
}
