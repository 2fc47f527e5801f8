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


package policy

import (
    `testing`

    `github.com/brianvoe/gofakeit/v6`
    `github.com/cloudwego/mirage/internal/utils`
    `github.com/stretchr/testify/assert`
    `github.com/stretchr/testify/require`
)

func TestPolicy_Inheritance(t *testing.T) {
    p := New(3, HostContext | XMMContext | ForceAttach | IndirectTarget)
    require.Equal(t, New(3, HostContext | XMMContext | ForceAttach), p.Jmp())
    require.Equal(t, New(3, HostContext | ForceAttach | FunctionEntry), p.Call())
    require.Equal(t, New(3, HostContext | ForceAttach | ReturnTarget), p.Return())
    require.Equal(t, New(3, HostContext | XMMContext | ForceAttach), p.Base())
    require.True(t, p.Equal(New(3, 0)))
    require.False(t, p.Equal(New(4, HostContext | XMMContext | ForceAttach | IndirectTarget)))
    require.Equal(t, uint8(3), p.Call().ID())
    assert.Equal(t, "policy(3|host|xmm|attach|ind)", p.String())
}

func TestPolicy_Mangle(t *testing.T) {
    for i := 0; i < 100; i++ {
        p := New(uint8(gofakeit.Number(0, 255)), Policy(gofakeit.Number(0, 63)) << 8)
        addr := uint64(gofakeit.Number(0, 1 << 47 - 1))
        if i & 1 != 0 {
            addr |= 0xffff800000000000
        }
        a, q := Unmangle(Mangle(addr, p))
        require.Equal(t, addr, a)
        require.Equal(t, p, q)
    }
}

func TestRegistry(t *testing.T) {
    r := NewRegistry()
    require.Equal(t, "null", r.Get(0).Name)
    p := r.Register("count", VisitorFunc(func(ctx *Context) Policy { return ctx.Policy.With(XMMContext) }), HostContext)
    require.Equal(t, uint8(1), p.ID())
    require.True(t, p.Has(HostContext))
    e := r.Get(p.With(ReturnTarget))
    require.Equal(t, "count", e.Name)
    require.Equal(t, p | XMMContext, e.Visitor.Visit(&Context { Policy: p }))
    defer func() {
        f := utils.AsFault(recover())
        require.NotNil(t, f)
        require.Equal(t, utils.FaultPolicy, f.Kind)
    }()
    r.Get(New(200, 0))
}
