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
    `github.com/cloudwego/mirage/internal/utils`
    `golang.org/x/arch/x86/x86asm`
)

const (
    MaxLen = 15
)

// Fetcher reads executable bytes.
type Fetcher interface {
    Fetch(addr uint64, buf []byte) (int, error)
}

// Decode decodes the application instruction at pc. Unmapped or invalid
// bytes are fatal.
func Decode(mem Fetcher, pc uint64) *Instr {
    buf := make([]byte, MaxLen)
    n, err := mem.Fetch(pc, buf)
    if err != nil {
        panic(utils.EAddress(pc, err.Error()))
    }
    ins, err := x86asm.Decode(buf[:n], 64)
    if err != nil {
        panic(utils.EDecode(pc, err))
    }
    return FromNative(pc, buf, ins)
}
