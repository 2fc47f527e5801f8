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
    `github.com/cloudwego/mirage/internal/instr`
)

// StateTableSize is the size of a byte-state table covering n bytes: two
// bits per byte, rounded up to whole 64-bit words.
func StateTableSize(n int) int {
    return (n * 2 + 63) / 64 * 8
}

// EncodeStates packs the byte states, unused trailing slots read as padding.
func EncodeStates(st []instr.State) []byte {
    buf := make([]byte, StateTableSize(len(st)))
    for i := range buf {
        buf[i] = 0xff
    }
    for i, v := range st {
        setState(buf, i, v)
    }
    return buf
}

func setState(tab []byte, i int, v instr.State) {
    sh := uint(i & 3) * 2
    tab[i >> 2] = tab[i >> 2] &^ (3 << sh) | byte(v & 3) << sh
}

func getState(tab []byte, i int) instr.State {
    return instr.State(tab[i >> 2] >> (uint(i & 3) * 2) & 3)
}

// StateAt returns the state of the byte at pc. Blocks without a table hold
// no instrumentation, so code bytes are reported as native and the int3
// tail as padding.
func (self *Block) StateAt(pc uint64) instr.State {
    if !self.Contains(pc) {
        return instr.StatePadding
    }
    off := int(pc - self.Start)
    if self.States != nil {
        return getState(self.States, off)
    }
    if off >= self.codeLen {
        return instr.StatePadding
    } else {
        return instr.StateNative
    }
}

// NextSafeInterruptLocation returns the first address at or after pc where
// an interrupt may be delivered without splitting an instrumented sequence.
func (self *Block) NextSafeInterruptLocation(pc uint64) (uint64, bool) {
    for next := pc; self.Contains(next); next++ {
        switch self.StateAt(next) {
            case instr.StateNative: {
                return next, true
            }

            /* only translated fragments may be entered at a mangled byte */
            case instr.StateMangled: {
                return next, self.Meta.Kind == KindTranslated
            }

            /* the first byte of an instrumented run is still safe */
            case instr.StateInstrumented: {
                if next == self.Start || self.StateAt(next - 1) == instr.StateNative {
                    return next, true
                }
            }

            default: {
                return 0, false
            }
        }
    }
    return 0, false
}

// IsInterruptDelayed reports whether an interrupt at pc must wait.
func (self *Block) IsInterruptDelayed(pc uint64) bool {
    next, ok := self.NextSafeInterruptLocation(pc)
    return !ok || next != pc
}
