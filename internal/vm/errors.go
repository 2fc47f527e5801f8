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
    `fmt`
)

type FaultKind uint8

const (
    FaultUnmapped FaultKind = iota + 1
    FaultProtection
    FaultAlignment
    FaultDecode
    FaultUnsupported
    FaultTrap
    FaultSteps
)

var faultKinds = [...]string {
    FaultUnmapped    : "unmapped address",
    FaultProtection  : "protection violation",
    FaultAlignment   : "misaligned access",
    FaultDecode      : "invalid instruction",
    FaultUnsupported : "unsupported instruction",
    FaultTrap        : "trap",
    FaultSteps       : "step budget exhausted",
}

// Fault is an execution error raised by the interpreter or the memory.
type Fault struct {
    Kind FaultKind
    Addr uint64
    PC   uint64
    Note string
}

func (self *Fault) Error() string {
    msg := fmt.Sprintf("vm: %s at %#x", faultKinds[self.Kind], self.Addr)
    if self.PC != 0 && self.PC != self.Addr {
        msg += fmt.Sprintf(" (pc %#x)", self.PC)
    }
    if self.Note != "" {
        msg += ": " + self.Note
    }
    return msg
}
