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
    `github.com/cloudwego/mirage/internal/utils`
    `github.com/cloudwego/mirage/internal/vm`
)

// Fault is the value the engine panics with when one of its invariants is
// violated: an undecodable instruction, a hot-patch that cannot complete,
// an exhausted region. Faults are not recoverable inside the engine.
type Fault = utils.Fault

// FaultKind classifies a Fault.
type FaultKind = utils.FaultKind

const (
    FaultDecode    = utils.FaultDecode
    FaultAddress   = utils.FaultAddress
    FaultExhausted = utils.FaultExhausted
    FaultPatch     = utils.FaultPatch
    FaultAllocator = utils.FaultAllocator
    FaultPolicy    = utils.FaultPolicy
    FaultInvariant = utils.FaultInvariant
)

// ExecError is returned by Thread.Call when the simulated program itself
// misbehaves, e.g. touches unmapped memory or runs out of steps.
type ExecError = vm.Fault

// Recover runs fn and converts an engine Fault into an error. Any other
// panic is propagated.
func Recover(fn func()) (err error) {
    defer func() {
        if v := recover(); v != nil {
            if f := utils.AsFault(v); f != nil {
                err = f
            } else {
                panic(v)
            }
        }
    }()
    fn()
    return nil
}
