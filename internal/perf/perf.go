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

package perf

import (
    `fmt`
    `io`
    `sync/atomic`
)

// Counters tracks translation work of one engine.
type Counters struct {
    DecodedInstrs   atomic.Uint64
    DecodedBytes    atomic.Uint64
    EncodedInstrs   atomic.Uint64
    EncodedBytes    atomic.Uint64
    Blocks          atomic.Uint64
    BlockBytes      atomic.Uint64
    PatchBytes      atomic.Uint64
    StateBytes      atomic.Uint64
    Patches         atomic.Uint64
    PatchContended  atomic.Uint64
    ExitRoutines    atomic.Uint64
    RacesLost       atomic.Uint64
}

// Snapshot is a point in time copy of Counters.
type Snapshot struct {
    DecodedInstrs  uint64
    DecodedBytes   uint64
    EncodedInstrs  uint64
    EncodedBytes   uint64
    Blocks         uint64
    BlockBytes     uint64
    PatchBytes     uint64
    StateBytes     uint64
    Patches        uint64
    PatchContended uint64
    ExitRoutines   uint64
    RacesLost      uint64
}

func (self *Counters) Snapshot() Snapshot {
    return Snapshot {
        DecodedInstrs  : self.DecodedInstrs.Load(),
        DecodedBytes   : self.DecodedBytes.Load(),
        EncodedInstrs  : self.EncodedInstrs.Load(),
        EncodedBytes   : self.EncodedBytes.Load(),
        Blocks         : self.Blocks.Load(),
        BlockBytes     : self.BlockBytes.Load(),
        PatchBytes     : self.PatchBytes.Load(),
        StateBytes     : self.StateBytes.Load(),
        Patches        : self.Patches.Load(),
        PatchContended : self.PatchContended.Load(),
        ExitRoutines   : self.ExitRoutines.Load(),
        RacesLost      : self.RacesLost.Load(),
    }
}

// Report prints the snapshot in a human readable form.
func (self Snapshot) Report(w io.Writer) {
    fmt.Fprintf(w, "Number of decoded instructions: %d\n", self.DecodedInstrs)
    fmt.Fprintf(w, "Number of decoded instruction bytes: %d\n\n", self.DecodedBytes)
    fmt.Fprintf(w, "Number of encoded instructions: %d\n", self.EncodedInstrs)
    fmt.Fprintf(w, "Number of encoded instruction bytes: %d\n\n", self.EncodedBytes)
    fmt.Fprintf(w, "Number of basic blocks: %d\n", self.Blocks)
    fmt.Fprintf(w, "Number of application instruction bytes: %d\n", self.BlockBytes)
    fmt.Fprintf(w, "Number of patch/stub instruction bytes: %d\n", self.PatchBytes)
    fmt.Fprintf(w, "Number of state bytes: %d\n\n", self.StateBytes)
    fmt.Fprintf(w, "Number of patched branches: %d (contended %d)\n", self.Patches, self.PatchContended)
    fmt.Fprintf(w, "Number of indirect exit routines: %d\n", self.ExitRoutines)
    fmt.Fprintf(w, "Number of translation races lost: %d\n", self.RacesLost)
}
