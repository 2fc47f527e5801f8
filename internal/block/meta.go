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
    `encoding/binary`
    `fmt`

    `github.com/cloudwego/mirage/internal/policy`
)

const (
    MetaSize  = 32
    Magic     = 0xcccccc00
    MagicMask = 0xffffff00
)

const (
    FlagStates uint8 = 1 << iota
)

// Kind is stored in the low byte of the header magic.
type Kind uint8

const (
    KindTranslated Kind = iota
    KindInterrupted
)

func (self Kind) String() string {
    switch self {
        case KindTranslated  : return "translated"
        case KindInterrupted : return "interrupted"
        default              : return fmt.Sprintf("kind(%d)", uint8(self))
    }
}

// Meta is the header that follows the code of every translated block.
//
//     +0   magic | kind     uint32
//     +4   num_bytes        uint16
//     +6   patch_bytes      uint16
//     +8   policy           uint16
//     +10  flags            uint8
//     +11  hotness          uint8
//     +12  hits             uint32
//     +16  native pc        uint64
//     +24  state pointer    uint64
type Meta struct {
    Kind       Kind
    NumBytes   uint16
    PatchBytes uint16
    Policy     policy.Policy
    Flags      uint8
    Hotness    uint8
    Hits       uint32
    PC         uint64
    State      uint64
}

const (
    _OffsetHotness = 11
    _OffsetHits    = 12
)

func (self *Meta) HasStates() bool {
    return self.Flags & FlagStates != 0
}

func (self *Meta) Encode(buf []byte) {
    _ = buf[MetaSize - 1]
    binary.LittleEndian.PutUint32(buf[0:], Magic | uint32(self.Kind))
    binary.LittleEndian.PutUint16(buf[4:], self.NumBytes)
    binary.LittleEndian.PutUint16(buf[6:], self.PatchBytes)
    binary.LittleEndian.PutUint16(buf[8:], uint16(self.Policy))
    buf[10] = self.Flags
    buf[11] = self.Hotness
    binary.LittleEndian.PutUint32(buf[12:], self.Hits)
    binary.LittleEndian.PutUint64(buf[16:], self.PC)
    binary.LittleEndian.PutUint64(buf[24:], self.State)
}

// DecodeMeta parses a header, it fails if the magic does not match.
func DecodeMeta(buf []byte) (Meta, bool) {
    _ = buf[MetaSize - 1]
    tag := binary.LittleEndian.Uint32(buf)
    if !IsMagic(tag) {
        return Meta{}, false
    }
    return Meta {
        Kind       : Kind(tag),
        NumBytes   : binary.LittleEndian.Uint16(buf[4:]),
        PatchBytes : binary.LittleEndian.Uint16(buf[6:]),
        Policy     : policy.Policy(binary.LittleEndian.Uint16(buf[8:])),
        Flags      : buf[10],
        Hotness    : buf[11],
        Hits       : binary.LittleEndian.Uint32(buf[12:]),
        PC         : binary.LittleEndian.Uint64(buf[16:]),
        State      : binary.LittleEndian.Uint64(buf[24:]),
    }, true
}

func IsMagic(v uint32) bool {
    return v & MagicMask == Magic
}

func alignUp(v uint64, align uint64) uint64 {
    return (v + align - 1) &^ (align - 1)
}
