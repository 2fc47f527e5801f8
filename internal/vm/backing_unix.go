//go:build unix

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
    `unsafe`

    `golang.org/x/sys/unix`
)

func newBacking(size uint64) ([]uint64, func() error, error) {
    mm, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ | unix.PROT_WRITE, unix.MAP_ANON | unix.MAP_PRIVATE)
    if err != nil {
        return nil, nil, err
    }
    words := unsafe.Slice((*uint64)(unsafe.Pointer(&mm[0])), size >> 3)
    return words, func() error { return unix.Munmap(mm) }, nil
}
