/*
 * Copyright 2022 CloudWeGo Authors
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
package opts

import (
	"os"
	"runtime"
	"strconv"

	"github.com/klauspost/cpuid/v2"
)

const (
	_DefaultExecSize      = 16 << 20 // 16M of RWX memory for all three zones
	_DefaultWrapperSize   = 1 << 20  // tail of the executable region
	_DefaultHeapSize      = 16 << 20 // non-executable data heap
	_DefaultSlabSize      = 64 << 10 // per-CPU code cache slab
	_DefaultMaxBlockBytes = 256      // native bytes decoded before forcing a fall-through
)

var (
	ExecSize      = parseOrDefault("MIRAGE_EXEC_SIZE", _DefaultExecSize, 1<<16)
	WrapperSize   = parseOrDefault("MIRAGE_WRAPPER_SIZE", _DefaultWrapperSize, 4096)
	HeapSize      = parseOrDefault("MIRAGE_HEAP_SIZE", _DefaultHeapSize, 1<<16)
	SlabSize      = parseOrDefault("MIRAGE_SLAB_SIZE", _DefaultSlabSize, 4096)
	MaxBlockBytes = parseOrDefault("MIRAGE_MAX_BLOCK_BYTES", _DefaultMaxBlockBytes, 16)
	NumCPUs       = parseOrDefault("MIRAGE_NUM_CPUS", defaultCPUs(), 0)
)

func defaultCPUs() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	} else {
		return runtime.NumCPU()
	}
}

func parseOrDefault(key string, def int, min int) int {
	if env := os.Getenv(key); env == "" {
		return def
	} else if val, err := strconv.ParseUint(env, 0, 64); err != nil {
		panic("mirage: invalid value for " + key)
	} else if ret := int(val); ret <= min {
		panic("mirage: value too small for " + key)
	} else {
		return ret
	}
}
