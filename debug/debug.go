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

package debug

import (
	"github.com/cloudwego/mirage/internal/perf"
)

// A Stats records statistics about one engine.
type Stats struct {
	Memory MemStats
	Cache  CacheStats
	CPUs   []CPUStats
	Perf   perf.Snapshot
}

// A MemStats records how much of the executable region and the heap is used.
type MemStats struct {
	CodeCache uint64
	Gencode   uint64
	Wrapper   uint64
	Heap      uint64
}

// A CacheStats records statistics about the shared code cache.
type CacheStats struct {
	Entries int
	Blocks  int
	Sites   int
	Detach  int
}

// A CPUStats records statistics about a CPU slot.
type CPUStats struct {
	Entries    int
	Slots      int
	CodeSlabs  int
	CodeBytes  uint64
	StateBytes uint64
}
