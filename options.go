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

package mirage

import (
	"fmt"

	"github.com/cloudwego/mirage/internal/log"
	"github.com/cloudwego/mirage/internal/opts"
)

// Option is the property setter function for opts.Options.
type Option func(*opts.Options)

const (
	_MinExecSize  = 1 << 16
	_MinHeapSize  = 1 << 16
	_MinSlabSize  = 4096
	_MinBlockSize = 16
)

// WithExecSize sets the size of the executable region, which holds the code
// cache, the generated routines and the wrapper zone.
//
// The default value of this option is "16M", and can also be configured with
// the `MIRAGE_EXEC_SIZE` environment variable.
func WithExecSize(size int) Option {
	if size < _MinExecSize {
		panic(fmt.Sprintf("mirage: invalid exec region size: %d", size))
	} else {
		return func(o *opts.Options) { o.ExecSize = size }
	}
}

// WithHeapSize sets the size of the data heap. Lookup tables and block state
// live there, so it always sits below 2GB.
func WithHeapSize(size int) Option {
	if size < _MinHeapSize {
		panic(fmt.Sprintf("mirage: invalid heap size: %d", size))
	} else {
		return func(o *opts.Options) { o.HeapSize = size }
	}
}

// WithSlabSize sets the size of the slabs every CPU slot allocates code and
// state from. Blocks larger than a slab get a dedicated allocation.
func WithSlabSize(size int) Option {
	if size < _MinSlabSize || size&(size-1) != 0 {
		panic(fmt.Sprintf("mirage: invalid slab size: %d", size))
	} else {
		return func(o *opts.Options) { o.SlabSize = size }
	}
}

// WithMaxBlockBytes bounds the native bytes decoded into one block before the
// translator forces a fall-through.
//
// The default value of this option is "256".
func WithMaxBlockBytes(size int) Option {
	if size < _MinBlockSize {
		panic(fmt.Sprintf("mirage: invalid block size limit: %d", size))
	} else {
		return func(o *opts.Options) { o.MaxBlockBytes = size }
	}
}

// WithCPUs sets the number of CPU slots. Every slot has its own private code
// cache table and allocators.
//
// The default is the number of logical cores.
func WithCPUs(n int) Option {
	if n <= 0 {
		panic(fmt.Sprintf("mirage: invalid CPU count: %d", n))
	} else {
		return func(o *opts.Options) { o.NumCPUs = n }
	}
}

// WithDirectReturn controls how calls are translated. When enabled, native
// return addresses stay on the stack and returns execute natively, with the
// call sites patched like direct jumps. When disabled, every return goes
// through the indirect branch lookup.
//
// This option is enabled by default.
func WithDirectReturn(v bool) Option {
	return func(o *opts.Options) { o.DirectReturn = v }
}

// WithRepTranslation rewrites REP string instructions into explicit loops,
// so instrumentation sees every iteration.
func WithRepTranslation(v bool) Option {
	return func(o *opts.Options) { o.TranslateRep = v }
}

// WithHitCounters makes every block count its executions in its header.
func WithHitCounters(v bool) Option {
	return func(o *opts.Options) { o.HitCounters = v }
}

// WithLockFreeCache selects the lock-free global code cache table instead of
// the locked map.
func WithLockFreeCache(v bool) Option {
	return func(o *opts.Options) { o.LockFreeCache = v }
}

// WithLogger routes the engine logs to l. Loggers are process-wide, the last
// engine created with this option wins.
func WithLogger(l log.Logger) Option {
	if l == nil {
		panic("mirage: invalid logger: nil")
	} else {
		return func(o *opts.Options) { o.Logger = l }
	}
}

// SetMaxBlockBytes sets the default block size limit for all engines created
// from now on.
//
// Returns the old opts.MaxBlockBytes value.
func SetMaxBlockBytes(size int) int {
	size, opts.MaxBlockBytes = opts.MaxBlockBytes, size
	return size
}
