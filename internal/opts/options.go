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
	"github.com/cloudwego/mirage/internal/log"
)

type Options struct {
	ExecSize      int
	WrapperSize   int
	HeapSize      int
	SlabSize      int
	MaxBlockBytes int
	NumCPUs       int
	DirectReturn  bool
	TranslateRep  bool
	HitCounters   bool
	LockFreeCache bool
	Logger        log.Logger
}

// CanGrowBlock reports whether a block of n native bytes may keep decoding.
func (self *Options) CanGrowBlock(n int) bool {
	return n < self.MaxBlockBytes
}

func GetDefaultOptions() Options {
	return Options{
		ExecSize:      ExecSize,
		WrapperSize:   WrapperSize,
		HeapSize:      HeapSize,
		SlabSize:      SlabSize,
		MaxBlockBytes: MaxBlockBytes,
		NumCPUs:       NumCPUs,
		DirectReturn:  true,
	}
}
