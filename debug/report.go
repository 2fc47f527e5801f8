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
	"fmt"
	"io"
)

// Report prints the statistics in a human readable form.
func (self Stats) Report(w io.Writer) {
	fmt.Fprintf(w, "Code cache bytes: %d\n", self.Memory.CodeCache)
	fmt.Fprintf(w, "Generated code bytes: %d\n", self.Memory.Gencode)
	fmt.Fprintf(w, "Wrapper bytes: %d\n", self.Memory.Wrapper)
	fmt.Fprintf(w, "Heap bytes: %d\n\n", self.Memory.Heap)
	fmt.Fprintf(w, "Global cache entries: %d\n", self.Cache.Entries)
	fmt.Fprintf(w, "Indexed blocks: %d\n", self.Cache.Blocks)
	fmt.Fprintf(w, "Direct branch sites: %d\n", self.Cache.Sites)
	fmt.Fprintf(w, "Detach points: %d\n\n", self.Cache.Detach)
	for i, c := range self.CPUs {
		if c.Entries != 0 || c.CodeBytes != 0 {
			fmt.Fprintf(w, "CPU %d: %d/%d entries, %d code bytes in %d slabs, %d state bytes\n",
				i, c.Entries, c.Slots, c.CodeBytes, c.CodeSlabs, c.StateBytes)
		}
	}
	fmt.Fprintln(w)
	self.Perf.Report(w)
}
