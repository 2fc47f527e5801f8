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

package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/cloudwego/mirage"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat"
)

type sample struct {
	name string
	vals []float64
}

func (self *sample) report(w io.Writer) {
	if len(self.vals) == 0 {
		return
	}
	sort.Float64s(self.vals)
	mean, std := stat.MeanStdDev(self.vals, nil)
	fmt.Fprintf(w, "%-14s n=%-6d mean=%-9.2f std=%-9.2f p50=%-7.0f p90=%-7.0f max=%.0f\n",
		self.name,
		len(self.vals),
		mean,
		std,
		stat.Quantile(0.5, stat.Empirical, self.vals, nil),
		stat.Quantile(0.9, stat.Empirical, self.vals, nil),
		self.vals[len(self.vals)-1],
	)
}

// blockStats summarizes the shape of every published block.
func blockStats(e *mirage.Engine, w io.Writer) {
	size := &sample{name: "block bytes"}
	patch := &sample{name: "stub bytes"}
	ratio := &sample{name: "stub %"}
	hits := &sample{name: "hits"}
	hot := &sample{name: "hotness"}
	e.Blocks(func(b *mirage.BlockInfo) bool {
		size.vals = append(size.vals, float64(b.Meta.NumBytes))
		patch.vals = append(patch.vals, float64(b.Meta.PatchBytes))
		ratio.vals = append(ratio.vals, 100*float64(b.Meta.PatchBytes)/float64(b.Meta.NumBytes))
		hits.vals = append(hits.vals, float64(b.Hits()))
		hot.vals = append(hot.vals, float64(b.UpdateHotness()))
		return true
	})
	for _, s := range []*sample{size, patch, ratio, hits, hot} {
		s.report(w)
	}
}

func newStatsCmd(ef *engineFlags) *cobra.Command {
	var rf runFlags
	cmd := &cobra.Command{
		Use:   "stats PROGRAM [ARGS...]",
		Short: "Run a program and summarize the blocks it translated",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(ef, &rf, args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			vals, err := parseArgs(args[1:])
			if err != nil {
				return err
			}
			if _, err = s.execute(&rf, vals); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			blockStats(s.Engine, out)
			fmt.Fprintln(out)
			s.Stats().Perf.Report(out)
			return nil
		},
	}
	rf.bind(cmd)
	return cmd
}
