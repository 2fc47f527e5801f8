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
	"os"

	"github.com/cloudwego/mirage"
	"github.com/cloudwego/mirage/internal/log"
	"github.com/spf13/cobra"
)

type engineFlags struct {
	cpus       int
	direct     bool
	rep        bool
	hits       bool
	lockFree   bool
	maxBlock   int
	logLevel   string
	logModules string
}

func (self *engineFlags) bind(cmd *cobra.Command) {
	fs := cmd.PersistentFlags()
	fs.IntVar(&self.cpus, "cpus", 1, "number of CPU slots")
	fs.BoolVar(&self.direct, "direct-return", true, "keep native return addresses and patch call sites")
	fs.BoolVar(&self.rep, "rep", false, "translate REP string instructions into loops")
	fs.BoolVar(&self.hits, "hit-counters", false, "count block executions")
	fs.BoolVar(&self.lockFree, "lock-free", false, "use the lock-free global code cache table")
	fs.IntVar(&self.maxBlock, "max-block-bytes", 0, "native bytes decoded per block, 0 keeps the default")
	fs.StringVar(&self.logLevel, "log-level", "", "log level: trace, debug, info, warn or error")
	fs.StringVar(&self.logModules, "log-modules", "", "comma separated modules to log")
}

func (self *engineFlags) options() ([]mirage.Option, error) {
	ret := []mirage.Option{
		mirage.WithCPUs(self.cpus),
		mirage.WithDirectReturn(self.direct),
		mirage.WithRepTranslation(self.rep),
		mirage.WithHitCounters(self.hits),
		mirage.WithLockFreeCache(self.lockFree),
	}
	if self.maxBlock != 0 {
		ret = append(ret, mirage.WithMaxBlockBytes(self.maxBlock))
	}
	if self.logLevel != "" {
		lvl, err := log.ParseLevel(self.logLevel)
		if err != nil {
			return nil, err
		}
		ret = append(ret, mirage.WithLogger(log.NewTextLogger(os.Stderr, lvl)))
		log.EnableModules(self.logModules)
	}
	return ret, nil
}

func main() {
	var flags engineFlags
	var rootCmd = &cobra.Command{
		Use:           "mirage",
		Short:         "Run x86-64 code under the dynamic binary translator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	flags.bind(rootCmd)
	rootCmd.AddCommand(
		newRunCmd(&flags),
		newDumpCmd(&flags),
		newStatsCmd(&flags),
	)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mirage: %v\n", err)
		os.Exit(1)
	}
}
