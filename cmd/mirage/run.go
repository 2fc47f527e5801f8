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
	"strconv"

	"github.com/chenzhuoyu/iasm/x86_64"
	"github.com/cloudwego/mirage"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const (
	_ImageBase = 0x400000
	_DataBase  = 0x600000
	_DataSize  = 1 << 20
	_StackBase = 0x7f000000
	_StackSize = 1 << 20
)

type runFlags struct {
	raw   bool
	entry uint64
	limit uint64
	calls int
}

func (self *runFlags) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.BoolVar(&self.raw, "raw", false, "the program is a raw code image instead of assembly")
	fs.Uint64Var(&self.entry, "entry", 0, "entry point offset into the image")
	fs.Uint64Var(&self.limit, "limit", 1<<24, "step budget of a call, 0 means unlimited")
	fs.IntVar(&self.calls, "calls", 1, "number of times the entry point is called")
}

// session is a program loaded into a fresh engine.
type session struct {
	*mirage.Engine
	entry uint64
	image uint64
	size  uint64
}

func loadImage(path string, raw bool) ([]byte, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if raw {
		return buf, nil
	}
	asm := new(x86_64.Assembler).WithBase(_ImageBase)
	if err = asm.Assemble(string(buf)); err != nil {
		return nil, errors.Wrapf(err, "assemble %s", path)
	}
	return asm.Code(), nil
}

func newSession(ef *engineFlags, rf *runFlags, path string) (*session, error) {
	code, err := loadImage(path, rf.raw)
	if err != nil {
		return nil, err
	}
	if rf.entry >= uint64(len(code)) {
		return nil, errors.Errorf("entry offset %#x is outside of the image", rf.entry)
	}

	/* engine with the program, a data area and one stack per CPU */
	opts, err := ef.options()
	if err != nil {
		return nil, err
	}
	e, err := mirage.New(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create engine")
	}
	size := (uint64(len(code)) + 4095) &^ 4095
	if err = e.MapCode(_ImageBase, append(code, make([]byte, size-uint64(len(code)))...)); err != nil {
		_ = e.Close()
		return nil, errors.Wrap(err, "map image")
	}
	if err = e.MapData(_DataBase, _DataSize); err != nil {
		_ = e.Close()
		return nil, errors.Wrap(err, "map data")
	}
	if _, err = e.MapStack(_StackBase, _StackSize*uint64(ef.cpus)); err != nil {
		_ = e.Close()
		return nil, errors.Wrap(err, "map stacks")
	}
	return &session{Engine: e, entry: _ImageBase + rf.entry, image: _ImageBase, size: size}, nil
}

func parseArgs(args []string) ([]uint64, error) {
	ret := make([]uint64, 0, len(args))
	for _, s := range args {
		v, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "argument %q", s)
		}
		ret = append(ret, v)
	}
	return ret, nil
}

// execute calls the entry point on CPU slot 0. Engine faults come back as
// errors.
func (self *session) execute(rf *runFlags, args []uint64) (ret uint64, err error) {
	th := self.NewThread(0, _StackBase+_StackSize)
	th.Limit = rf.limit
	ferr := mirage.Recover(func() {
		for i := 0; i < rf.calls && err == nil; i++ {
			ret, err = th.Call(self.entry, 0, args...)
		}
	})
	if ferr != nil {
		return 0, ferr
	}
	return ret, err
}

func newRunCmd(ef *engineFlags) *cobra.Command {
	var rf runFlags
	cmd := &cobra.Command{
		Use:   "run PROGRAM [ARGS...]",
		Short: "Run a program under the translator and print its result",
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
			ret, err := s.execute(&rf, vals)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "result: %d (%#x)\n\n", ret, ret)
			s.Stats().Report(out)
			return nil
		},
	}
	rf.bind(cmd)
	return cmd
}
