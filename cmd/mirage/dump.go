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
	"strings"

	"github.com/cloudwego/mirage"
	"github.com/cloudwego/mirage/internal/arch"
	"github.com/cloudwego/mirage/internal/instr"
	"github.com/oleiade/lane"
	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"
	"golang.org/x/arch/x86/x86asm"
)

var stateTags = [...]string{
	instr.StateNative:       " ",
	instr.StateMangled:      "m",
	instr.StateInstrumented: "i",
	instr.StatePadding:      ".",
}

type line struct {
	pc   uint64
	text string
	to   uint64
}

// disassemble decodes the code of a block, stopping at its padding. The
// direct branch targets are returned along with every line.
func disassemble(e *mirage.Engine, b *mirage.BlockInfo) ([]line, error) {
	buf := make([]byte, b.MetaAddr-b.Start)
	if err := e.Memory().Peek(b.Start, buf); err != nil {
		return nil, err
	}
	var ret []line
	for off := 0; off < len(buf); {
		pc := b.Start + uint64(off)
		if b.StateAt(pc) == instr.StatePadding {
			break
		}
		ins, err := x86asm.Decode(buf[off:], 64)
		if err != nil {
			ret = append(ret, line{pc: pc, text: fmt.Sprintf(".byte %#02x", buf[off])})
			off++
			continue
		}
		ln := line{pc: pc, text: x86asm.GNUSyntax(ins, pc, nil)}
		if arch.Classify(&ins).IsDirect() {
			ln.to = arch.Target(&ins, pc)
		}
		ret = append(ret, ln)
		off += ins.Len
	}
	return ret, nil
}

// dumpTree walks the blocks reachable from the entry block through patched
// direct branches, breadth first.
func dumpTree(e *mirage.Engine, root uint64, withCode bool) (treeprint.Tree, error) {
	tree := treeprint.New()
	tree.SetValue("code cache")
	seen := map[uint64]bool{root: true}
	nodes := map[uint64]treeprint.Tree{}
	q := lane.NewQueue()
	q.Enqueue(root)
	nodes[root] = tree

	for !q.Empty() {
		addr := q.Dequeue().(uint64)
		b, ok := e.Lookup(addr)
		if !ok {
			nodes[addr].AddNode(fmt.Sprintf("%#x (not a block)", addr))
			continue
		}
		lines, err := disassemble(e, b)
		if err != nil {
			return nil, err
		}

		/* one branch per block */
		node := nodes[addr].AddBranch(fmt.Sprintf("%#x: pc=%#x policy=%s bytes=%d patch=%d hits=%d",
			b.Start, b.Meta.PC, b.Meta.Policy, b.Meta.NumBytes, b.Meta.PatchBytes, b.Hits()))
		for _, ln := range lines {
			if withCode {
				node.AddNode(fmt.Sprintf("[%s] %#x  %s", stateTags[b.StateAt(ln.pc)], ln.pc, ln.text))
			}
			if ln.to == 0 || b.Contains(ln.to) || seen[ln.to] {
				continue
			}
			if nb, ok := e.Lookup(ln.to); ok && nb.Start == ln.to {
				seen[ln.to] = true
				nodes[ln.to] = node
				q.Enqueue(ln.to)
			}
		}
	}
	return tree, nil
}

func newDumpCmd(ef *engineFlags) *cobra.Command {
	var rf runFlags
	var withCode bool
	cmd := &cobra.Command{
		Use:   "dump PROGRAM [ARGS...]",
		Short: "Run a program and print the tree of blocks it translated",
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
			tree, err := dumpTree(s.Engine, s.Find(0, s.entry, 0), withCode)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), strings.TrimRight(tree.String(), "\n")+"\n")
			return nil
		},
	}
	rf.bind(cmd)
	cmd.Flags().BoolVar(&withCode, "code", true, "disassemble every block")
	return cmd
}
