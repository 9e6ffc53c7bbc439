// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbtcore/x86dbt/internal/dbt"
)

// stubAddresses are placeholder host addresses for the native dispatch
// routines this tool's output refers to but never links against: there
// is no native runtime here to jump into, only the translated bytes
// themselves to inspect.
var stubAddresses = dbt.Stubs{
	FindDirect:      0x70000000,
	FindIndirect:    0x70001000,
	Syscall:         0x70002000,
	TLSSlotToOffset: 0x70003000,
}

func newTranslateCmd() *cobra.Command {
	var addrFlag uint32
	cmd := &cobra.Command{
		Use:   "translate <executable>",
		Short: "Translate one basic block and print the resulting cache bytes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(args[0])
			if err != nil {
				return err
			}
			defer s.close()

			pc := addrFlag
			if pc == 0 {
				pc = s.image.Entry
			}
			start, err := dbt.Translate(s.pool, s.vmm, stubAddresses, pc)
			if err != nil {
				return fmt.Errorf("translate at %#x: %w", pc, err)
			}
			printBlock(s.pool, start)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&addrFlag, "addr", 0, "guest address to translate (defaults to the entry point)")
	return cmd
}

func printBlock(p *dbt.Pool, start int) {
	cache := p.Cache()
	end := min(start+dbt.BlockMaxSize, len(cache))
	fmt.Printf("block at cache offset %d:\n", start)
	for off := start; off < end; off += 16 {
		line := cache[off:min(off+16, end)]
		fmt.Printf("  %04x: % x\n", off-start, line)
	}
}
