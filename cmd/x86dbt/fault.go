// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dbtcore/x86dbt/internal/vmm"
)

// parseHexOrDec accepts either a bare decimal number or a 0x-prefixed hex
// address, the same forms translate's --addr flag and the repl's translate
// command accept.
func parseHexOrDec(s string) (uint32, error) {
	base := 10
	if strings.HasPrefix(s, "0x") {
		s, base = s[2:], 16
	}
	v, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func newFaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fault <executable> <addr>",
		Short: "Drive a write page fault against a loaded executable's address space and print the result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(args[0])
			if err != nil {
				return err
			}
			defer s.close()

			addr, err := parseHexOrDec(args[1])
			if err != nil {
				return fmt.Errorf("fault: %w", err)
			}
			if err := s.vmm.HandlePageFault(addr, vmm.FaultWrite); err != nil {
				return fmt.Errorf("fault: %w", err)
			}
			fmt.Printf("fault at %#010x resolved\n", addr)
			return nil
		},
	}
}
