// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMappingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mappings <executable>",
		Short: "Print the guest virtual memory mappings after loading an executable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(args[0])
			if err != nil {
				return err
			}
			defer s.close()
			printMappings(s)
			return nil
		},
	}
}

func printMappings(s *session) {
	fmt.Printf("entry=%#x brk-start=%#x\n", s.image.Entry, s.image.BrkStart)
	for _, m := range s.vmm.DebugDumpMappings() {
		fmt.Printf("%#010x-%#010x %s\n", m.Low, m.High, m.Prot)
	}
}
