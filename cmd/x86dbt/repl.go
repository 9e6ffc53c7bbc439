// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/dbtcore/x86dbt/internal/dbt"
	"github.com/dbtcore/x86dbt/internal/vmm"
)

func newReplCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl <executable>",
		Short: "Interactively inspect and translate blocks of a loaded executable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(args[0])
			if err != nil {
				return err
			}
			defer s.close()
			return runRepl(s)
		},
	}
}

func runRepl(s *session) error {
	rl, err := readline.New("x86dbt> ")
	if err != nil {
		return fmt.Errorf("repl: %w", err)
	}
	defer rl.Close()

	fmt.Printf("loaded, entry=%#x. Commands: mappings, translate <addr>, fault <addr>, break <addr>, clear <addr>, quit\n", s.image.Entry)
	for {
		line, err := rl.Readline()
		if err == io.EOF || err == readline.ErrInterrupt {
			return nil
		}
		if err != nil {
			return fmt.Errorf("repl: %w", err)
		}
		if err := dispatchReplLine(s, line); err != nil {
			if err == errQuit {
				return nil
			}
			fmt.Println(err)
		}
	}
}

var errQuit = fmt.Errorf("quit")

func dispatchReplLine(s *session, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "quit", "exit":
		return errQuit
	case "mappings":
		printMappings(s)
	case "translate":
		addr := s.image.Entry
		if len(fields) > 1 {
			v, err := parseHexOrDec(fields[1])
			if err != nil {
				return fmt.Errorf("translate: %w", err)
			}
			addr = v
		}
		start, err := dbt.Translate(s.pool, s.vmm, stubAddresses, addr)
		if err != nil {
			return err
		}
		printBlock(s.pool, start)
	case "fault":
		if len(fields) < 2 {
			return fmt.Errorf("fault: usage: fault <addr>")
		}
		addr, err := parseHexOrDec(fields[1])
		if err != nil {
			return fmt.Errorf("fault: %w", err)
		}
		if err := s.vmm.HandlePageFault(addr, vmm.FaultWrite); err != nil {
			return fmt.Errorf("fault: %w", err)
		}
		fmt.Printf("fault at %#010x resolved\n", addr)
	case "break":
		if len(fields) < 2 {
			return fmt.Errorf("break: usage: break <addr>")
		}
		addr, err := parseHexOrDec(fields[1])
		if err != nil {
			return fmt.Errorf("break: %w", err)
		}
		if err := s.setBreakpoint(addr); err != nil {
			return err
		}
		fmt.Printf("breakpoint set at %#010x\n", addr)
	case "clear":
		if len(fields) < 2 {
			return fmt.Errorf("clear: usage: clear <addr>")
		}
		addr, err := parseHexOrDec(fields[1])
		if err != nil {
			return fmt.Errorf("clear: %w", err)
		}
		if err := s.clearBreakpoint(addr); err != nil {
			return err
		}
		fmt.Printf("breakpoint cleared at %#010x\n", addr)
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
	return nil
}
