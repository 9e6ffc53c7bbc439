// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/dbtcore/x86dbt/arch"
	"github.com/dbtcore/x86dbt/internal/dbt"
	"github.com/dbtcore/x86dbt/internal/hostpager"
	"github.com/dbtcore/x86dbt/internal/loader"
	"github.com/dbtcore/x86dbt/internal/vmm"
)

// session bundles the VMM and translator pool a CLI command needs to load
// one executable and answer questions about it.
type session struct {
	vmm   *vmm.VMM
	pool  *dbt.Pool
	image loader.Image

	// breakpoints maps a guest address with a software breakpoint
	// installed to the bytes it overwrote there, so clearBreakpoint can
	// put the original instruction back.
	breakpoints map[uint32][]byte
}

// openSession loads path into a fresh VMM backed by the real Linux
// HostPager, ready for translation or inspection.
func openSession(path string) (*session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	v := vmm.New(hostpager.Linux{})
	if err := v.Init(); err != nil {
		return nil, fmt.Errorf("vmm init: %w", err)
	}

	img, err := loader.Load(v, f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	return &session{
		vmm:         v,
		pool:        dbt.NewPool(make([]byte, 1<<20)),
		image:       img,
		breakpoints: make(map[uint32][]byte),
	}, nil
}

func (s *session) close() error { return s.vmm.Shutdown() }

// setBreakpoint installs arch.X86's breakpoint instruction at addr, saving
// the bytes it overwrites so clearBreakpoint can restore them. Translating
// a block that has a breakpoint installed over it would translate the
// trap byte instead of the original instruction, so this is only safe to
// use against addresses the pool hasn't cached yet.
func (s *session) setBreakpoint(addr uint32) error {
	if _, ok := s.breakpoints[addr]; ok {
		return fmt.Errorf("breakpoint already set at %#x", addr)
	}
	orig := make([]byte, arch.X86.BreakpointSize)
	if err := s.vmm.ReadGuest(addr, orig); err != nil {
		return fmt.Errorf("set breakpoint at %#x: %w", addr, err)
	}
	if err := s.vmm.WriteGuest(addr, arch.X86.BreakpointInstr[:arch.X86.BreakpointSize]); err != nil {
		return fmt.Errorf("set breakpoint at %#x: %w", addr, err)
	}
	s.breakpoints[addr] = orig
	return nil
}

// clearBreakpoint removes a breakpoint previously installed by
// setBreakpoint, restoring the instruction bytes it saved.
func (s *session) clearBreakpoint(addr uint32) error {
	orig, ok := s.breakpoints[addr]
	if !ok {
		return fmt.Errorf("no breakpoint set at %#x", addr)
	}
	if err := s.vmm.WriteGuest(addr, orig); err != nil {
		return fmt.Errorf("clear breakpoint at %#x: %w", addr, err)
	}
	delete(s.breakpoints, addr)
	return nil
}
