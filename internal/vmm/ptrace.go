// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vmm

import (
	"fmt"
	"os"
	"runtime"
	"syscall"
)

// tracer runs every ptrace(2) call for one guest process from a single,
// dedicated OS thread: ptrace requires the calling thread be the one that
// originally attached, and Go only guarantees that if the thread is
// locked and every call funnels through it. fc and ec are both
// unbuffered, so a caller's result always comes back to the same
// goroutine that issued the request.
type tracer struct {
	fc chan func() error
	ec chan error
}

func newTracer() *tracer {
	t := &tracer{fc: make(chan func() error), ec: make(chan error)}
	go t.run()
	return t
}

func (t *tracer) run() {
	runtime.LockOSThread()
	for f := range t.fc {
		t.ec <- f()
	}
}

func (t *tracer) do(f func() error) error {
	t.fc <- f
	return <-t.ec
}

// forkChild starts name as a freshly ptrace-stopped child of the calling
// (locked) thread, the standard precondition for a process the VMM is
// about to transplant a full address space copy into. PTRACE_O_TRACECLONE
// is set so threads the child later clones are traced too.
func (t *tracer) forkChild(name string, argv []string) (pid int, err error) {
	err = t.do(func() error {
		proc, err1 := os.StartProcess(name, argv, &os.ProcAttr{
			Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
			Sys: &syscall.SysProcAttr{
				Ptrace:    true,
				Pdeathsig: syscall.SIGKILL,
			},
		})
		if err1 != nil {
			return err1
		}
		pid = proc.Pid
		var status syscall.WaitStatus
		if _, err1 = syscall.Wait4(pid, &status, 0, nil); err1 != nil {
			return err1
		}
		if !status.Stopped() {
			return fmt.Errorf("ptrace: child did not stop as expected, status=%#x", status)
		}
		return syscall.PtraceSetOptions(pid, syscall.PTRACE_O_TRACECLONE)
	})
	return pid, err
}

func (t *tracer) getRegs(pid int, regs *syscall.PtraceRegs) error {
	return t.do(func() error { return syscall.PtraceGetRegs(pid, regs) })
}

func (t *tracer) setRegs(pid int, regs *syscall.PtraceRegs) error {
	return t.do(func() error { return syscall.PtraceSetRegs(pid, regs) })
}

func (t *tracer) cont(pid, signal int) error {
	return t.do(func() error { return syscall.PtraceCont(pid, signal) })
}

func (t *tracer) detach(pid int) error {
	return t.do(func() error { return syscall.PtraceDetach(pid) })
}
