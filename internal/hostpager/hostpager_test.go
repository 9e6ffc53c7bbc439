// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hostpager

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestSectionRefUnrefOwners(t *testing.T) {
	s := &Section{fd: -1, size: 4096, refs: 1}
	if got := s.Owners(); got != 1 {
		t.Fatalf("Owners() = %d, want 1", got)
	}
	s.Ref()
	if got := s.Owners(); got != 2 {
		t.Errorf("Owners() after Ref = %d, want 2", got)
	}
	if got := s.Unref(); got != 1 {
		t.Errorf("Unref() = %d, want 1", got)
	}
	if got := s.Unref(); got != 0 {
		t.Errorf("Unref() = %d, want 0", got)
	}
}

func TestSectionFD(t *testing.T) {
	s := &Section{fd: 7}
	if got := s.FD(); got != 7 {
		t.Errorf("FD() = %d, want 7", got)
	}
}

func TestUnixProtTranslation(t *testing.T) {
	tests := []struct {
		name string
		prot Prot
		want int
	}{
		{"none", 0, 0},
		{"read", ProtRead, unix.PROT_READ},
		{"write", ProtWrite, unix.PROT_WRITE},
		{"exec", ProtExec, unix.PROT_EXEC},
		{"read-write", ProtRead | ProtWrite, unix.PROT_READ | unix.PROT_WRITE},
		{"read-write-exec", ProtRead | ProtWrite | ProtExec, unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := unixProt(tt.prot); got != tt.want {
				t.Errorf("unixProt(%v) = %#x, want %#x", tt.prot, got, tt.want)
			}
		})
	}
}
