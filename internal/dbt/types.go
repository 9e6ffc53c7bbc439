// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dbt implements a basic-block, code-cache based x86-to-x86
// dynamic binary translator: a block pool keyed by guest PC, a decoder
// and translator that rewrite guest instructions into the code cache,
// and a dispatcher that chains direct branches through patchable
// trampolines.
package dbt

const (
	// Buckets is the number of hash buckets the block pool chains blocks
	// into.
	Buckets = 4096

	// BlockMaxSize is the largest number of bytes a single translated
	// basic block is allowed to occupy. alloc refuses to hand out a new
	// block once less than this much room remains in the cache.
	BlockMaxSize = 1024

	// OutAlign is both the alignment of each translated block's start
	// address and the fixed size of a trampoline stub.
	OutAlign = 16

	// MaxBlocks bounds the block descriptor pool. Set generously; a flush
	// (never an allocation failure surfaced to the guest) is the only
	// consequence of running out.
	MaxBlocks = 65536
)

// PatchSize is the width, in bytes, of the relative displacement a
// trampoline patches once its target is translated.
const PatchSize = 4
