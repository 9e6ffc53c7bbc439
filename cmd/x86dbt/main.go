// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The x86dbt command drives the translator and virtual memory manager
// against a 32-bit x86 Linux-ABI executable: loading it, translating
// blocks of its code on demand, and inspecting the resulting address
// space, without ever executing the translated output.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func exitf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(2)
}

func main() {
	root := &cobra.Command{
		Use:   "x86dbt",
		Short: "Translate and inspect 32-bit x86 Linux executables",
	}
	root.AddCommand(newMappingsCmd())
	root.AddCommand(newTranslateCmd())
	root.AddCommand(newFaultCmd())
	root.AddCommand(newReplCmd())

	if err := root.Execute(); err != nil {
		exitf("%v\n", err)
	}
}
