// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// pf-stub is a reference helper that starts the target binary for every execution.
// Use it as the config target for binaries without a built-in forkserver:
//
//	"target": ["pf-stub", "--", "./parser", "@@"]
//
// The target finds the coverage region via __AFL_SHM_ID itself.
// In every input mode it gets the input through "@@" if present, otherwise on stdin.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/powerfuzz/powerfuzz/pkg/forksrv"
)

var flagOutput = flag.Bool("output", false, "pass target output through to stderr")

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: pf-stub [-output] -- target [args...]\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}
	var output io.Writer = io.Discard
	if *flagOutput {
		output = os.Stderr
	}
	harness := &forksrv.Exec{Argv: flag.Args(), Output: output}
	err := forksrv.Serve(harness)
	harness.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pf-stub: %v\n", err)
		os.Exit(1)
	}
}
