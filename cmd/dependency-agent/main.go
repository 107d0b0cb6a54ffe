// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"os"

	"github.com/furgen-fcs/dependency-agent/internal/cli"
)

// Version is set at build time via ldflags.
var Version = "1.0.0-dev"

func main() {
	err := cli.Execute(Version)
	if err == nil {
		os.Exit(0)
	}

	if errors.Is(err, cli.ErrStartup) {
		os.Exit(2)
	}
	os.Exit(1)
}
