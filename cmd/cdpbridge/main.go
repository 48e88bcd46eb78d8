package main

import (
	"os"

	"github.com/go-delve/cdpbridge/cmd/cdpbridge/cmds"
	"github.com/go-delve/cdpbridge/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.BridgeVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
