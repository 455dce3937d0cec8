package main

import (
	"os"

	"github.com/go-delve/x86backend/cmd/x86srv/cmds"
	"github.com/go-delve/x86backend/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.BackendVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
