// Command packforge runs incremental, dependency-aware package builds
package main

import (
	"os"

	"github.com/packforge/packforge/pkg/cli"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := cli.ExecuteWithVersion(version); err != nil {
		os.Exit(1)
	}
}
