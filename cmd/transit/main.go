// Command transit runs the transit CLI with models loaded from the CUE
// directory named in transit.yaml.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/transit/internal/cli"
)

func main() {
	if err := cli.NewRootCommand(nil).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
