// Command quill serves and inspects collaborative document change logs.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/quill/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
