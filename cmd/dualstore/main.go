// Command dualstore is the operator CLI for the dual-store rebate database.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/dualstore/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dualstore:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
