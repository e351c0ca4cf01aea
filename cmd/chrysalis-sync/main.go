// Command chrysalis-sync runs and inspects Chrysalis replica nodes.
package main

import (
	"fmt"
	"os"

	"github.com/Replicant-Partners/Chrysalis/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
