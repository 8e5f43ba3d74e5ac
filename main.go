// Command kore is the command-line interface to kore, a capability-based
// microkernel simulator.
package main

import (
	"context"
	"os"

	"github.com/kore-kernel/kore/internal/cli"
	"github.com/kore-kernel/kore/internal/cli/cmd"
)

var (
	commands = []cli.Command{
		cmd.Boot(),
	}
)

// Entry point.
func main() {
	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
