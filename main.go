// r9 is the command-line interface to a small multi-architecture operating
// system kernel that boots on a simulated machine.
package main

import (
	"context"
	"os"

	"github.com/r9os/r9/internal/cli"
	"github.com/r9os/r9/internal/cli/cmd"
)

var (
	commands = []cli.Command{
		cmd.Boot(),
		cmd.DTB(),
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
