// mcc is the command-line interface to a small C compiler and its stack-machine
// interpreter.
package main

import (
	"context"
	"os"

	"github.com/patricklaux/mcc/internal/cli"
	"github.com/patricklaux/mcc/internal/cli/cmd"
)

// Entry point.
func main() {
	run := cmd.Run()
	commands := []cli.Command{run}

	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithDefault(run).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
