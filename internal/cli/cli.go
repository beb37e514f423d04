// Package cli contains the command-line interface.
package cli

import (
	"context"
	"flag"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/patricklaux/mcc/internal/log"
)

// Command represents a sub-command in the CLI. Each sub-command has its own flags,
// config and action to perform.
type Command interface {
	// FlagSet returns a set of command options the command accepts.
	FlagSet() *flag.FlagSet

	// Description returns a brief description of the command's function.
	Description() string

	// Usage prints detailed command documentation.
	Usage(out io.Writer) error

	// Run executes the command with arguments. Command output should be written to
	// out. It returns an exit code.
	Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int
}

// Commander is a CLI command-runner that handles the life cycle of a CLI command
// execution.
type Commander struct {
	ctx context.Context
	log *log.Logger

	help     Command
	fallback Command
	commands []Command
}

// New creates a new Commander that can start sub-commands.
func New(ctx context.Context) *Commander {
	return &Commander{
		ctx: ctx,
	}
}

// Execute runs a command. An argument vector that does not begin with a command
// name is handed to the default command whole, so the plain `mcc [-s] [-d] file`
// form works without naming a command.
func (cli *Commander) Execute(args []string) int {
	if len(args) == 0 {
		if cli.fallback != nil {
			return cli.fallback.Run(cli.ctx, nil, os.Stdout, cli.log)
		}

		cli.help.Run(cli.ctx, nil, os.Stdout, cli.log)

		return 1
	}

	var found Command

	for _, cmd := range cli.commands {
		if args[0] == cmd.FlagSet().Name() {
			found = cmd
		}
	}

	if cli.help != nil && args[0] == cli.help.FlagSet().Name() {
		found = cli.help
	}

	if found == nil {
		found = cli.fallback
	} else {
		args = args[1:]
	}

	if found == nil {
		found = cli.help
	}

	fs := found.FlagSet()

	if err := fs.Parse(args); err != nil {
		cli.log.Error("parse error", "err", err)
		return 1
	}

	return found.Run(cli.ctx, fs.Args(), os.Stdout, cli.log)
}

// WithCommands adds a list of commands as sub-commands.
func (cli *Commander) WithCommands(cmds []Command) *Commander {
	cli.commands = append([]Command(nil), cmds...)
	return cli
}

// WithDefault sets the command that handles argument vectors naming no command.
func (cli *Commander) WithDefault(cmd Command) *Commander {
	cli.fallback = cmd
	return cli
}

// WithHelp configures the help command.
func (cli *Commander) WithHelp(cmd Command) *Commander {
	cli.help = cmd
	return cli
}

// WithLogger configures the logger for the CLI. Logs are written to os.Stderr to
// leave os.Stdout for program output. Interactive sessions get records without
// timestamps; redirected logs keep them.
func (cli *Commander) WithLogger(out *os.File) *Commander {
	handler := log.NewHandler(out).WithTimestamps(!term.IsTerminal(int(out.Fd())))
	logger := log.NewLogger(handler)
	cli.log = logger

	log.SetDefault(logger)

	return cli
}

// Type aliases from std lib.
type (
	Flag    = flag.Flag
	FlagSet = flag.FlagSet
)
