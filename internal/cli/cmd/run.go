package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/patricklaux/mcc/internal/cli"
	"github.com/patricklaux/mcc/internal/lexer"
	"github.com/patricklaux/mcc/internal/log"
	"github.com/patricklaux/mcc/internal/parser"
	"github.com/patricklaux/mcc/internal/vm"
)

// sourceLimit is the fixed size of the source buffer. Larger inputs are truncated
// at read time.
const sourceLimit = 256 * 1024

// Run is the command that compiles a source file and executes it.
//
//	mcc [-s] [-d] file [arg]...
//
// It is also the Commander's default, so the command name can be omitted.
func Run() cli.Command {
	return new(runner)
}

type runner struct {
	src   bool
	debug bool
}

func (runner) Description() string {
	return "compile a source file and run it"
}

func (runner) Usage(out io.Writer) error {
	var err error
	_, err = fmt.Fprintln(out, `run [-s] [-d] file [arg]...

Compile a source file and execute it in the virtual machine. The file name and any
following arguments become the guest program's argv.`)

	return err
}

func (r *runner) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.BoolVar(&r.src, "s", false, "compile only: print the bytecode listing, do not execute")
	fs.BoolVar(&r.debug, "d", false, "trace each executed instruction")

	return fs
}

// Run compiles and executes the program.
func (r *runner) Run(ctx context.Context, args []string, stdout io.Writer, logger *log.Logger) int {
	if len(args) < 1 {
		fmt.Fprintln(stdout, "usage: mcc [-s] [-d] file ...")
		return -1
	}

	source, err := readSource(args[0])
	if err != nil {
		logger.Error("could not read source", "file", args[0], "err", err)
		return -1
	}

	tokens, err := lexer.Scan(source)
	if err != nil {
		logger.Error("lexical error", "file", args[0], "err", err)
		return -1
	}

	logger.Debug("scanned source", "file", args[0], "tokens", len(tokens))

	opts := []parser.Option{parser.WithLogger(logger)}
	if r.src {
		opts = append(opts, parser.WithListing(stdout))
	}

	img, err := parser.New(tokens, opts...).Parse()
	if err != nil {
		logger.Error("compile error", "file", args[0], "err", err)
		return -1
	}

	if r.src {
		return 0
	}

	vmOpts := []vm.OptionFn{vm.WithOutput(stdout), vm.WithLogger(logger)}
	if r.debug {
		vmOpts = append(vmOpts, vm.WithTrace(stdout))
	}

	machine, err := vm.New(img, args, vmOpts...)
	if err != nil {
		logger.Error("machine error", "err", err)

		if errors.Is(err, vm.ErrNoMain) {
			return -1
		}

		return -2 // resource exhaustion: the image does not fit the machine
	}

	result, err := machine.Run(ctx)
	if err != nil {
		logger.Error("runtime error", "err", err)
		return -1
	}

	return int(result)
}

// readSource reads a source file into the fixed-size buffer. Input past the limit
// is silently truncated.
func readSource(name string) ([]byte, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = f.Close()
	}()

	buf := make([]byte, sourceLimit)

	n, err := io.ReadFull(f, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil
	}

	if err != nil {
		return nil, err
	}

	return buf[:n], nil
}
