package cli

import (
	"context"
	"flag"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/patricklaux/mcc/internal/log"
)

type fakeCommand struct {
	name string
	got  []string
	code int
}

func (f *fakeCommand) FlagSet() *flag.FlagSet {
	return flag.NewFlagSet(f.name, flag.ContinueOnError)
}

func (f *fakeCommand) Description() string { return "fake" }

func (f *fakeCommand) Usage(io.Writer) error { return nil }

func (f *fakeCommand) Run(_ context.Context, args []string, _ io.Writer, _ *log.Logger) int {
	f.got = append([]string(nil), args...)
	return f.code
}

func newCommander(cmds ...Command) *Commander {
	c := New(context.Background()).WithCommands(cmds)
	c.log = log.NewFormattedLogger(io.Discard)

	return c
}

func TestExecuteDispatchesByName(t *testing.T) {
	t.Parallel()

	named := &fakeCommand{name: "build", code: 7}
	fallback := &fakeCommand{name: "run"}

	c := newCommander(named).WithDefault(fallback)

	code := c.Execute([]string{"build", "a", "b"})
	assert.Equal(t, 7, code)
	assert.Equal(t, []string{"a", "b"}, named.got)
	assert.Nil(t, fallback.got)
}

func TestExecuteFallsBackToDefault(t *testing.T) {
	t.Parallel()

	named := &fakeCommand{name: "build"}
	fallback := &fakeCommand{name: "run", code: 3}

	c := newCommander(named).WithDefault(fallback)

	// The first argument names no command, so the whole vector goes to the
	// default command.
	code := c.Execute([]string{"prog.c", "x"})
	assert.Equal(t, 3, code)
	assert.Equal(t, []string{"prog.c", "x"}, fallback.got)
}

func TestExecuteEmptyArgsUsesDefault(t *testing.T) {
	t.Parallel()

	fallback := &fakeCommand{name: "run", code: -1}

	c := newCommander().WithDefault(fallback)

	code := c.Execute(nil)
	assert.Equal(t, -1, code)
}
