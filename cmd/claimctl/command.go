package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	flag "github.com/spf13/pflag"

	"claimdesk/api/internal/config"
)

// Command is one claimctl subcommand.
type Command struct {
	Flags *flag.FlagSet
	// Usage starts with the command name, e.g. "audit --claim <id>".
	Usage string
	Short string
	Exec  func(ctx context.Context, o *IO, args []string) error
}

func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")
	return name
}

func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-30s %s", c.Usage, c.Short)
}

func (c *Command) PrintHelp(o *IO) {
	o.Println("Usage: claimctl", c.Usage)
	o.Println()
	o.Println(c.Short)
	if c.Flags.HasFlags() {
		o.Println()
		o.Println("Flags:")
		var buf strings.Builder
		c.Flags.SetOutput(&buf)
		c.Flags.PrintDefaults()
		o.Printf("%s", buf.String())
	}
}

// Run parses flags and executes the command. Returns the exit code.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	c.Flags.SetOutput(&strings.Builder{})
	if err := c.Flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			c.PrintHelp(o)
			return 0
		}
		o.ErrPrintln("error:", err)
		return 2
	}
	if err := c.Exec(ctx, o, c.Flags.Args()); err != nil {
		o.ErrPrintln("error:", err)
		return 1
	}
	return 0
}

// IO bundles the command's output streams.
type IO struct {
	out    io.Writer
	errOut io.Writer
}

func (o *IO) Println(a ...any)               { fmt.Fprintln(o.out, a...) }
func (o *IO) Printf(format string, a ...any) { fmt.Fprintf(o.out, format, a...) }
func (o *IO) ErrPrintln(a ...any)            { fmt.Fprintln(o.errOut, a...) }

func commands(cfg config.Config) []*Command {
	return []*Command{
		migrateCmd(cfg),
		tokenCmd(cfg),
		holdsCmd(cfg),
		auditCmd(cfg),
	}
}

func run(ctx context.Context, cfg config.Config, args []string, out, errOut io.Writer) int {
	o := &IO{out: out, errOut: errOut}
	cmds := commands(cfg)

	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(o, cmds)
		if len(args) == 0 {
			return 2
		}
		return 0
	}
	for _, cmd := range cmds {
		if cmd.Name() == args[0] {
			return cmd.Run(ctx, o, args[1:])
		}
	}
	o.ErrPrintln("error: unknown command", args[0])
	printUsage(&IO{out: errOut, errOut: errOut}, cmds)
	return 2
}

func printUsage(o *IO, cmds []*Command) {
	o.Println("Usage: claimctl <command> [flags]")
	o.Println()
	o.Println("Commands:")
	for _, cmd := range cmds {
		o.Println(cmd.HelpLine())
	}
}
