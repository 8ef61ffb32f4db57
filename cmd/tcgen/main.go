// Command tcgen builds the unique stubs of a translation cache, shows how
// smashable instructions are patched and inspects saved code maps.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ascrivener/tcgen/pkg/jit"
)

var (
	version = "dev"
	commit  = "unknown"
)

type globalFlags struct {
	config   string
	arch     string
	logLevel string
	noColor  bool

	opts jit.Options
}

// setup loads the configuration, applies the flags over it and installs
// the logger.
func (g *globalFlags) setup(cmd *cobra.Command) error {
	opts := jit.DefaultOptions()
	if g.config != "" {
		var err error
		if opts, err = jit.LoadOptions(g.config); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("arch") {
		opts.Arch = g.arch
	}
	if g.logLevel != "" {
		opts.LogLevel = g.logLevel
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	g.opts = opts

	if g.noColor || !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}
	w := zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), NoColor: color.NoColor}
	jit.SetLogger(zerolog.New(w).Level(opts.Level()).With().Timestamp().Logger())
	return nil
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "tcgen",
		Short:         "Build and inspect translation cache stubs and smashable code",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.setup(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.config, "config", "", "TOML configuration file")
	pf.StringVar(&g.arch, "arch", "x64", "target architecture (x64 or ppc64)")
	pf.StringVar(&g.logLevel, "log-level", "", "log level, overriding the configuration")
	pf.BoolVar(&g.noColor, "no-color", false, "disable colored output")

	root.AddCommand(newStubsCmd(g), newSmashCmd(g), newShowCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
	os.Exit(1)
}
