package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped at build time with -ldflags.
var version = "dev"

type rootOptions struct {
	configFile string
	addr       string
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	return e.msg
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "newsfrontier",
		Short: "A news crawl orchestration engine.",
		Long: `newsfrontier crawls news sites in batches, learns page-structure
signatures from what it downloads, and uses them to discover hubs and
decide what to fetch next. A job runs until a configured goal is met or an
operator stops it.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", "", "control endpoint address (default control.addr)")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newControlCmd(opts, "pause", "Pause dispatch after in-flight fetches finish"))
	cmd.AddCommand(newControlCmd(opts, "resume", "Resume a paused job"))
	cmd.AddCommand(newControlCmd(opts, "stop", "Abort the running job"))
	cmd.AddCommand(newStatusCmd(opts))
	return cmd
}

// Execute runs the CLI and exits with the command's exit code.
func Execute() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.msg != "" {
			fmt.Fprintln(os.Stderr, exit.msg)
		}
		return exit.code
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	return 1
}
