package cmd

import (
	"context"
	"errors"
	"fmt"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sdnnet/pkg/cli"
	"sync/atomic"
)

// foreground is the shell of the running session, if any.
var foreground atomic.Pointer[cli.CLI]

// Options are the command line switches of a run.
type Options struct {
	NoCLI      bool
	ConfigPath string
	Verbose    bool
	Cleanup    bool
}

// RunFunc does the work once the command line has been accepted.
type RunFunc func(ctx context.Context, opts Options) error

var errUsage = errors.New("usage")

func usage(prog string) string {
	return fmt.Sprintf("%s [-n] [-c config] [-v] [--cleanup]", prog)
}

// NewRootCmd builds the command. Anything it does not accept, help
// included, prints the usage line to out and builds nothing.
func NewRootCmd(prog string, out io.Writer, run RunFunc) *cobra.Command {
	var opts Options
	rootCmd := &cobra.Command{
		Use:   prog,
		Short: "SDN test network provisioner",
		Long: "Builds a star of OpenFlow switches with one host per switch, " +
			"points every switch at the configured controllers and starts sshd on each host.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return errUsage
			}
			return nil
		},
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetOut(out)

	rootCmd.Flags().BoolVarP(&opts.NoCLI, "no-cli", "n", false, "leave the network running and exit instead of starting the shell")
	rootCmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to the YAML configuration file")
	rootCmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	rootCmd.Flags().BoolVar(&opts.Cleanup, "cleanup", false, "remove what an earlier run left behind and exit")

	rootCmd.SetFlagErrorFunc(func(*cobra.Command, error) error {
		return errUsage
	})
	rootCmd.SetHelpFunc(func(*cobra.Command, []string) {
		fmt.Fprintln(out, usage(prog))
	})
	return rootCmd
}

// execute parses args with rootCmd, turning a rejected command line into
// the usage line.
func execute(ctx context.Context, rootCmd *cobra.Command, args []string, out io.Writer, prog string) error {
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	if errors.Is(err, errUsage) {
		fmt.Fprintln(out, usage(prog))
		return nil
	}
	return err
}

// cancels reports whether sig ends the run. An interrupt typed while a
// node command holds the terminal belongs to that command.
func cancels(sig os.Signal, busy func() bool) bool {
	return sig != os.Interrupt || !busy()
}

func shellBusy() bool {
	c := foreground.Load()
	return c != nil && c.Busy()
}

// notifyContext is cancelled by SIGTERM, or by SIGINT unless the shell is
// running a node command.
func notifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, unix.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-sigs:
				if cancels(sig, shellBusy) {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return ctx, func() {
		signal.Stop(sigs)
		cancel()
	}
}

// Execute is called by main.main().
func Execute() error {
	ctx, stop := notifyContext(context.Background())
	defer stop()

	prog := filepath.Base(os.Args[0])
	return execute(ctx, NewRootCmd(prog, os.Stdout, Run), os.Args[1:], os.Stdout, prog)
}
