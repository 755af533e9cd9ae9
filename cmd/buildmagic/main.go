package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/zen-systems/buildmagic/pkg/config"
	"github.com/zen-systems/buildmagic/pkg/pipeline"
	"github.com/zen-systems/buildmagic/pkg/schema"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var logLevelFlag string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the CLI with args and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.ExecuteContext(ctx)
	code := exitCode(err)
	if err != nil {
		var exitErr *exitError
		if !errors.As(err, &exitErr) || exitErr.err != nil {
			if code == int(schema.ExitInterrupted) {
				fmt.Fprintln(stderr, "\nbuild-magic interrupted and exiting....")
			} else {
				fmt.Fprintln(stderr, "Error:", err)
			}
		}
	}
	return code
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "buildmagic",
		Short: "An un-opinionated build automation tool",
		Long: `buildmagic runs commands locally, on remote hosts over SSH, in Vagrant
	machines or in Docker containers, grouped into stages and reported as they run.

	Stages come from the command line or from stage files (build-magic.yaml).`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetVersionTemplate("{{.Version}}\n")
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return inputError(err)
	})

	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "diagnostic log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(infoCmd())
	rootCmd.AddCommand(templateCmd())

	return rootCmd
}

// exitError carries an exit code out of a command. A nil err means the
// outcome has already been reported.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func inputError(err error) error {
	return &exitError{code: int(schema.ExitInputError), err: err}
}

// exitCode maps a command error onto a process exit status.
func exitCode(err error) int {
	if err == nil {
		return int(schema.ExitPassed)
	}
	if errors.Is(err, context.Canceled) {
		return int(schema.ExitInterrupted)
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	switch pipeline.KindOf(err) {
	case pipeline.KindValidation:
		return int(schema.ExitInputError)
	case pipeline.KindNoJobs:
		return int(schema.ExitNoTests)
	case pipeline.KindSetup, pipeline.KindExecution, pipeline.KindTeardown:
		return int(schema.ExitInternalError)
	}
	return int(schema.ExitInternalError)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, inputError(fmt.Errorf("failed to load config: %w", err))
	}
	return cfg, nil
}

func newLogger(w io.Writer, level string) (*zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, inputError(fmt.Errorf("invalid log level %q: %w", level, err))
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: true}).
		Level(lvl).
		With().Timestamp().Logger()
	return &logger, nil
}
