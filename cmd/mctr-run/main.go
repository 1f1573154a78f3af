package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/smnsjas/go-mctr/internal/log"
)

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "mctr-run",
	Short: "Drive test execution sessions through a Main Controller",
	Long: `mctr-run drives a Main Controller session from start to shutdown.

The run command starts the session, connects the host controllers, creates
the MTC, executes the selected control parts and testcases, and prints the
verdicts. The states and decode commands help when reading controller
traces.`,
	SilenceUsage: true,
}

func logFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("log", pflag.ContinueOnError)
	fs.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error, off (overrides the run file)")
	fs.StringVar(&logFormat, "log-format", "", "Log format: console or json (overrides the run file)")
	return fs
}

// newLogger applies the log flags over cfg and builds the logger.
func newLogger(cfg log.Config) (*zap.Logger, error) {
	if logLevel != "" {
		l, err := log.ParseLevel(logLevel)
		if err != nil {
			return nil, err
		}
		cfg.Level = l
	}
	if logFormat != "" {
		cfg.Format = logFormat
	}
	return log.New(cfg)
}

func init() {
	rootCmd.PersistentFlags().AddFlagSet(logFlags())
	rootCmd.AddCommand(runCmd, statesCmd, decodeCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
