package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/zoobzio/scopez"
)

var (
	version = "0.1.0"

	verbose     bool
	jsonLogs    bool
	configPath  string
	backendName string

	rootCmd = &cobra.Command{
		Use:   "scopez",
		Short: "Run operations and stream records through scoped resources",
		Long: `scopez opens a resource (a file, a Redis list or an in-memory dataset),
routes operations through a configured stage pipeline and releases the
resource when the command finishes.

The pipeline is read from a YAML file given with --config. Without one,
operations go straight to the backend.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			scopez.SetLogger(newLogger())
		},
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "pipeline configuration file (YAML)")
	flags.StringVarP(&backendName, "backend", "b", backendFile, "resource backend: file, redis or memory")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	flags.BoolVar(&jsonLogs, "json", false, "write logs as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(stagesCmd)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if jsonLogs {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// exitCode maps a failure class to a process exit status so scripts can
// tell a bad invocation from a resource that is merely unavailable.
func exitCode(err error) int {
	switch scopez.Classify(err) {
	case scopez.Invalid:
		return 2
	case scopez.Retryable:
		return 3
	default:
		return 1
	}
}
