package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/zoobzio/scopez"
)

var runCmd = &cobra.Command{
	Use:   "run <target> <operation> [args...]",
	Short: "Run one operation against a resource",
	Long: `Open target, run a single operation through the pipeline and print the
result as JSON. The resource is released before the command exits.

Examples:
  scopez run ./access.log count
  scopez run -b redis 'redis://localhost:6379/0#events' LLEN events
  printf 'a\nb\n' | scopez run -b memory demo get 1`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return runOperation(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), args[0], args[1], args[2:])
	},
}

func runOperation(ctx context.Context, stdin io.Reader, out io.Writer, target, name string, raw []string) error {
	backend, err := newBackend(backendName, target, stdin)
	if err != nil {
		return err
	}
	pipeline, opts, err := loadPipeline(configPath)
	if err != nil {
		return err
	}
	if pipeline != nil {
		defer pipeline.Close()
	}

	return scopez.Use(ctx, backend, target, pipeline, func(s *scopez.Session) error {
		result, err := s.Run(ctx, scopez.NewOperation(name, parseArgs(raw)...))
		if err != nil {
			return err
		}
		return printResult(out, result)
	}, opts...)
}

type output struct {
	Payload any  `json:"payload"`
	Cached  bool `json:"cached,omitempty"`
}

func printResult(out io.Writer, result scopez.Result) error {
	payload := result.Payload
	if rec, ok := payload.(scopez.Record); ok {
		payload = rec.String()
	}
	enc := json.NewEncoder(out)
	if err := enc.Encode(output{Payload: payload, Cached: result.Cached}); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
