package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/zoobzio/scopez"
)

var (
	streamLimit int

	streamCmd = &cobra.Command{
		Use:   "stream <target>",
		Short: "Print the records of a resource",
		Long: `Open target and print its records one per line. Records are pulled one
at a time, so large files and lists are never held in memory. With --limit
the command stops after that many records and leaves the rest unread.
With --config, timeoutMs bounds opening the resource and every pull.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return streamRecords(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), args[0], streamLimit)
		},
	}
)

func init() {
	streamCmd.Flags().IntVarP(&streamLimit, "limit", "n", 0, "stop after this many records (0 reads everything)")
}

func streamRecords(ctx context.Context, stdin io.Reader, out io.Writer, target string, limit int) error {
	backend, err := newBackend(backendName, target, stdin)
	if err != nil {
		return err
	}
	// Pulls bypass the pipeline; only the configured session options apply.
	pipeline, opts, err := loadPipeline(configPath)
	if err != nil {
		return err
	}
	if pipeline != nil {
		defer pipeline.Close()
	}

	return scopez.Use(ctx, backend, target, pipeline, func(s *scopez.Session) error {
		seq, err := s.Stream(ctx)
		if err != nil {
			return err
		}
		for rec, err := range seq.All(ctx) {
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(out, rec.String()); err != nil {
				return err
			}
			if limit > 0 && seq.Pulled() >= limit {
				break
			}
		}
		scopez.Logger().Debug("stream finished", "target", target, "records", seq.Pulled(), "exhausted", seq.Exhausted())
		return nil
	}, opts...)
}
