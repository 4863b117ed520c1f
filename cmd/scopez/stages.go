package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zoobzio/scopez"
)

var stageDescriptions = map[string]string{
	scopez.StageLogging:   "log every operation with its outcome and duration",
	scopez.StageRateLimit: "reject operations over rateLimitPerWindow per windowMs",
	scopez.StageRetry:     "retry retryable failures up to maxRetries times",
	scopez.StageAuth:      "attach the credential from " + tokenEnv,
	scopez.StageTranslate: "classify backend failures as retryable or fatal",
	scopez.StageCache:     "answer repeated operations for cacheTtlMs",
	scopez.StageTimeout:   "bound each operation by timeoutMs",
	scopez.StageBreaker:   "stop calling a failing resource for breakerResetMs",
}

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "List the stage identifiers accepted in stageOrder",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Available stages:")
		fmt.Fprintln(out)
		for _, id := range scopez.DefaultRegistry().Names() {
			fmt.Fprintf(out, "  %-10s %s\n", id, stageDescriptions[id])
		}
	},
}
