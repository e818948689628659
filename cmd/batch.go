package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	batchLimit       int
	batchResetFailed bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Analyze all pending items on the worklist",
	Long:  "Walks the durable worklist and analyzes every non-terminal item under a bounded worker pool. Safe to interrupt and re-run; completed items are never re-analyzed.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if batchResetFailed {
			n, err := env.Store.ResetFailed(ctx)
			if err != nil {
				return err
			}
			zap.L().Info("reset failed items to pending", zap.Int("items", n))
		}

		res, err := env.Orch.RunBatch(ctx, batchLimit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Processed:\t%d\n", res.Processed)
		fmt.Fprintf(w, "Succeeded:\t%d\n", res.Succeeded)
		fmt.Fprintf(w, "Partially extracted:\t%d\n", res.Partial)
		fmt.Fprintf(w, "Failed:\t%d\n", res.Failed)
		fmt.Fprintf(w, "Cost:\t$%.4f\n", res.CostUSD)
		return w.Flush()
	},
}

func init() {
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max items to process (0 = all pending)")
	batchCmd.Flags().BoolVar(&batchResetFailed, "reset-failed", false, "reset failed items to pending before processing")
	rootCmd.AddCommand(batchCmd)
}
