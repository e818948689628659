package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <item-id>",
	Short: "Analyze a single item's photo set",
	Long:  "Runs the full pipeline for one item regardless of its worklist state and prints the resulting run record.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Orch.AnalyzeItem(ctx, args[0])
		if err != nil {
			zap.L().Error("analyze failed", zap.String("item", args[0]), zap.Error(err))
		}
		if run == nil {
			return eris.Wrapf(err, "analyze %s", args[0])
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
}
