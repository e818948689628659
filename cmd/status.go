package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show worklist progress and accumulated cost",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sum, err := st.WorklistSummary(ctx)
		if err != nil {
			return err
		}

		total := sum.Pending + sum.Succeeded + sum.Partial + sum.Failed
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Total items:\t%d\n", total)
		fmt.Fprintf(w, "Pending:\t%d\n", sum.Pending)
		fmt.Fprintf(w, "Succeeded:\t%d\n", sum.Succeeded)
		fmt.Fprintf(w, "Partially extracted:\t%d\n", sum.Partial)
		fmt.Fprintf(w, "Failed:\t%d\n", sum.Failed)
		fmt.Fprintf(w, "Total cost:\t$%.4f\n", sum.TotalCost)
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
