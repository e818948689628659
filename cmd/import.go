package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/facet-labs/gemlens/internal/importer"
	"github.com/facet-labs/gemlens/internal/model"
)

var (
	importCSVPath  string
	importXLSXPath string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import items from a CSV or XLSX inventory file",
	Long:  "Upserts items and their image locations into the store and seeds the worklist. Re-importing an existing item updates its name and manual fields but never resets its worklist status or derived fields.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		var (
			items []model.Item
			src   string
			err   error
		)
		switch {
		case importCSVPath != "" && importXLSXPath != "":
			return eris.New("specify exactly one of --csv or --xlsx")
		case importCSVPath != "":
			src = importCSVPath
			f, ferr := os.Open(importCSVPath)
			if ferr != nil {
				return eris.Wrap(ferr, "import: open csv")
			}
			defer f.Close() //nolint:errcheck
			items, err = importer.ParseCSV(f)
		case importXLSXPath != "":
			src = importXLSXPath
			items, err = importer.ParseXLSX(importXLSXPath)
		default:
			return eris.New("specify one of --csv or --xlsx")
		}
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		for i := range items {
			if err := st.UpsertItem(ctx, &items[i]); err != nil {
				return eris.Wrapf(err, "import: upsert item %s", items[i].ID)
			}
		}

		zap.L().Info("import complete",
			zap.Int("items", len(items)),
			zap.String("source", src),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importCSVPath, "csv", "", "path to CSV inventory file")
	importCmd.Flags().StringVar(&importXLSXPath, "xlsx", "", "path to XLSX inventory file")
	rootCmd.AddCommand(importCmd)
}
