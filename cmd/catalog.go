package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-enricher/internal/catalog"
	"github.com/sells-group/catalog-enricher/internal/fetcher"
	"github.com/sells-group/catalog-enricher/internal/model"
)

var (
	importKind  string
	importSheet string
	importBatch int
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the seed catalog",
}

var catalogImportCmd = &cobra.Command{
	Use:   "import <file.csv|file.xlsx>",
	Short: "Upsert catalog entities from a spreadsheet export",
	Long: "Reads sku, kind, upc, isbn, deleted, any canonical field column and <source>_id columns. " +
		"Existing field values are kept; a truthy deleted column soft-deletes the entity.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		_, err = catalog.NewImporter(st).Import(ctx, args[0], catalog.Options{
			DefaultKind: model.EntityKind(importKind),
			BatchSize:   importBatch,
			Table:       fetcher.TableOptions{SheetName: importSheet},
		})
		if err != nil {
			return eris.Wrapf(err, "import %s", args[0])
		}
		return nil
	},
}

func init() {
	catalogImportCmd.Flags().StringVar(&importKind, "kind", "", "kind for rows without a kind column (comic or funko)")
	catalogImportCmd.Flags().StringVar(&importSheet, "sheet", "", "xlsx sheet name (default first sheet)")
	catalogImportCmd.Flags().IntVar(&importBatch, "batch", 500, "rows per transaction")

	catalogCmd.AddCommand(catalogImportCmd)
	rootCmd.AddCommand(catalogCmd)
}
