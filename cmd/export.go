package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/supplier-cli/internal/export"
	"github.com/sells-group/supplier-cli/internal/listing"
	"github.com/sells-group/supplier-cli/internal/store"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export suppliers and license details to XLSX",
	Long:  "Writes one workbook for the filtered suppliers, or with --by-category one workbook per category under the archive dir.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		filter, err := supplierFilterFromFlags(cmd)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		byCategory, _ := cmd.Flags().GetBool("by-category")
		if !byCategory {
			out, _ := cmd.Flags().GetString("out")
			n, err := export.WriteFile(ctx, st, filter, out)
			if err != nil {
				return eris.Wrap(err, "export")
			}
			fmt.Fprintf(os.Stdout, "wrote %d suppliers to %s\n", n, out)
			return nil
		}

		cats, err := listing.LoadCategories(cfg.Acquire.CategoriesFile)
		if err != nil {
			return err
		}
		for _, c := range cats {
			f := filter
			f.CategoryID = c.ID
			_, total, err := st.ListSuppliers(ctx, store.SupplierFilter{CategoryID: c.ID, Status: f.Status, Limit: 1})
			if err != nil {
				return eris.Wrap(err, "export")
			}
			if total == 0 {
				continue
			}
			path := export.CategoryPath(cfg.Archive.Dir, c)
			n, err := export.WriteFile(ctx, st, f, path)
			if err != nil {
				return eris.Wrapf(err, "export category %s", c.ID)
			}
			fmt.Fprintf(os.Stdout, "wrote %d suppliers to %s\n", n, path)
		}
		return nil
	},
}

func init() {
	f := exportCmd.Flags()
	f.String("out", "suppliers.xlsx", "output workbook")
	f.Bool("by-category", false, "one workbook per category in the categories file")
	f.String("status", "", "filter: pending, extracted, skipped, failing")
	f.String("category", "", "filter by category id")
	f.String("ocr", "", "filter by ocr status")
	f.Bool("used", false, "filter by usage flag")
	rootCmd.AddCommand(exportCmd)
}
