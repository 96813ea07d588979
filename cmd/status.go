package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/supplier-cli/internal/listing"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline counters and recent page failures",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("status"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stats, err := st.Stats(ctx)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		n, _ := cmd.Flags().GetInt("failures")
		failures, err := st.ListPageFailures(ctx, n)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(os.Stdout, map[string]any{"stats": stats, "page_failures": failures})
		}
		formatStats(os.Stdout, stats)
		if n > 0 && len(failures) > 0 {
			fmt.Fprintln(os.Stdout)
			formatPageFailures(os.Stdout, failures)
		}
		return nil
	},
}

var categoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "List the categories in the categories file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			file = cfg.Acquire.CategoriesFile
		}
		cats, err := listing.LoadCategories(file)
		if err != nil {
			return err
		}
		for _, c := range cats {
			fmt.Fprintf(os.Stdout, "%s\t%s\n", c.ID, c.Name)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Int("failures", 10, "recent page failures to show")
	statusCmd.Flags().Bool("json", false, "print JSON")
	categoriesCmd.Flags().String("file", "", "categories file (default from config)")
	rootCmd.AddCommand(statusCmd, categoriesCmd)
}
