package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/store"
	"github.com/sells-group/supplier-cli/internal/tracker"
)

var supplierCmd = &cobra.Command{
	Use:     "supplier",
	Aliases: []string{"suppliers"},
	Short:   "Inspect and manage stored suppliers",
}

// -- supplier list --

var supplierListCmd = &cobra.Command{
	Use:   "list",
	Short: "List suppliers",
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

		suppliers, total, err := st.ListSuppliers(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "supplier list")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(os.Stdout, map[string]any{"total": total, "suppliers": suppliers})
		}
		if len(suppliers) == 0 {
			fmt.Fprintln(os.Stderr, "No suppliers found.")
			return nil
		}
		formatSuppliers(os.Stdout, suppliers, total)
		return nil
	},
}

func supplierFilterFromFlags(cmd *cobra.Command) (store.SupplierFilter, error) {
	status, _ := cmd.Flags().GetString("status")
	category, _ := cmd.Flags().GetString("category")
	ocrStatus, _ := cmd.Flags().GetString("ocr")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")

	filter := store.SupplierFilter{
		Status:     model.ParseSupplierStatus(status),
		CategoryID: category,
		OCRStatus:  model.OCRStatus(ocrStatus),
		Limit:      limit,
		Offset:     offset,
	}
	if status != "" && filter.Status == model.StatusAll && status != "all" {
		return filter, eris.Errorf("unknown status %q", status)
	}
	if ocrStatus != "" && !filter.OCRStatus.Valid() {
		return filter, eris.Errorf("unknown ocr status %q", ocrStatus)
	}
	if cmd.Flags().Changed("used") {
		used, _ := cmd.Flags().GetBool("used")
		filter.Used = &used
	}
	return filter, nil
}

// -- supplier show --

// supplierView is a supplier with its stored license artifacts.
type supplierView struct {
	*model.Supplier
	Licenses []model.LicenseAsset  `json:"licenses"`
	Details  *model.LicenseDetails `json:"license_details,omitempty"`
}

func loadSupplierView(ctx context.Context, st store.Store, id string) (*supplierView, error) {
	s, err := st.GetSupplier(ctx, id)
	if err != nil {
		return nil, err
	}
	assets, err := st.Licenses(ctx, id)
	if err != nil {
		return nil, err
	}
	details, err := st.LicenseDetails(ctx, id)
	if err != nil {
		return nil, err
	}
	return &supplierView{Supplier: s, Licenses: assets, Details: details}, nil
}

var supplierShowCmd = &cobra.Command{
	Use:   "show <company-id>",
	Short: "Show a supplier with its license artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		view, err := loadSupplierView(ctx, st, args[0])
		if err != nil {
			return eris.Wrap(err, "supplier show")
		}
		return printJSON(os.Stdout, view)
	},
}

// -- supplier skip / unskip / reset --

func trackerCommand(use, short string, fn func(*tracker.Tracker, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <company-id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := initStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			tr := tracker.New(st, tracker.PolicyFromConfig(cfg.Extract))
			for _, id := range args {
				if err := fn(tr, ctx, id); err != nil {
					return eris.Wrapf(err, "supplier %s %s", use, id)
				}
			}
			fmt.Fprintf(os.Stdout, "%s: %d supplier(s)\n", use, len(args))
			return nil
		},
	}
}

var (
	supplierSkipCmd   = trackerCommand("skip", "Exclude suppliers from extraction", (*tracker.Tracker).Skip)
	supplierUnskipCmd = trackerCommand("unskip", "Return skipped suppliers to the backlog", (*tracker.Tracker).Unskip)
	supplierResetCmd  = trackerCommand("reset", "Clear failure counters and the last attempt time", (*tracker.Tracker).Reset)
)

// -- supplier used --

var supplierUsedCmd = &cobra.Command{
	Use:   "used <company-id>...",
	Short: "Mark suppliers as used (or unused with --unset)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		unset, _ := cmd.Flags().GetBool("unset")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		for _, id := range args {
			if err := st.SetUsed(ctx, id, !unset); err != nil {
				return eris.Wrapf(err, "supplier used %s", id)
			}
		}
		fmt.Fprintf(os.Stdout, "used=%t: %d supplier(s)\n", !unset, len(args))
		return nil
	},
}

func init() {
	f := supplierListCmd.Flags()
	f.String("status", "", "filter: pending, extracted, skipped, failing")
	f.String("category", "", "filter by category id")
	f.String("ocr", "", "filter by ocr status: pending, success, error")
	f.Bool("used", false, "filter by usage flag")
	f.Int("limit", 50, "max rows")
	f.Int("offset", 0, "rows to skip")
	f.Bool("json", false, "print JSON")

	supplierUsedCmd.Flags().Bool("unset", false, "clear the used flag instead")

	supplierCmd.AddCommand(supplierListCmd, supplierShowCmd, supplierSkipCmd, supplierUnskipCmd, supplierResetCmd, supplierUsedCmd)
	rootCmd.AddCommand(supplierCmd)
}
