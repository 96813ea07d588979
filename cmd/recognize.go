package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/supplier-cli/internal/extract"
	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/ocr"
	"github.com/sells-group/supplier-cli/pkg/geocode"
)

var recognizeCmd = &cobra.Command{
	Use:   "recognize <detail-url>",
	Short: "Extract the license block of one detail page",
	Long: "Fetches one supplier detail page and prints the selected license image and fields. " +
		"With --save the result is stored for --company-id and failures count toward its skip threshold.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		save, _ := cmd.Flags().GetBool("save")
		companyID, _ := cmd.Flags().GetString("company-id")
		if save && companyID == "" {
			return eris.New("recognize: --save needs --company-id")
		}

		env, err := initEnv(ctx, "extract", envOptions{})
		if err != nil {
			return err
		}
		defer env.Close()

		proxy, err := env.Store.ActiveProxy(ctx)
		if err != nil {
			return eris.Wrap(err, "recognize: active proxy")
		}
		if cfg.Proxy.URL != "" {
			if proxy, err = model.ParseProxy(cfg.Proxy.URL); err != nil {
				return err
			}
		}

		if !save {
			res, err := env.Extractor.Inspect(ctx, args[0], proxy)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, res)
		}

		out := env.Extractor.ExtractOne(ctx, companyID, extract.DetailURL(args[0]), proxy)
		if err := printJSON(os.Stdout, out); err != nil {
			return err
		}
		if !out.Success() {
			return eris.Errorf("recognize: %s ended %s", companyID, out.State)
		}
		if archiveDir, _ := cmd.Flags().GetBool("archive"); archiveDir {
			s, err := env.Store.GetSupplier(ctx, companyID)
			if err != nil {
				return err
			}
			dir, err := env.Archiver.Archive(ctx, *s, out.Result)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "archived to %s\n", dir)
		}
		return nil
	},
}

var ocrCmd = &cobra.Command{
	Use:   "ocr",
	Short: "Recognize stored license images",
	Long:  "Sends the license image of each unused supplier with a pending OCR status to the OCR provider, resolves the registered address and stores the result.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("ocr"); err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		if concurrency <= 0 {
			concurrency = cfg.OCR.Concurrency
		}

		rec, err := ocr.NewRecognizer(cfg.OCR)
		if err != nil {
			return err
		}
		var geo geocode.Client
		if cfg.Geocode.AmapKey != "" {
			geo = geocode.NewClient(cfg.Geocode.AmapKey, geocode.WithRateLimit(cfg.Geocode.RateLimit))
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		report, err := ocr.NewRunner(rec, geo, st).Run(ctx, limit, concurrency)
		if encErr := printJSON(os.Stdout, report); encErr != nil && err == nil {
			err = encErr
		}
		return err
	},
}

func init() {
	recognizeCmd.Flags().Bool("save", false, "store the result for --company-id")
	recognizeCmd.Flags().String("company-id", "", "supplier the page belongs to")
	recognizeCmd.Flags().Bool("archive", false, "with --save, also write the artifacts to the archive dir")

	ocrCmd.Flags().Int("limit", 0, "max suppliers to recognize (0 = all pending)")
	ocrCmd.Flags().Int("concurrency", 0, "parallel recognitions (default from config)")

	rootCmd.AddCommand(recognizeCmd, ocrCmd)
}
