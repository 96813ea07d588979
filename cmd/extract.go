package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract license artifacts for the backlog",
	Long:  "Visits the detail page of every supplier without a license in batches and stores the largest license image and the license fields.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if n, _ := cmd.Flags().GetInt("batch-size"); n > 0 {
			cfg.Extract.BatchSize = n
		}
		if cmd.Flags().Changed("archive") {
			cfg.Extract.Archive, _ = cmd.Flags().GetBool("archive")
		}
		limit, _ := cmd.Flags().GetInt("limit")

		env, err := initEnv(cmd.Context(), "extract", envOptions{})
		if err != nil {
			return err
		}
		defer env.Close()

		ctx, cancel := stopOnSignal(cmd.Context(), env.Pipeline)
		defer cancel()

		report, err := env.Pipeline.ExtractBacklog(ctx, limit)
		if encErr := printJSON(os.Stdout, report); encErr != nil && err == nil {
			err = encErr
		}
		return err
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Move cached listing buckets into the store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEnv(cmd.Context(), "replay", envOptions{Cache: true})
		if err != nil {
			return err
		}
		defer env.Close()

		ctx, cancel := stopOnSignal(cmd.Context(), env.Pipeline)
		defer cancel()

		report, err := env.Pipeline.Replay(ctx)
		if err != nil {
			zap.L().Error("replay failed", zap.Error(err))
		}
		if encErr := printJSON(os.Stdout, report); encErr != nil && err == nil {
			err = encErr
		}
		return err
	},
}

func init() {
	extractCmd.Flags().Int("limit", 0, "max suppliers to extract (0 = whole backlog)")
	extractCmd.Flags().Int("batch-size", 0, "suppliers per batch (default from config)")
	extractCmd.Flags().Bool("archive", false, "write artifacts of category suppliers to the archive dir")
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(replayCmd)
}
