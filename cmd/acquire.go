package main

import (
	"bufio"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/supplier-cli/internal/listing"
	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/pipeline"
)

var acquireCmd = &cobra.Command{
	Use:   "acquire",
	Short: "Acquire supplier listings",
	Long:  "Walks listing pages for keywords or categories and stores every new supplier.",
}

var acquireKeywordCmd = &cobra.Command{
	Use:   "keyword [keywords...]",
	Short: "Acquire suppliers by keyword search",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		keywords, err := collectKeywords(args, file)
		if err != nil {
			return err
		}

		size, _ := cmd.Flags().GetInt("page-size")
		if size <= 0 {
			size = cfg.Acquire.PageSize
		}
		queries := make([]listing.Query, 0, len(keywords))
		for _, kw := range keywords {
			queries = append(queries, listing.KeywordQuery(kw, size))
		}
		return runAcquire(cmd, queries)
	},
}

var acquireCategoryCmd = &cobra.Command{
	Use:   "category [ids-or-names...]",
	Short: "Acquire suppliers by category",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if len(args) == 0 && !all {
			return eris.New("acquire category: give category ids or names, or --all")
		}

		file, _ := cmd.Flags().GetString("categories")
		if file == "" {
			file = cfg.Acquire.CategoriesFile
		}
		cats, err := listing.LoadCategories(file)
		if err != nil {
			return err
		}
		selected, err := selectCategories(cats, args, all)
		if err != nil {
			return err
		}

		size, _ := cmd.Flags().GetInt("page-size")
		if size <= 0 {
			size = cfg.Acquire.CategoryPageSize
		}
		queries := make([]listing.Query, 0, len(selected))
		for _, c := range selected {
			queries = append(queries, listing.CategoryQuery(c, size))
		}
		return runAcquire(cmd, queries)
	},
}

func runAcquire(cmd *cobra.Command, queries []listing.Query) error {
	start, _ := cmd.Flags().GetInt("start")
	end, _ := cmd.Flags().GetInt("end")
	persist, _ := cmd.Flags().GetString("persist")
	extractNow, _ := cmd.Flags().GetBool("extract")
	replay, _ := cmd.Flags().GetBool("replay")

	mode := pipeline.Persistence(persist)
	if mode != pipeline.PersistDirect && mode != pipeline.PersistCached {
		return eris.Errorf("acquire: --persist must be %q or %q", pipeline.PersistDirect, pipeline.PersistCached)
	}

	env, err := initEnv(cmd.Context(), "acquire", envOptions{Cache: mode == pipeline.PersistCached})
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, cancel := stopOnSignal(cmd.Context(), env.Pipeline)
	defer cancel()

	report, err := env.Pipeline.Acquire(ctx, pipeline.AcquireRequest{
		Queries: queries,
		Start:   start,
		End:     end,
		Persist: mode,
		Extract: extractNow,
		Replay:  replay,
	})
	if encErr := printJSON(os.Stdout, report); encErr != nil && err == nil {
		err = encErr
	}
	return err
}

// collectKeywords merges positional keywords with a keywords file (one per
// line, # comments), dropping blanks and repeats.
func collectKeywords(args []string, file string) ([]string, error) {
	raw := append([]string(nil), args...)
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, eris.Wrap(err, "open keywords file")
		}
		defer f.Close() //nolint:errcheck
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			raw = append(raw, sc.Text())
		}
		if err := sc.Err(); err != nil {
			return nil, eris.Wrap(err, "read keywords file")
		}
	}

	seen := make(map[string]bool)
	var out []string
	for _, kw := range raw {
		kw = strings.TrimSpace(kw)
		if kw == "" || strings.HasPrefix(kw, "#") || seen[kw] {
			continue
		}
		seen[kw] = true
		out = append(out, kw)
	}
	if len(out) == 0 {
		return nil, eris.New("acquire keyword: no keywords given")
	}
	return out, nil
}

func selectCategories(cats []model.Category, keys []string, all bool) ([]model.Category, error) {
	if all {
		return cats, nil
	}
	out := make([]model.Category, 0, len(keys))
	for _, k := range keys {
		c, ok := listing.FindCategory(cats, k)
		if !ok {
			return nil, eris.Errorf("unknown category %q", k)
		}
		out = append(out, c)
	}
	return out, nil
}

func init() {
	for _, c := range []*cobra.Command{acquireKeywordCmd, acquireCategoryCmd} {
		c.Flags().Int("start", 1, "first page")
		c.Flags().Int("end", 1, "last page (inclusive)")
		c.Flags().Int("page-size", 0, "records per page (default from config)")
		c.Flags().String("persist", string(pipeline.PersistDirect), "persistence mode: direct or cached")
		c.Flags().Bool("extract", false, "extract licenses for newly stored suppliers")
		c.Flags().Bool("replay", true, "replay cached buckets at the end of a cached run")
		acquireCmd.AddCommand(c)
	}
	acquireKeywordCmd.Flags().String("file", "", "file with one keyword per line")
	acquireCategoryCmd.Flags().String("categories", "", "categories file (default from config)")
	acquireCategoryCmd.Flags().Bool("all", false, "acquire every category in the file")
	rootCmd.AddCommand(acquireCmd)
}
