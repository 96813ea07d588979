package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/supplier-cli/internal/model"
)

// Property: however keys repeat inside and across batches, each company id is
// stored once and a replayed batch inserts nothing.
func TestSQLite_InsertBatch_UniqueProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 25
	properties := gopter.NewProperties(params)

	run := 0
	properties.Property("company ids stay unique", prop.ForAll(
		func(keys []int) bool {
			run++
			st, err := NewSQLite(filepath.Join(t.TempDir(), fmt.Sprintf("prop-%d.db", run)))
			require.NoError(t, err)
			defer st.Close() //nolint:errcheck
			ctx := context.Background()
			require.NoError(t, st.Migrate(ctx))

			distinct := make(map[string]struct{})
			records := make([]model.Supplier, len(keys))
			for i, k := range keys {
				id := fmt.Sprintf("k%d", k)
				records[i] = testSupplier(id)
				distinct[id] = struct{}{}
			}

			first, err := st.InsertBatch(ctx, records)
			if err != nil || first != len(distinct) {
				return false
			}
			again, err := st.InsertBatch(ctx, records)
			if err != nil || again != 0 {
				return false
			}
			ids, err := st.KnownCompanyIDs(ctx)
			return err == nil && len(ids) == len(distinct)
		},
		gen.SliceOf(gen.IntRange(0, 15)),
	))

	properties.TestingRun(t)
}
