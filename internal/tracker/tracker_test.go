package tracker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/supplier-cli/internal/config"
	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/resilience"
	"github.com/sells-group/supplier-cli/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seed(t *testing.T, st *store.SQLiteStore, id string) {
	t.Helper()
	_, err := st.UpsertIfAbsent(context.Background(), &model.Supplier{
		CompanyID: id,
		ActionURL: "https://" + id + ".en.alibaba.com/company_profile.html?subpage=onsiteDetail",
	})
	require.NoError(t, err)
}

func TestRecordFailure_LatchesAtThreshold(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "c-1")
	tr := New(st, Policy{Threshold: 3, CountTransient: true})
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		state, err := tr.RecordFailure(ctx, "c-1", errors.New("no license block"))
		require.NoError(t, err)
		assert.Equal(t, i, state.FailedCount)
		assert.False(t, state.SkipExtraction)
		assert.False(t, state.LastAttempt.IsZero())
	}

	state, err := tr.RecordFailure(ctx, "c-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, state.FailedCount)
	assert.True(t, state.SkipExtraction)

	backlog, err := st.Backlog(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, backlog)
}

func TestRecordFailure_TransientNotCounted(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "c-1")
	tr := New(st, Policy{Threshold: 1, CountTransient: false})
	ctx := context.Background()

	timeout := resilience.NewTransientError(errors.New("i/o timeout"), 0)
	state, err := tr.RecordFailure(ctx, "c-1", timeout)
	require.NoError(t, err)
	assert.Equal(t, 0, state.FailedCount)
	assert.False(t, state.SkipExtraction)
	assert.False(t, state.LastAttempt.IsZero())

	state, err = tr.RecordFailure(ctx, "c-1", errors.New("no artifact"))
	require.NoError(t, err)
	assert.Equal(t, 1, state.FailedCount)
	assert.True(t, state.SkipExtraction)
}

func TestRecordFailure_UnknownSupplier(t *testing.T) {
	st := newTestStore(t)
	tr := New(st, Policy{})
	_, err := tr.RecordFailure(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResetSkipUnskip(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "c-1")
	tr := New(st, Policy{Threshold: 2})
	ctx := context.Background()

	_, err := tr.RecordFailure(ctx, "c-1", nil)
	require.NoError(t, err)
	_, err = tr.RecordFailure(ctx, "c-1", nil)
	require.NoError(t, err)

	// Reset keeps the latch.
	require.NoError(t, tr.Reset(ctx, "c-1"))
	got, err := st.GetSupplier(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.ExtractionFailedCount)
	assert.Nil(t, got.LastExtractionAttempt)
	assert.True(t, got.SkipExtraction)

	require.NoError(t, tr.Unskip(ctx, "c-1"))
	got, err = st.GetSupplier(ctx, "c-1")
	require.NoError(t, err)
	assert.False(t, got.SkipExtraction)
	assert.Equal(t, 0, got.ExtractionFailedCount)

	require.NoError(t, tr.Skip(ctx, "c-1"))
	got, err = st.GetSupplier(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, got.SkipExtraction)
	assert.NotNil(t, got.LastExtractionAttempt)
}

func TestPolicy(t *testing.T) {
	transient := resilience.NewTransientError(errors.New("503"), 503)
	permanent := errors.New("404 not found")

	counting := Policy{CountTransient: true}
	assert.True(t, counting.Counts(transient))
	assert.True(t, counting.Counts(nil))

	strict := Policy{CountTransient: false}
	assert.False(t, strict.Counts(transient))
	assert.True(t, strict.Counts(permanent))
	assert.True(t, strict.Counts(nil))

	p := PolicyFromConfig(config.ExtractConfig{FailureThreshold: 5, CountTransientFailures: true})
	assert.Equal(t, Policy{Threshold: 5, CountTransient: true}, p)

	assert.Equal(t, DefaultThreshold, New(nil, Policy{}).Policy().Threshold)
}

// lockedStore fails RecordFailure with contention a fixed number of times.
type lockedStore struct {
	Store
	busy  int
	calls atomic.Int32
}

func (l *lockedStore) RecordFailure(ctx context.Context, id string, threshold int) (model.FailureState, error) {
	if int(l.calls.Add(1)) <= l.busy {
		return model.FailureState{}, resilience.NewContentionError("record failure", errors.New("database is locked"))
	}
	return l.Store.RecordFailure(ctx, id, threshold)
}

func TestRecordFailure_RetriesContention(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "c-1")
	ls := &lockedStore{Store: st, busy: 2}
	tr := New(ls, Policy{Threshold: 3})
	tr.retry = resilience.RetryConfig{MaxAttempts: 3, Backoff: resilience.ConstantBackoff(0), ShouldRetry: resilience.IsContention}

	state, err := tr.RecordFailure(context.Background(), "c-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, state.FailedCount)
	assert.Equal(t, int32(3), ls.calls.Load())
}

// The skip flag tracks the counter against the threshold and never clears
// on its own, whatever mix of counted and uncounted failures arrives.
func TestProperty_SkipLatchIsMonotonic(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	var run atomic.Int64

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 40
	properties := gopter.NewProperties(params)

	properties.Property("skip latches once count reaches threshold", prop.ForAll(
		func(threshold int, outcomes []bool) bool {
			id := fmt.Sprintf("p-%d", run.Add(1))
			if _, err := st.UpsertIfAbsent(ctx, &model.Supplier{CompanyID: id, ActionURL: "https://x/" + id}); err != nil {
				return false
			}
			tr := New(st, Policy{Threshold: threshold, CountTransient: false})

			count, latched := 0, false
			for _, transient := range outcomes {
				var cause error
				if transient {
					cause = resilience.NewTransientError(errors.New("timeout"), 0)
				}
				state, err := tr.RecordFailure(ctx, id, cause)
				if err != nil {
					return false
				}
				if !transient {
					count++
				}
				if latched && !state.SkipExtraction {
					return false
				}
				latched = state.SkipExtraction
				if state.FailedCount != count || latched != (count >= threshold) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 5),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
