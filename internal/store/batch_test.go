package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/resilience"
)

var errLocked = errors.New("database is locked (5) (SQLITE_BUSY)")

// flakyStore fails InsertBatch with contention for selected chunks.
type flakyStore struct {
	Store
	calls    int
	failures map[int]int // chunk index -> remaining contention failures
	chunk    int
	saved    map[string]bool
}

func (f *flakyStore) InsertBatch(_ context.Context, records []model.Supplier) (int, error) {
	f.calls++
	idx := f.chunk
	if f.failures[idx] > 0 {
		f.failures[idx]--
		return 0, resilience.NewContentionError("insert batch", errLocked)
	}
	f.chunk++
	n := 0
	for _, r := range records {
		if !f.saved[r.CompanyID] {
			f.saved[r.CompanyID] = true
			n++
		}
	}
	return n, nil
}

func noWaitRetry(attempts int) *resilience.RetryConfig {
	return &resilience.RetryConfig{
		MaxAttempts: attempts,
		Backoff:     resilience.ConstantBackoff(0),
		ShouldRetry: resilience.IsContention,
	}
}

func suppliers(n int) []model.Supplier {
	out := make([]model.Supplier, n)
	for i := range out {
		out[i] = testSupplier(fmt.Sprintf("s-%d", i))
	}
	return out
}

func TestSaveChunked_RetriesContentionThenSucceeds(t *testing.T) {
	st := &flakyStore{failures: map[int]int{1: 2}, saved: map[string]bool{}}

	report, err := SaveChunked(context.Background(), st, suppliers(5), ChunkOptions{Size: 2, Retry: noWaitRetry(3)})
	require.NoError(t, err)
	assert.Equal(t, 5, report.Saved)
	assert.Equal(t, 0, report.Skipped)
	assert.Equal(t, 0, report.FailedChunks)
	assert.Equal(t, 5, st.calls)
}

func TestSaveChunked_SkipsChunkAfterRetries(t *testing.T) {
	st := &flakyStore{failures: map[int]int{0: 3}, saved: map[string]bool{}}

	report, err := SaveChunked(context.Background(), st, suppliers(5), ChunkOptions{Size: 2, Retry: noWaitRetry(3)})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 1, report.FailedChunks)
	// The skipped chunk does not advance the fake, so the next chunk
	// is written under index 0 and the rest follow.
	assert.Equal(t, 3, report.Saved)
}

func TestSaveChunked_CountsDuplicates(t *testing.T) {
	st := &flakyStore{failures: map[int]int{}, saved: map[string]bool{"s-0": true}}

	report, err := SaveChunked(context.Background(), st, suppliers(3), ChunkOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Saved)
	assert.Equal(t, 1, report.Duplicates)
}

func TestSaveChunked_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st := &flakyStore{failures: map[int]int{}, saved: map[string]bool{}}

	_, err := SaveChunked(ctx, st, suppliers(3), ChunkOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, st.calls)
}

func TestSaveChunked_RealSQLite(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	records := append(suppliers(120), testSupplier("s-1"))
	report, err := SaveChunked(ctx, st, records, ChunkOptions{Size: 50})
	require.NoError(t, err)
	assert.Equal(t, 120, report.Saved)
	assert.Equal(t, 1, report.Duplicates)

	again, err := SaveChunked(ctx, st, records, ChunkOptions{Size: 50})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Saved)
}

// --- contention classification with scripted driver errors ---

func newMockSQLiteStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck
	return &SQLiteStore{db: db, schema: newSchema(sqliteDialect)}, mock
}

func TestSQLite_InsertBatch_BusyBeginIsContention(t *testing.T) {
	st, mock := newMockSQLiteStore(t)
	mock.ExpectBegin().WillReturnError(errLocked)

	_, err := st.InsertBatch(context.Background(), suppliers(1))
	require.Error(t, err)
	assert.True(t, resilience.IsContention(err))
	var ce *resilience.ContentionError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, ce.Op, "insert batch")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLite_InsertBatch_LockedInsertRollsBack(t *testing.T) {
	st, mock := newMockSQLiteStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM suppliers WHERE company_id = \?`).
		WithArgs("s-0").
		WillReturnRows(sqlmock.NewRows([]string{"1"}))
	mock.ExpectExec(`INSERT INTO suppliers`).WillReturnError(errors.New("database table is locked"))
	mock.ExpectRollback()

	_, err := st.InsertBatch(context.Background(), suppliers(1))
	require.Error(t, err)
	assert.True(t, resilience.IsContention(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLite_InsertBatch_PermanentErrorNotContention(t *testing.T) {
	st, mock := newMockSQLiteStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM suppliers`).WillReturnError(errors.New("no such table: suppliers"))
	mock.ExpectRollback()

	_, err := st.InsertBatch(context.Background(), suppliers(1))
	require.Error(t, err)
	assert.False(t, resilience.IsContention(err))
	assert.Contains(t, err.Error(), "sqlite: insert batch")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveChunked_SQLiteBusyRetried(t *testing.T) {
	st, mock := newMockSQLiteStore(t)
	mock.ExpectBegin().WillReturnError(errLocked)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM suppliers`).WillReturnRows(sqlmock.NewRows([]string{"1"}))
	mock.ExpectExec(`INSERT INTO suppliers`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	report, err := SaveChunked(context.Background(), st, suppliers(1), ChunkOptions{Retry: noWaitRetry(3)})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Saved)
	assert.NoError(t, mock.ExpectationsWereMet())
}
