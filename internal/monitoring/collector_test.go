package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/supplier-cli/internal/model"
	"github.com/sells-group/supplier-cli/internal/resilience"
)

// mockSource implements Source for testing.
type mockSource struct {
	stats    model.Stats
	failures []model.PageFailure
	statsErr error
	listErr  error
}

func (m *mockSource) Stats(context.Context) (*model.Stats, error) {
	if m.statsErr != nil {
		return nil, m.statsErr
	}
	s := m.stats
	return &s, nil
}

func (m *mockSource) ListPageFailures(_ context.Context, limit int) ([]model.PageFailure, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	if limit < len(m.failures) {
		return m.failures[:limit], nil
	}
	return m.failures, nil
}

func TestCollector_Collect(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	st := &mockSource{
		stats: model.Stats{Total: 100, Extracted: 60, Skipped: 20, Backlog: 20, OCRError: 3},
		failures: []model.PageFailure{
			{Page: 3, ErrorType: resilience.ClassTransient, CreatedAt: now.Add(-time.Hour)},
			{Page: 4, ErrorType: resilience.ClassPermanent, CreatedAt: now.Add(-2 * time.Hour)},
			{Page: 9, ErrorType: resilience.ClassTransient, CreatedAt: now.Add(-48 * time.Hour)},
		},
	}
	c := NewCollector(st)
	c.now = func() time.Time { return now }

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 100, snap.Total)
	assert.Equal(t, 3, snap.OCRError)
	assert.InDelta(t, 0.25, snap.SkipRate, 0.0001)
	assert.Equal(t, 2, snap.RecentPageFailures)
	assert.Equal(t, 1, snap.RecentTransientFailed)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, now, snap.CollectedAt)
}

func TestCollector_EmptyStore(t *testing.T) {
	snap, err := NewCollector(&mockSource{}).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Zero(t, snap.SkipRate)
	assert.Zero(t, snap.RecentPageFailures)
}

func TestCollector_StatsError(t *testing.T) {
	_, err := NewCollector(&mockSource{statsErr: eris.New("db down")}).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: stats")
}

func TestCollector_ListError(t *testing.T) {
	_, err := NewCollector(&mockSource{listErr: eris.New("db down")}).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list page failures")
}
