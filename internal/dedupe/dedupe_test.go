package dedupe

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logutil "github.com/tendant/simple-recipe-pipeline/internal/logging"
)

func newTracker(t *testing.T) (*Tracker, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec(createTable).WillReturnResult(sqlmock.NewResult(0, 0))
	tracker, err := NewTracker(context.Background(), db, "recipe", 1)
	require.NoError(t, err)
	return tracker, mock
}

func TestTrackerRecord(t *testing.T) {
	t.Parallel()

	tracker, mock := newTracker(t)
	mock.ExpectQuery(recordQuery).WithArgs("fp-1", "recipe", 1).
		WillReturnRows(sqlmock.NewRows([]string{"seen_count"}).AddRow(1))
	mock.ExpectQuery(recordQuery).WithArgs("fp-1", "recipe", 1).
		WillReturnRows(sqlmock.NewRows([]string{"seen_count"}).AddRow(2))

	n, err := tracker.Record(context.Background(), "fp-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = tracker.Record(context.Background(), "fp-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrackerRecordError(t *testing.T) {
	t.Parallel()

	tracker, mock := newTracker(t)
	mock.ExpectQuery(recordQuery).WithArgs("fp-1", "recipe", 1).WillReturnError(errors.New("connection refused"))

	_, err := tracker.Record(context.Background(), "fp-1")
	assert.ErrorContains(t, err, "connection refused")
}

func TestTrackerSeenCount(t *testing.T) {
	t.Parallel()

	tracker, mock := newTracker(t)
	mock.ExpectQuery(seenCountQuery).WithArgs("fp-1").
		WillReturnRows(sqlmock.NewRows([]string{"seen_count"}).AddRow(3))
	mock.ExpectQuery(seenCountQuery).WithArgs("fp-2").WillReturnError(sql.ErrNoRows)

	n, err := tracker.SeenCount(context.Background(), "fp-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = tracker.SeenCount(context.Background(), "fp-2")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryTracker(t *testing.T) {
	t.Parallel()

	m, err := NewMemoryTracker(2, logutil.NewTestLogger())
	require.NoError(t, err)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		n, err := m.Record(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	_, _ = m.Record(ctx, "b")
	_, _ = m.Record(ctx, "c") // evicts "a"

	n, _ := m.SeenCount(ctx, "a")
	assert.Zero(t, n)
	n, _ = m.SeenCount(ctx, "c")
	assert.Equal(t, 1, n)
}
