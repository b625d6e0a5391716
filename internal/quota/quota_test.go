package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteUsage(t *testing.T) *SQLiteUsage {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.Join(t.TempDir(), "quota.db"))
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	usage, err := NewSQLiteUsage(db)
	require.NoError(t, err)

	return usage
}

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()

	return NewTracker(newSQLiteUsage(t))
}

func TestTracker_DailyLimitScenario(t *testing.T) {
	tr := newTestTracker(t)
	tr.SetDailyLimit(100)

	require.NoError(t, tr.Consume(context.Background(), "search", 1))

	remaining, err := tr.Remaining(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	err = tr.Consume(context.Background(), "videos", 1)
	require.Error(t, err)

	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, "videos", exceeded.Operation)
	assert.Equal(t, 1, exceeded.Cost)
	assert.Equal(t, 0, exceeded.Remaining)

	remaining, err = tr.Remaining(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, remaining, "rejected consume must not change remaining")
}

func TestTracker_ConsumeAccumulates(t *testing.T) {
	tr := newTestTracker(t)

	require.NoError(t, tr.Consume(context.Background(), "videos", 3))
	require.NoError(t, tr.Consume(context.Background(), "search", 2))

	remaining, err := tr.Remaining(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultDailyLimit-3-200, remaining)

	usage, err := tr.UsageByOperation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, usage["videos"])
	assert.Equal(t, 200, usage["search"])
}

func TestTracker_UnknownOperationCostsOne(t *testing.T) {
	tr := newTestTracker(t)

	assert.Equal(t, 1, tr.Cost("brand_new_operation"))

	require.NoError(t, tr.Consume(context.Background(), "brand_new_operation", 5))

	remaining, err := tr.Remaining(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultDailyLimit-5, remaining)
}

func TestTracker_CanExecuteIsReadOnly(t *testing.T) {
	tr := newTestTracker(t)
	tr.SetDailyLimit(100)

	for i := 0; i < 3; i++ {
		ok, err := tr.CanExecute(context.Background(), "search", 1)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	remaining, err := tr.Remaining(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, remaining, "CanExecute must not spend")

	ok, err := tr.CanExecute(context.Background(), "search", 2)
	require.NoError(t, err)
	assert.False(t, ok, "two searches exceed the limit")
}

func TestTracker_CheckAndConsume(t *testing.T) {
	tr := newTestTracker(t)
	tr.SetDailyLimit(100)

	ok, err := tr.CheckAndConsume(context.Background(), "search", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tr.CheckAndConsume(context.Background(), "videos", 1)
	require.NoError(t, err, "exhaustion is a boolean, not an error")
	assert.False(t, ok)
}

func TestTracker_NoPartialConsumption(t *testing.T) {
	tr := newTestTracker(t)
	tr.SetDailyLimit(150)

	require.NoError(t, tr.Consume(context.Background(), "search", 1))

	err := tr.Consume(context.Background(), "search", 1)
	assert.True(t, IsExceeded(err))

	remaining, err := tr.Remaining(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50, remaining, "rejected spend must not consume part of the budget")
}

func TestTracker_SharedStoreObservesSameRemaining(t *testing.T) {
	usage := newSQLiteUsage(t)
	first := NewTracker(usage)
	second := NewTracker(usage)

	require.NoError(t, first.Consume(context.Background(), "search", 3))

	r1, err := first.Remaining(context.Background())
	require.NoError(t, err)
	r2, err := second.Remaining(context.Background())
	require.NoError(t, err)

	assert.Equal(t, r1, r2, "two trackers on one store must agree after either consumes")
	assert.Equal(t, DefaultDailyLimit-300, r2)
}

func TestTracker_Reset(t *testing.T) {
	usage := newSQLiteUsage(t)
	tr := NewTracker(usage)

	yesterday := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	today := yesterday.AddDate(0, 0, 1)

	tr.now = func() time.Time { return yesterday }
	require.NoError(t, tr.Consume(context.Background(), "videos", 7))

	tr.now = func() time.Time { return today }
	require.NoError(t, tr.Consume(context.Background(), "videos", 2))

	require.NoError(t, tr.Reset(context.Background()))

	remaining, err := tr.Remaining(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultDailyLimit, remaining, "reset zeroes today")

	history, err := usage.ByOperation(context.Background(), "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 7, history["videos"], "reset must not touch history")
}

func TestTracker_DayRollover(t *testing.T) {
	tr := newTestTracker(t)
	tr.SetDailyLimit(100)

	day1 := time.Date(2026, 3, 1, 23, 50, 0, 0, time.UTC)
	tr.now = func() time.Time { return day1 }
	require.NoError(t, tr.Consume(context.Background(), "search", 1))

	err := tr.Consume(context.Background(), "videos", 1)
	assert.True(t, IsExceeded(err))

	tr.now = func() time.Time { return day1.Add(time.Hour) }
	require.NoError(t, tr.Consume(context.Background(), "videos", 1), "a new UTC day starts a fresh budget")

	remaining, err := tr.Remaining(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 99, remaining)
}

func TestTracker_Prune(t *testing.T) {
	usage := newSQLiteUsage(t)
	tr := NewTracker(usage)

	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	tr.now = func() time.Time { return old }
	require.NoError(t, tr.Consume(context.Background(), "videos", 1))

	tr.now = func() time.Time { return now }
	require.NoError(t, tr.Consume(context.Background(), "videos", 1))

	require.NoError(t, tr.Prune(context.Background()))

	oldUsage, err := usage.ByOperation(context.Background(), "2026-01-01")
	require.NoError(t, err)
	assert.Empty(t, oldUsage, "rows past the retention window should be gone")

	current, err := usage.ByOperation(context.Background(), "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 1, current["videos"])
}

func TestTracker_SetCost(t *testing.T) {
	tr := newTestTracker(t)
	tr.SetCost("transcript_fetch", 25)

	assert.Equal(t, 25, tr.Cost("transcript_fetch"))

	require.NoError(t, tr.Consume(context.Background(), "transcript_fetch", 2))

	remaining, err := tr.Remaining(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultDailyLimit-50, remaining)
}

func TestExceededError_Message(t *testing.T) {
	err := &ExceededError{Operation: "search", Cost: 100, Remaining: 37}

	assert.Contains(t, err.Error(), "search")
	assert.Contains(t, err.Error(), "100")
	assert.Contains(t, err.Error(), "37")
}

func TestIsExceeded(t *testing.T) {
	assert.True(t, IsExceeded(&ExceededError{}))
	assert.True(t, IsExceeded(fmt.Errorf("handler: %w", &ExceededError{})))
	assert.False(t, IsExceeded(errors.New("plain error")))
	assert.False(t, IsExceeded(nil))
}
