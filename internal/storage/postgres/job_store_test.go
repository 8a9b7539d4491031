package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/ballotwatch/acta-harvester/internal/harvest"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Unix(1700000000, 0).UTC()

func newMockStore(t *testing.T) (*JobStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewJobStoreWithPool(mock, 3, fixedClock{now: testNow})
	require.NoError(t, err)
	return store, mock
}

func TestNewJobStoreWithPoolValidates(t *testing.T) {
	t.Parallel()

	_, err := NewJobStoreWithPool(nil, 3, fixedClock{})
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewJobStoreWithPool(mock, 0, fixedClock{})
	require.Error(t, err)
}

func TestInsertJobsCountsOnlyNewRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	key := harvest.NaturalKey{Region: "05", Subregion: "12", Zone: "03", Station: "41502", Category: "presidential"}

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(key.Region, key.Subregion, key.Zone, key.Station, key.Category, 3, testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	// Second row conflicts on the natural key and inserts nothing.
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(key.Region, key.Subregion, key.Zone, key.Station, key.Category, 3, testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err := store.InsertJobs(context.Background(), []harvest.Job{
		{Key: key, Priority: 3},
		{Key: key, Priority: 3},
	})
	require.NoError(t, err)
	require.Equal(t, 1, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimReturnsJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	rows := pgxmock.NewRows([]string{
		"id", "region", "subregion", "zone", "station", "category",
		"priority", "status", "attempts", "owner", "last_error", "result",
		"created_at", "updated_at", "completed_at",
	}).AddRow(
		int64(7), "05", "12", "03", "41502", "presidential",
		3, "in_progress", 2, ptr("w1"), nil, nil,
		testNow.Add(-time.Hour), testNow, nil,
	)

	mock.ExpectQuery("UPDATE jobs SET status = 'in_progress'").
		WithArgs("w1", testNow).
		WillReturnRows(rows)

	job, err := store.Claim(context.Background(), "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, int64(7), job.ID)
	require.Equal(t, harvest.JobStatusInProgress, job.Status)
	require.Equal(t, "w1", job.Owner)
	require.Equal(t, 2, job.Attempts)
	require.Equal(t, "05/12/03/41502/presidential", job.Key.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimEmptyQueueIsNotAnError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE jobs SET status = 'in_progress'").
		WithArgs("w1", testNow).
		WillReturnError(pgx.ErrNoRows)

	job, err := store.Claim(context.Background(), "w1")
	require.NoError(t, err)
	require.Nil(t, job)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimStoreFailurePropagates(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE jobs SET status = 'in_progress'").
		WithArgs("w1", testNow).
		WillReturnError(errors.New("connection refused"))

	job, err := store.Claim(context.Background(), "w1")
	require.Error(t, err)
	require.Nil(t, job)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteReportsOwnership(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobs SET status = 'completed'").
		WithArgs(int64(7), "w1", "file:///acta-41502.pdf", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	applied, err := store.Complete(context.Background(), 7, "w1", harvest.Result{ArtifactURI: "file:///acta-41502.pdf"})
	require.NoError(t, err)
	require.True(t, applied)

	// The same report after a reap reassigned the job affects zero rows.
	mock.ExpectExec("UPDATE jobs SET status = 'completed'").
		WithArgs(int64(7), "w1", "file:///acta-41502.pdf", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	applied, err = store.Complete(context.Background(), 7, "w1", harvest.Result{ArtifactURI: "file:///acta-41502.pdf"})
	require.NoError(t, err)
	require.False(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailPassesRetryPolicyArgs(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobs SET").
		WithArgs(int64(9), "w2", "timeout", true, 3, testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	applied, err := store.Fail(context.Background(), 9, "w2", "timeout", true)
	require.NoError(t, err)
	require.True(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseKeepsJobRetryable(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	// No attempts argument: the release transition never terminates a job.
	mock.ExpectExec("UPDATE jobs SET status = 'retry', owner = NULL, last_error = 'worker shutdown'").
		WithArgs(int64(9), "w2", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	applied, err := store.Release(context.Background(), 9, "w2")
	require.NoError(t, err)
	require.True(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseLostOwnershipIsNoOp(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobs SET status = 'retry', owner = NULL, last_error = 'worker shutdown'").
		WithArgs(int64(9), "w2", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	applied, err := store.Release(context.Background(), 9, "w2")
	require.NoError(t, err)
	require.False(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReapStaleUsesCutoff(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobs SET status = 'retry'").
		WithArgs(testNow.Add(-5*time.Minute), testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))

	reaped, err := store.ReapStale(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 4, reaped)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetFailed(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobs SET status = 'pending'").
		WithArgs(testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 12))

	reset, err := store.ResetFailed(context.Background())
	require.NoError(t, err)
	require.Equal(t, 12, reset)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsAggregatesCounts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("pending", int64(100)).
			AddRow("in_progress", int64(8)).
			AddRow("completed", int64(40)).
			AddRow("failed", int64(2)).
			AddRow("retry", int64(5)))
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(8)))

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(100), stats.Pending)
	require.Equal(t, int64(8), stats.InProgress)
	require.Equal(t, int64(40), stats.Completed)
	require.Equal(t, int64(2), stats.Failed)
	require.Equal(t, int64(5), stats.Retry)
	require.Equal(t, int64(8), stats.ActiveWorkers)
	require.Equal(t, int64(155), stats.Total())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionOperations(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO worker_sessions").
		WithArgs("w1", testNow, testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.UpsertSession(ctx, harvest.WorkerSession{
		WorkerID: "w1", StartedAt: testNow, LastActivity: testNow,
	}))

	mock.ExpectExec("UPDATE worker_sessions SET").
		WithArgs("w1", true, testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.RecordOutcome(ctx, "w1", true, testNow))

	mock.ExpectExec("UPDATE worker_sessions SET last_activity").
		WithArgs("w1", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.TouchSession(ctx, "w1", testNow))

	mock.ExpectExec("UPDATE worker_sessions SET active = FALSE").
		WithArgs("w1", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.DeactivateSession(ctx, "w1", testNow))

	mock.ExpectExec("UPDATE worker_sessions SET").
		WithArgs("ghost", false, testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, store.RecordOutcome(ctx, "ghost", false, testNow), harvest.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS jobs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func ptr(s string) *string { return &s }
