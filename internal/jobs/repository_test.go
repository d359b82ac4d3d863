package jobs

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cofferbank/coffer/internal/database"
	"github.com/cofferbank/coffer/internal/domain"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
		Profile: database.ProfileLedger,
		Name:    "ops",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	return NewRepository(db.Conn(), zerolog.Nop())
}

func TestJobLifecycle(t *testing.T) {
	repo := testRepo(t)

	job, err := repo.Open("tenant-1", "conn-1", "scheduled_sync")
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, job.Status)

	require.NoError(t, repo.Start(job.ID))
	require.NoError(t, repo.Complete(job.ID, Counts{
		Fetched: 10, Processed: 10, Imported: 8, Skipped: 1, Failed: 1,
	}, map[string]any{"pages": 2}))

	got, err := repo.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, 8, got.RecordsImported)
	assert.Equal(t, 1, got.RecordsFailed)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, float64(2), got.Summary["pages"])
}

func TestInvalidTransitionsRefused(t *testing.T) {
	repo := testRepo(t)

	job, err := repo.Open("tenant-1", "conn-1", "scheduled_sync")
	require.NoError(t, err)

	// pending -> completed skips in_progress.
	err = repo.Complete(job.ID, Counts{}, nil)
	assert.Error(t, err)

	require.NoError(t, repo.Start(job.ID))
	require.NoError(t, repo.Complete(job.ID, Counts{}, nil))

	// completed is terminal.
	assert.Error(t, repo.Start(job.ID))
	assert.Error(t, repo.Fail(job.ID, Counts{}, "late failure"))
}

func TestFailFromPendingAndInProgress(t *testing.T) {
	repo := testRepo(t)

	a, err := repo.Open("tenant-1", "conn-1", "scheduled_sync")
	require.NoError(t, err)
	require.NoError(t, repo.Fail(a.ID, Counts{}, "lease acquisition raced"))

	b, err := repo.Open("tenant-1", "conn-1", "scheduled_sync")
	require.NoError(t, err)
	require.NoError(t, repo.Start(b.ID))
	require.NoError(t, repo.Fail(b.ID, Counts{Fetched: 3}, "provider timeout"))

	got, err := repo.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Equal(t, "provider timeout", got.ErrorMessage)
	assert.Equal(t, 3, got.RecordsFetched)
}

func TestSuccessRate(t *testing.T) {
	repo := testRepo(t)

	finish := func(fail bool) {
		job, err := repo.Open("tenant-1", "conn-1", "scheduled_sync")
		require.NoError(t, err)
		require.NoError(t, repo.Start(job.ID))
		if fail {
			require.NoError(t, repo.Fail(job.ID, Counts{}, "boom"))
		} else {
			require.NoError(t, repo.Complete(job.ID, Counts{}, nil))
		}
	}

	// No history yet: new connections start at 1.0.
	rate, err := repo.SuccessRate("conn-1", 20)
	require.NoError(t, err)
	assert.Equal(t, 1.0, rate)

	finish(false)
	finish(false)
	finish(false)
	finish(true)

	rate, err = repo.SuccessRate("conn-1", 20)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, rate, 0.001)
}

func TestRetentionQueries(t *testing.T) {
	repo := testRepo(t)

	old, err := repo.Open("tenant-1", "conn-1", "scheduled_sync")
	require.NoError(t, err)
	require.NoError(t, repo.Start(old.ID))
	require.NoError(t, repo.Complete(old.ID, Counts{}, nil))

	// Age the row past the retention window.
	aged := time.Now().UTC().AddDate(0, 0, -RetentionDays-5).Format(time.RFC3339)
	_, err = repo.db.Exec(`UPDATE ingestion_jobs SET started_at = ? WHERE id = ?`, aged, old.ID)
	require.NoError(t, err)

	fresh, err := repo.Open("tenant-1", "conn-1", "scheduled_sync")
	require.NoError(t, err)
	require.NoError(t, repo.Start(fresh.ID))
	require.NoError(t, repo.Complete(fresh.ID, Counts{}, nil))

	cutoff := time.Now().UTC().AddDate(0, 0, -RetentionDays)
	expired, err := repo.ExpiredBefore(cutoff, 0)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, old.ID, expired[0].ID)

	purged, err := repo.PurgeBefore(cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	remaining, err := repo.Recent(0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, fresh.ID, remaining[0].ID)
}

func TestRecentByConnectionOrdering(t *testing.T) {
	repo := testRepo(t)

	var last string
	for i := 0; i < 3; i++ {
		job, err := repo.Open("tenant-1", "conn-1", "scheduled_sync")
		require.NoError(t, err)
		// Space the rows out so ordering is deterministic.
		ts := time.Now().UTC().Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
		_, err = repo.db.Exec(`UPDATE ingestion_jobs SET started_at = ? WHERE id = ?`, ts, job.ID)
		require.NoError(t, err)
		last = job.ID
	}

	recent, err := repo.RecentByConnection("conn-1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, last, recent[0].ID)
}
