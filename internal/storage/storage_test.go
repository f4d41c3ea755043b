package storage_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glazeworks/kiln/internal/model"
	"github.com/glazeworks/kiln/internal/pagination"
	"github.com/glazeworks/kiln/internal/storage"
	"github.com/glazeworks/kiln/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func createTestJob(t *testing.T, parentID string) model.Job {
	t.Helper()
	job, err := testDB.CreateJob(context.Background(), model.CreateJobRequest{
		ParentID:   parentID,
		OwnerID:    "owner-1",
		ProducerID: "sdxl",
		Prompt:     "a ceramic kiln at dusk",
		Params:     map[string]any{"steps": 30},
	})
	require.NoError(t, err)
	return job
}

func TestCreateAndGetJob(t *testing.T) {
	ctx := context.Background()
	job := createTestJob(t, "col-"+uuid.NewString())

	got, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.ParentID, got.ParentID)
	assert.Equal(t, "sdxl", got.ProducerID)
	assert.Equal(t, model.JobStatusQueued, got.Status)
	assert.Equal(t, float64(30), got.Params["steps"])
	assert.Nil(t, got.Error)
}

func TestGetJobNotFound(t *testing.T) {
	_, err := testDB.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestJobTransitions(t *testing.T) {
	ctx := context.Background()
	job := createTestJob(t, "col-"+uuid.NewString())

	require.NoError(t, testDB.MarkJobProcessing(ctx, job.ID))

	// Already processing: a second mark is rejected.
	err := testDB.MarkJobProcessing(ctx, job.ID)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	require.NoError(t, testDB.CompleteJob(ctx, job.ID))

	// Terminal states are never overwritten.
	assert.ErrorIs(t, testDB.FailJob(ctx, job.ID, "late failure"), storage.ErrInvalidTransition)
	assert.ErrorIs(t, testDB.CompleteJob(ctx, job.ID), storage.ErrInvalidTransition)

	got, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
}

func TestFailJobFromQueued(t *testing.T) {
	ctx := context.Background()
	job := createTestJob(t, "col-"+uuid.NewString())

	require.NoError(t, testDB.FailJob(ctx, job.ID, "producer unavailable"))

	got, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "producer unavailable", *got.Error)
}

func TestUpdateJobDebug(t *testing.T) {
	ctx := context.Background()
	job := createTestJob(t, "col-"+uuid.NewString())
	require.NoError(t, testDB.MarkJobProcessing(ctx, job.ID))

	before, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)

	now := time.Now().UTC()
	debug := model.DebugRecord{
		LastHeartbeatAt: &now,
		LastStep:        "render",
		Logs:            []string{"step 1/30"},
	}
	require.NoError(t, testDB.UpdateJobDebug(ctx, job.ID, debug))

	got, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "render", got.Debug.LastStep)
	assert.Equal(t, []string{"step 1/30"}, got.Debug.Logs)
	// Heartbeats float the job in the pagination order.
	assert.True(t, got.UpdatedAt.After(before.UpdatedAt))

	// Frozen once terminal: the write no-ops without error.
	require.NoError(t, testDB.CompleteJob(ctx, job.ID))
	debug.LastStep = "late"
	require.NoError(t, testDB.UpdateJobDebug(ctx, job.ID, debug))

	got, err = testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "render", got.Debug.LastStep)
}

func TestOutputs(t *testing.T) {
	ctx := context.Background()
	job := createTestJob(t, "col-"+uuid.NewString())

	width, height := 512, 768
	created, err := testDB.CreateOutputs(ctx, job.ID, []model.Output{
		{URL: "https://cdn.example.com/a.png", Kind: "image", Width: &width, Height: &height},
		{URL: "https://cdn.example.com/b.png", Kind: "image", Width: &width, Height: &height},
	})
	require.NoError(t, err)
	require.Len(t, created, 2)
	for _, out := range created {
		assert.NotEqual(t, uuid.Nil, out.ID)
		assert.Equal(t, job.ID, out.JobID)
	}

	listed, err := testDB.ListOutputsByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	count, err := testDB.CountOutputsByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestOutputsEmptyForUnknownJob(t *testing.T) {
	ctx := context.Background()

	listed, err := testDB.ListOutputsByJob(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, listed)

	count, err := testDB.CountOutputsByJob(ctx, uuid.New())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestListJobsPageWalk(t *testing.T) {
	ctx := context.Background()
	parentID := "col-" + uuid.NewString()

	// Spaced inserts so updated_at ordering is deterministic.
	var ids []uuid.UUID
	for range 5 {
		job := createTestJob(t, parentID)
		ids = append(ids, job.ID)
		time.Sleep(5 * time.Millisecond)
	}

	// Page size 2 over 5 jobs: pages of 2, 2, 1.
	page1, err := testDB.ListJobsPage(ctx, parentID, nil, 2)
	require.NoError(t, err)
	require.Len(t, page1.Data, 2)
	assert.True(t, page1.HasMore)
	require.NotNil(t, page1.NextCursor)

	// Most recently updated first.
	assert.Equal(t, ids[4], page1.Data[0].ID)
	assert.Equal(t, ids[3], page1.Data[1].ID)

	cursor, err := pagination.Decode(*page1.NextCursor, parentID)
	require.NoError(t, err)
	page2, err := testDB.ListJobsPage(ctx, parentID, &cursor, 2)
	require.NoError(t, err)
	require.Len(t, page2.Data, 2)
	assert.True(t, page2.HasMore)
	require.NotNil(t, page2.NextCursor)

	cursor, err = pagination.Decode(*page2.NextCursor, parentID)
	require.NoError(t, err)
	page3, err := testDB.ListJobsPage(ctx, parentID, &cursor, 2)
	require.NoError(t, err)
	require.Len(t, page3.Data, 1)
	assert.False(t, page3.HasMore)
	assert.Nil(t, page3.NextCursor)

	// Full scan covers every job exactly once with non-increasing keys.
	seen := make(map[uuid.UUID]bool)
	var prev *model.Job
	for _, page := range []model.JobPage{page1, page2, page3} {
		for i := range page.Data {
			j := page.Data[i]
			assert.False(t, seen[j.ID], "job %s returned twice", j.ID)
			seen[j.ID] = true
			if prev != nil {
				assert.False(t, j.UpdatedAt.After(prev.UpdatedAt),
					"pagination keys must be non-increasing")
			}
			prev = &j
		}
	}
	assert.Len(t, seen, 5)
}

func TestListJobsPageRepeatableWithoutMutation(t *testing.T) {
	ctx := context.Background()
	parentID := "col-" + uuid.NewString()

	for range 5 {
		createTestJob(t, parentID)
		time.Sleep(5 * time.Millisecond)
	}

	// With no intervening mutation, the same query is a pure function of
	// (parent, cursor, limit): repeating it returns an identical page,
	// cursor included.
	head1, err := testDB.ListJobsPage(ctx, parentID, nil, 2)
	require.NoError(t, err)
	head2, err := testDB.ListJobsPage(ctx, parentID, nil, 2)
	require.NoError(t, err)
	assert.Equal(t, head1, head2)

	require.NotNil(t, head1.NextCursor)
	cursor, err := pagination.Decode(*head1.NextCursor, parentID)
	require.NoError(t, err)

	mid1, err := testDB.ListJobsPage(ctx, parentID, &cursor, 2)
	require.NoError(t, err)
	mid2, err := testDB.ListJobsPage(ctx, parentID, &cursor, 2)
	require.NoError(t, err)
	assert.Equal(t, mid1, mid2)

	// The repeat returned the same window, not the same bytes by luck.
	require.Len(t, mid1.Data, 2)
	assert.NotEqual(t, head1.Data[0].ID, mid1.Data[0].ID)
}

func TestListJobsPageStableUnderUpdates(t *testing.T) {
	ctx := context.Background()
	parentID := "col-" + uuid.NewString()

	for range 6 {
		createTestJob(t, parentID)
		time.Sleep(5 * time.Millisecond)
	}

	page1, err := testDB.ListJobsPage(ctx, parentID, nil, 2)
	require.NoError(t, err)
	require.Len(t, page1.Data, 2)
	require.NotNil(t, page1.NextCursor)

	// Touch an already-seen job between page fetches. Its key moves above
	// the cursor, so it must not reappear in later pages.
	touched := page1.Data[0].ID
	require.NoError(t, testDB.FailJob(ctx, touched, "cancelled"))

	seen := map[uuid.UUID]bool{page1.Data[0].ID: true, page1.Data[1].ID: true}
	token := page1.NextCursor
	for token != nil {
		cursor, err := pagination.Decode(*token, parentID)
		require.NoError(t, err)
		page, err := testDB.ListJobsPage(ctx, parentID, &cursor, 2)
		require.NoError(t, err)
		for _, j := range page.Data {
			assert.False(t, seen[j.ID], "job %s returned twice after concurrent update", j.ID)
			seen[j.ID] = true
		}
		token = page.NextCursor
	}
	assert.Len(t, seen, 6)
}

func TestListJobsPageEmptyParent(t *testing.T) {
	page, err := testDB.ListJobsPage(context.Background(), "col-"+uuid.NewString(), nil, 20)
	require.NoError(t, err)
	assert.Empty(t, page.Data)
	assert.False(t, page.HasMore)
	assert.Nil(t, page.NextCursor)
}

func TestNotifyRoundtrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, testDB.Listen(ctx, storage.ChannelJobs))

	ev := model.ChangeEvent{
		ParentID:   "col-notify",
		EntityKind: model.EntityJob,
		EventKind:  model.EventUpdate,
		EntityID:   uuid.New(),
	}
	require.NoError(t, testDB.NotifyChange(ctx, ev))

	channel, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelJobs, channel)
	assert.Contains(t, payload, `"parent_id":"col-notify"`)
	assert.Contains(t, payload, string(ev.EntityID.String()))
}

func TestErrorWrappingRetainsSentinels(t *testing.T) {
	_, err := testDB.GetJob(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	assert.Contains(t, err.Error(), "storage:")
}
