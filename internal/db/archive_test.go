package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/research-orchestrator/internal/models"
)

func openSQLite(t *testing.T) *Client {
	t.Helper()
	c, err := Open(context.Background(), Config{Driver: DriverSQLite, DSN: ":memory:"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func sampleState(id string, started time.Time) models.WorkflowState {
	return models.WorkflowState{
		RunID:          id,
		Query:          "EU cybersecurity policy",
		Status:         models.StatusResearching,
		StepsCompleted: []string{"planning", "decomposing"},
		PlanID:         "plan-1",
		TasksTotal:     3,
		TasksDone:      1,
		StartedAt:      started,
	}
}

func TestUpsertRunRoundTrip(t *testing.T) {
	c := openSQLite(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	state := sampleState("run-1", started)
	require.NoError(t, c.UpsertRun(ctx, state))

	got, err := c.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusResearching, got.Status)
	assert.Equal(t, []string{"planning", "decomposing"}, got.StepsCompleted)
	assert.Equal(t, 3, got.TasksTotal)
	assert.True(t, started.Equal(got.StartedAt))
	assert.Nil(t, got.EndedAt)

	ended := started.Add(time.Minute)
	state.Status = models.StatusCompleted
	state.StepsCompleted = append(state.StepsCompleted, "researching", "validating", "assembling")
	state.DocumentID = "doc-1"
	state.EndedAt = &ended
	require.NoError(t, c.UpsertRun(ctx, state))

	got, err = c.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Len(t, got.StepsCompleted, 5)
	assert.Equal(t, "doc-1", got.DocumentID)
	require.NotNil(t, got.EndedAt)
	assert.True(t, ended.Equal(*got.EndedAt))
}

func TestGetRunNotFound(t *testing.T) {
	c := openSQLite(t)
	_, err := c.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.GetDocument(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertRunRequiresID(t *testing.T) {
	c := openSQLite(t)
	assert.Error(t, c.UpsertRun(context.Background(), models.WorkflowState{}))
}

func TestListRunsNewestFirst(t *testing.T) {
	c := openSQLite(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, c.UpsertRun(ctx, sampleState(id, base.Add(time.Duration(i)*time.Hour))))
	}

	runs, err := c.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].RunID)
	assert.Equal(t, "b", runs[1].RunID)
}

func TestDocumentRoundTrip(t *testing.T) {
	c := openSQLite(t)
	ctx := context.Background()
	require.NoError(t, c.UpsertRun(ctx, sampleState("run-1", time.Now())))

	doc := &models.Document{
		ID: "doc-1",
		Metadata: models.DocumentMetadata{
			Title:       "EU cybersecurity policy",
			Tags:        []string{"eu", "policy"},
			WordCount:   420,
			SourceCount: 2,
		},
		Sections: []models.DocumentSection{
			{Title: "Introduction", Content: "Intro text", Level: 1},
			{Title: "Framework", Content: "NIS2", Level: 1, Subsections: []models.DocumentSection{
				{Title: "Scope", Content: "Essential entities", Level: 2},
			}},
		},
		Sources:   []string{"https://europa.eu/a", "https://enisa.europa.eu/b"},
		TaskIDs:   []string{"t1", "t2"},
		Content:   "# EU cybersecurity policy\n",
		CreatedAt: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}
	require.NoError(t, c.UpsertDocument(ctx, "run-1", doc))

	got, err := c.GetDocument(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)
	assert.Equal(t, doc.Metadata, got.Metadata)
	assert.Equal(t, doc.Sections, got.Sections)
	assert.Equal(t, doc.Sources, got.Sources)
	assert.Equal(t, doc.TaskIDs, got.TaskIDs)
	assert.Equal(t, doc.Content, got.Content)

	require.NoError(t, c.DeleteRun(ctx, "run-1"))
	_, err = c.GetDocument(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecorderWritesThroughQueue(t *testing.T) {
	c, err := Open(context.Background(), Config{Driver: DriverSQLite, DSN: ":memory:", Workers: 1}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.SaveRun(ctx, sampleState("run-q", time.Now())))
	require.NoError(t, c.SaveDocument(ctx, "run-q", &models.Document{ID: "doc-q", CreatedAt: time.Now()}))
	require.NoError(t, c.SaveDocument(ctx, "run-q", nil))

	assert.Eventually(t, func() bool {
		doc, err := c.GetDocument(ctx, "run-q")
		return err == nil && doc.ID == "doc-q"
	}, 2*time.Second, 10*time.Millisecond)

	got, err := c.GetRun(ctx, "run-q")
	require.NoError(t, err)
	assert.Equal(t, "plan-1", got.PlanID)
}

func TestQueueWriteReportsErrorsToCallback(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	c := NewWithDB(sqlx.NewDb(mockDB, "sqlmock"), 1, 1, zaptest.NewLogger(t))

	mock.ExpectExec("INSERT INTO research_runs").WillReturnError(errors.New("disk full"))

	done := make(chan error, 1)
	c.QueueWrite(WriteTypeRun, sampleState("run-x", time.Now()), func(err error) { done <- err })

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
	case <-time.After(2 * time.Second):
		t.Fatal("write callback not called")
	}

	mock.ExpectClose()
	require.NoError(t, c.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunPropagatesQueryErrors(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	c := NewWithDB(sqlx.NewDb(mockDB, "sqlmock"), 1, 1, zaptest.NewLogger(t))
	defer c.Close()

	mock.ExpectQuery("FROM research_runs WHERE run_id").
		WithArgs("run-1").
		WillReturnError(errors.New("connection reset"))

	_, err = c.GetRun(context.Background(), "run-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mysql"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	c := openSQLite(t)
	assert.NoError(t, c.Migrate(context.Background()))
}
