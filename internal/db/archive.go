package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/metrics"
	"github.com/Kocoro-lab/research-orchestrator/internal/models"
)

// ErrNotFound is returned when no row matches.
var ErrNotFound = errors.New("not found in archive")

var schemas = map[string][]string{
	DriverPostgres: {
		`CREATE TABLE IF NOT EXISTS research_runs (
			run_id          TEXT PRIMARY KEY,
			query           TEXT NOT NULL,
			status          TEXT NOT NULL,
			steps_completed JSONB NOT NULL DEFAULT '[]',
			plan_id         TEXT NOT NULL DEFAULT '',
			document_id     TEXT NOT NULL DEFAULT '',
			tasks_total     INTEGER NOT NULL DEFAULT 0,
			tasks_done      INTEGER NOT NULL DEFAULT 0,
			error_message   TEXT NOT NULL DEFAULT '',
			started_at      TIMESTAMPTZ NOT NULL,
			ended_at        TIMESTAMPTZ,
			updated_at      TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_research_runs_started_at ON research_runs (started_at DESC)`,
		`CREATE TABLE IF NOT EXISTS research_documents (
			run_id      TEXT PRIMARY KEY REFERENCES research_runs (run_id) ON DELETE CASCADE,
			document_id TEXT NOT NULL,
			metadata    JSONB NOT NULL,
			sections    JSONB NOT NULL,
			sources     JSONB NOT NULL,
			task_ids    JSONB NOT NULL,
			content     TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL
		)`,
	},
	// TIMESTAMP is the declared type go-sqlite3 parses back into time.Time.
	DriverSQLite: {
		`CREATE TABLE IF NOT EXISTS research_runs (
			run_id          TEXT PRIMARY KEY,
			query           TEXT NOT NULL,
			status          TEXT NOT NULL,
			steps_completed TEXT NOT NULL DEFAULT '[]',
			plan_id         TEXT NOT NULL DEFAULT '',
			document_id     TEXT NOT NULL DEFAULT '',
			tasks_total     INTEGER NOT NULL DEFAULT 0,
			tasks_done      INTEGER NOT NULL DEFAULT 0,
			error_message   TEXT NOT NULL DEFAULT '',
			started_at      TIMESTAMP NOT NULL,
			ended_at        TIMESTAMP,
			updated_at      TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_research_runs_started_at ON research_runs (started_at DESC)`,
		`CREATE TABLE IF NOT EXISTS research_documents (
			run_id      TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			metadata    TEXT NOT NULL,
			sections    TEXT NOT NULL,
			sources     TEXT NOT NULL,
			task_ids    TEXT NOT NULL,
			content     TEXT NOT NULL,
			created_at  TIMESTAMP NOT NULL
		)`,
	},
}

const upsertRunSQL = `
INSERT INTO research_runs (
	run_id, query, status, steps_completed, plan_id, document_id,
	tasks_total, tasks_done, error_message, started_at, ended_at, updated_at
) VALUES (
	:run_id, :query, :status, :steps_completed, :plan_id, :document_id,
	:tasks_total, :tasks_done, :error_message, :started_at, :ended_at, :updated_at
)
ON CONFLICT (run_id) DO UPDATE SET
	status = EXCLUDED.status,
	steps_completed = EXCLUDED.steps_completed,
	plan_id = EXCLUDED.plan_id,
	document_id = EXCLUDED.document_id,
	tasks_total = EXCLUDED.tasks_total,
	tasks_done = EXCLUDED.tasks_done,
	error_message = EXCLUDED.error_message,
	ended_at = EXCLUDED.ended_at,
	updated_at = EXCLUDED.updated_at`

const upsertDocumentSQL = `
INSERT INTO research_documents (
	run_id, document_id, metadata, sections, sources, task_ids, content, created_at
) VALUES (
	:run_id, :document_id, :metadata, :sections, :sources, :task_ids, :content, :created_at
)
ON CONFLICT (run_id) DO UPDATE SET
	document_id = EXCLUDED.document_id,
	metadata = EXCLUDED.metadata,
	sections = EXCLUDED.sections,
	sources = EXCLUDED.sources,
	task_ids = EXCLUDED.task_ids,
	content = EXCLUDED.content,
	created_at = EXCLUDED.created_at`

const runColumns = `run_id, query, status, steps_completed, plan_id, document_id,
	tasks_total, tasks_done, error_message, started_at, ended_at, updated_at`

// Migrate creates the archive tables if they do not exist.
func (c *Client) Migrate(ctx context.Context) error {
	driver := c.db.DB().DriverName()
	stmts, ok := schemas[driver]
	if !ok {
		return fmt.Errorf("no schema for driver %q", driver)
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate archive schema: %w", err)
		}
	}
	return nil
}

// UpsertRun writes state, replacing any previous snapshot of the run.
func (c *Client) UpsertRun(ctx context.Context, state models.WorkflowState) error {
	if state.RunID == "" {
		return errors.New("run id is required")
	}
	rec := NewRunRecord(state, time.Now())
	if _, err := c.db.NamedExecContext(ctx, upsertRunSQL, rec); err != nil {
		c.recordWrite("error")
		return fmt.Errorf("failed to save run %s: %w", state.RunID, err)
	}
	c.recordWrite("ok")
	return nil
}

// UpsertDocument writes the document of runID.
func (c *Client) UpsertDocument(ctx context.Context, runID string, doc *models.Document) error {
	if doc == nil {
		return nil
	}
	rec := NewDocumentRecord(runID, *doc)
	if _, err := c.db.NamedExecContext(ctx, upsertDocumentSQL, rec); err != nil {
		c.recordWrite("error")
		return fmt.Errorf("failed to save document for run %s: %w", runID, err)
	}
	c.recordWrite("ok")
	c.logger.Debug("Archived document",
		zap.String("run_id", runID),
		zap.String("document_id", doc.ID),
	)
	return nil
}

// GetRun returns the archived snapshot of runID.
func (c *Client) GetRun(ctx context.Context, runID string) (models.WorkflowState, error) {
	var rec RunRecord
	q := c.db.Rebind(`SELECT ` + runColumns + ` FROM research_runs WHERE run_id = ?`)
	if err := c.db.GetContext(ctx, &rec, q, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.WorkflowState{}, ErrNotFound
		}
		return models.WorkflowState{}, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return rec.State(), nil
}

// ListRuns returns up to limit runs, newest first. A non-positive limit
// means 100.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]models.RunSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []RunRecord
	q := c.db.Rebind(`SELECT ` + runColumns + ` FROM research_runs ORDER BY started_at DESC, run_id LIMIT ?`)
	if err := c.db.SelectContext(ctx, &recs, q, limit); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	out := make([]models.RunSummary, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.State().Summary())
	}
	return out, nil
}

// GetDocument returns the archived document of runID.
func (c *Client) GetDocument(ctx context.Context, runID string) (*models.Document, error) {
	var rec DocumentRecord
	q := c.db.Rebind(`SELECT run_id, document_id, metadata, sections, sources, task_ids, content, created_at
		FROM research_documents WHERE run_id = ?`)
	if err := c.db.GetContext(ctx, &rec, q, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load document for run %s: %w", runID, err)
	}
	doc := rec.Document()
	return &doc, nil
}

// DeleteRun removes a run and its document.
func (c *Client) DeleteRun(ctx context.Context, runID string) error {
	if _, err := c.db.ExecContext(ctx, c.db.Rebind(`DELETE FROM research_documents WHERE run_id = ?`), runID); err != nil {
		return fmt.Errorf("failed to delete document for run %s: %w", runID, err)
	}
	if _, err := c.db.ExecContext(ctx, c.db.Rebind(`DELETE FROM research_runs WHERE run_id = ?`), runID); err != nil {
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}
	return nil
}

func (c *Client) recordWrite(status string) {
	metrics.SnapshotWrites.WithLabelValues(c.db.DB().DriverName(), status).Inc()
}
