package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Kocoro-lab/research-orchestrator/internal/models"
)

// JSONList is a string list stored as a JSON text column
type JSONList []string

// Value implements the driver.Valuer interface
func (l JSONList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (l *JSONList) Scan(value interface{}) error {
	raw, err := scanBytes(value)
	if err != nil || raw == nil {
		*l = nil
		return err
	}
	return json.Unmarshal(raw, (*[]string)(l))
}

// JSONMetadata stores document metadata as JSON text
type JSONMetadata models.DocumentMetadata

// Value implements the driver.Valuer interface
func (m JSONMetadata) Value() (driver.Value, error) {
	b, err := json.Marshal(models.DocumentMetadata(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (m *JSONMetadata) Scan(value interface{}) error {
	raw, err := scanBytes(value)
	if err != nil || raw == nil {
		*m = JSONMetadata{}
		return err
	}
	return json.Unmarshal(raw, (*models.DocumentMetadata)(m))
}

// JSONSections stores the document outline as JSON text
type JSONSections []models.DocumentSection

// Value implements the driver.Valuer interface
func (s JSONSections) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]models.DocumentSection(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (s *JSONSections) Scan(value interface{}) error {
	raw, err := scanBytes(value)
	if err != nil || raw == nil {
		*s = nil
		return err
	}
	return json.Unmarshal(raw, (*[]models.DocumentSection)(s))
}

// Postgres hands back []byte, SQLite may hand back string.
func scanBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("cannot scan %T into JSON column", value)
	}
}

// RunRecord is one row of research_runs
type RunRecord struct {
	RunID          string     `db:"run_id"`
	Query          string     `db:"query"`
	Status         string     `db:"status"`
	StepsCompleted JSONList   `db:"steps_completed"`
	PlanID         string     `db:"plan_id"`
	DocumentID     string     `db:"document_id"`
	TasksTotal     int        `db:"tasks_total"`
	TasksDone      int        `db:"tasks_done"`
	Error          string     `db:"error_message"`
	StartedAt      time.Time  `db:"started_at"`
	EndedAt        *time.Time `db:"ended_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// NewRunRecord converts a run snapshot into a row.
func NewRunRecord(state models.WorkflowState, now time.Time) RunRecord {
	s := state.Clone()
	return RunRecord{
		RunID:          s.RunID,
		Query:          s.Query,
		Status:         string(s.Status),
		StepsCompleted: JSONList(s.StepsCompleted),
		PlanID:         s.PlanID,
		DocumentID:     s.DocumentID,
		TasksTotal:     s.TasksTotal,
		TasksDone:      s.TasksDone,
		Error:          s.Error,
		StartedAt:      s.StartedAt.UTC(),
		EndedAt:        utcPtr(s.EndedAt),
		UpdatedAt:      now.UTC(),
	}
}

// State converts the row back into a run snapshot. Fields that are only
// meaningful while the run is live, such as the current task, are empty.
func (r RunRecord) State() models.WorkflowState {
	return models.WorkflowState{
		RunID:          r.RunID,
		Query:          r.Query,
		Status:         models.WorkflowStatus(r.Status),
		StepsCompleted: append([]string{}, r.StepsCompleted...),
		PlanID:         r.PlanID,
		DocumentID:     r.DocumentID,
		TasksTotal:     r.TasksTotal,
		TasksDone:      r.TasksDone,
		Error:          r.Error,
		StartedAt:      r.StartedAt,
		EndedAt:        r.EndedAt,
	}
}

// DocumentRecord is one row of research_documents
type DocumentRecord struct {
	RunID      string       `db:"run_id"`
	DocumentID string       `db:"document_id"`
	Metadata   JSONMetadata `db:"metadata"`
	Sections   JSONSections `db:"sections"`
	Sources    JSONList     `db:"sources"`
	TaskIDs    JSONList     `db:"task_ids"`
	Content    string       `db:"content"`
	CreatedAt  time.Time    `db:"created_at"`
}

// NewDocumentRecord converts doc into a row owned by runID.
func NewDocumentRecord(runID string, doc models.Document) DocumentRecord {
	return DocumentRecord{
		RunID:      runID,
		DocumentID: doc.ID,
		Metadata:   JSONMetadata(doc.Metadata),
		Sections:   JSONSections(doc.Sections),
		Sources:    JSONList(doc.Sources),
		TaskIDs:    JSONList(doc.TaskIDs),
		Content:    doc.Content,
		CreatedAt:  doc.CreatedAt.UTC(),
	}
}

// Document converts the row back into a document.
func (r DocumentRecord) Document() models.Document {
	return models.Document{
		ID:        r.DocumentID,
		Metadata:  models.DocumentMetadata(r.Metadata),
		Sections:  []models.DocumentSection(r.Sections),
		Sources:   []string(r.Sources),
		TaskIDs:   []string(r.TaskIDs),
		Content:   r.Content,
		CreatedAt: r.CreatedAt,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
