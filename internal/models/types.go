package models

import (
	"errors"
	"time"
)

// Workflow statuses
type WorkflowStatus string

const (
	StatusPlanning    WorkflowStatus = "planning"
	StatusDecomposing WorkflowStatus = "decomposing"
	StatusResearching WorkflowStatus = "researching"
	StatusValidating  WorkflowStatus = "validating"
	StatusAssembling  WorkflowStatus = "assembling"
	StatusCompleted   WorkflowStatus = "completed"
	StatusFailed      WorkflowStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s WorkflowStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task statuses
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// Connection relations
type Relation string

const (
	RelationSupports   Relation = "supports"
	RelationContrasts  Relation = "contrasts"
	RelationCorrelates Relation = "correlates"
)

// Page load outcomes reported by the browsing collaborator
const (
	LoadSuccess = "success"
	LoadFailed  = "failed"
)

// Validation criteria
const (
	CriterionFactualAccuracy     = "factual_accuracy"
	CriterionSourceValidity      = "source_validity"
	CriterionContentRelevance    = "content_relevance"
	CriterionInternalConsistency = "internal_consistency"
	CriterionCitationValidity    = "citation_validity"
)

// DefaultCriteria is the rubric used when the caller does not supply one.
var DefaultCriteria = []string{
	CriterionFactualAccuracy,
	CriterionSourceValidity,
	CriterionContentRelevance,
	CriterionInternalConsistency,
	CriterionCitationValidity,
}

var (
	ErrPlanNoSections  = errors.New("plan has no sections")
	ErrPlanNoQuestions = errors.New("plan section has no questions")
	ErrPlanDepth       = errors.New("plan depth out of range")
)

// Question is a single research question inside a plan section
type Question struct {
	Text             string   `json:"text"`
	SuggestedSources []string `json:"suggested_sources"`
	Importance       int      `json:"importance"`
}

// Section groups related questions
type Section struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Order       int        `json:"order"`
	Questions   []Question `json:"questions"`
}

// Plan is the hierarchical decomposition of a research query
type Plan struct {
	ID          string    `json:"id"`
	Objective   string    `json:"objective"`
	Description string    `json:"description"`
	Depth       int       `json:"depth"`
	Sections    []Section `json:"sections"`
}

// Validate checks the structural invariants of a plan.
func (p *Plan) Validate() error {
	if len(p.Sections) == 0 {
		return ErrPlanNoSections
	}
	for _, s := range p.Sections {
		if len(s.Questions) == 0 {
			return ErrPlanNoQuestions
		}
	}
	if p.Depth < 1 || p.Depth > 3 {
		return ErrPlanDepth
	}
	return nil
}

// QuestionCount returns the number of questions across all sections.
func (p *Plan) QuestionCount() int {
	n := 0
	for _, s := range p.Sections {
		n += len(s.Questions)
	}
	return n
}

// Task is one (section, question) unit of research work
type Task struct {
	ID           string     `json:"id"`
	PlanID       string     `json:"plan_id"`
	SectionTitle string     `json:"section_title"`
	Objective    string     `json:"objective"`
	Question     string     `json:"question"`
	Sources      []string   `json:"sources"`
	Importance   int        `json:"importance"`
	Depth        int        `json:"depth"`
	Status       TaskStatus `json:"status"`
}

// KeyPoint is a ranked sentence extracted from content
type KeyPoint struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// SourceAnalysis is the per-source outcome recorded by the executor
type SourceAnalysis struct {
	Title      string     `json:"title"`
	Status     string     `json:"status"`
	Summary    string     `json:"summary,omitempty"`
	KeyPoints  []KeyPoint `json:"key_points,omitempty"`
	Confidence float64    `json:"confidence"`
	Error      string     `json:"error,omitempty"`
}

// ResearchResult is the synthesized answer for one task
type ResearchResult struct {
	TaskID           string                    `json:"task_id"`
	Content          string                    `json:"content"`
	SourcesUsed      []string                  `json:"sources_used"`
	SourcesAnalysis  map[string]SourceAnalysis `json:"sources_analysis"`
	Confidence       float64                   `json:"confidence"`
	CompletionTimeMs int64                     `json:"completion_time_ms"`
}

// ContentMetadata describes one fetched source
type ContentMetadata struct {
	Title       string     `json:"title,omitempty"`
	Author      string     `json:"author,omitempty"`
	Date        *time.Time `json:"date,omitempty"`
	URL         string     `json:"url"`
	ContentType string     `json:"content_type"`
}

// Finding is the structured extraction from one fetched source
type Finding struct {
	Source     string          `json:"source"`
	Metadata   ContentMetadata `json:"metadata"`
	KeyPoints  []KeyPoint      `json:"key_points"`
	Summary    string          `json:"summary,omitempty"`
	Confidence float64         `json:"confidence"`
	RawContent string          `json:"raw_content,omitempty"`
}

// SourceVerdict is the validator's opinion of one cited source
type SourceVerdict struct {
	Source         string  `json:"source"`
	Valid          bool    `json:"valid"`
	RelevanceScore float64 `json:"relevance_score"`
	Comment        string  `json:"comment,omitempty"`
}

// ValidationVerdict is the outcome of validating one research result
type ValidationVerdict struct {
	TaskID          string             `json:"task_id"`
	ContentID       string             `json:"content_id"`
	Passed          bool               `json:"passed"`
	OverallScore    float64            `json:"overall_score"`
	CriteriaScores  map[string]float64 `json:"criteria_scores"`
	Issues          []string           `json:"issues"`
	SourceVerdicts  []SourceVerdict    `json:"source_verdicts"`
	Suggestions     []string           `json:"suggestions"`
	RepairedContent string             `json:"repaired_content,omitempty"`
}

// Connection is an inferred relation between two findings' sources
type Connection struct {
	SourceA     string   `json:"source_a"`
	SourceB     string   `json:"source_b"`
	Relation    Relation `json:"relation"`
	Strength    float64  `json:"strength"`
	Description string   `json:"description"`
}

// WorkflowState is the status record of one run
type WorkflowState struct {
	RunID           string         `json:"run_id"`
	Query           string         `json:"query"`
	Status          WorkflowStatus `json:"status"`
	StepsCompleted  []string       `json:"steps_completed"`
	CurrentTaskID   string         `json:"current_task_id,omitempty"`
	PlanID          string         `json:"plan_id,omitempty"`
	DocumentID      string         `json:"document_id,omitempty"`
	TasksTotal      int            `json:"tasks_total"`
	TasksDone       int            `json:"tasks_done"`
	CancelRequested bool           `json:"cancel_requested,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// Clone returns a copy that shares no mutable memory with s.
func (s WorkflowState) Clone() WorkflowState {
	out := s
	out.StepsCompleted = append([]string(nil), s.StepsCompleted...)
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	return out
}

// RunSummary is the list view of a run
type RunSummary struct {
	RunID     string         `json:"run_id"`
	Query     string         `json:"query"`
	Status    WorkflowStatus `json:"status"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
}

// Summary returns the list view of s.
func (s WorkflowState) Summary() RunSummary {
	c := s.Clone()
	return RunSummary{
		RunID:     c.RunID,
		Query:     c.Query,
		Status:    c.Status,
		StartedAt: c.StartedAt,
		EndedAt:   c.EndedAt,
	}
}

// DocumentMetadata describes an assembled document
type DocumentMetadata struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Authors     []string `json:"authors"`
	Tags        []string `json:"tags"`
	WordCount   int      `json:"word_count"`
	SourceCount int      `json:"source_count"`
}

// DocumentSection is one heading of the assembled document
type DocumentSection struct {
	Title       string            `json:"title"`
	Content     string            `json:"content"`
	Level       int               `json:"level"`
	Subsections []DocumentSection `json:"subsections,omitempty"`
}

// Document is the final output of a completed run
type Document struct {
	ID        string            `json:"id"`
	Metadata  DocumentMetadata  `json:"metadata"`
	Sections  []DocumentSection `json:"sections"`
	Sources   []string          `json:"sources"`
	TaskIDs   []string          `json:"task_ids"`
	Content   string            `json:"content"`
	CreatedAt time.Time         `json:"created_at"`
}

// PageContent is what the browsing collaborator returns for one URL
type PageContent struct {
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	TextContent string     `json:"text_content"`
	RawHTML     string     `json:"raw_html,omitempty"`
	Author      string     `json:"author,omitempty"`
	Date        *time.Time `json:"date,omitempty"`
	LoadStatus  string     `json:"load_status"`
	Error       string     `json:"error,omitempty"`
}

// OK reports whether the page loaded.
func (p PageContent) OK() bool { return p.LoadStatus == LoadSuccess }
