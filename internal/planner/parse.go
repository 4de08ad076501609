package planner

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Kocoro-lab/research-orchestrator/internal/models"
)

// SchemaError describes a model reply that is not a valid plan.
type SchemaError struct {
	Raw    string
	Reason string
}

func (e *SchemaError) Error() string {
	return "plan schema error: " + e.Reason
}

// ParseResult is either a Plan or a SchemaError, never both.
type ParseResult struct {
	Plan models.Plan
	Err  *SchemaError
}

type wireQuestion struct {
	Question   string   `json:"question"`
	Sources    []string `json:"sources"`
	Importance int      `json:"importance"`
}

type wireSection struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Order       int            `json:"order"`
	Questions   []wireQuestion `json:"questions"`
}

type wirePlan struct {
	Objective   string        `json:"objective"`
	Description string        `json:"description"`
	Depth       int           `json:"depth"`
	Sections    []wireSection `json:"sections"`
}

// ParsePlan strictly decodes raw as a plan object. Surrounding prose, wrong
// field types, missing importance and out-of-range values are all schema
// errors; RepairPlan handles those.
func ParsePlan(raw string) ParseResult {
	fail := func(format string, args ...any) ParseResult {
		return ParseResult{Err: &SchemaError{Raw: raw, Reason: fmt.Sprintf(format, args...)}}
	}

	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(raw)))
	var w wirePlan
	if err := dec.Decode(&w); err != nil {
		return fail("decode: %v", err)
	}
	if dec.More() {
		return fail("trailing data after plan object")
	}

	plan := models.Plan{
		Objective:   w.Objective,
		Description: w.Description,
		Depth:       w.Depth,
	}
	for i, s := range w.Sections {
		sec := models.Section{
			Title:       s.Title,
			Description: s.Description,
			Order:       s.Order,
		}
		if sec.Order == 0 {
			sec.Order = i + 1
		}
		for j, q := range s.Questions {
			if strings.TrimSpace(q.Question) == "" {
				return fail("section %d question %d has no text", i, j)
			}
			if q.Importance < 1 || q.Importance > 10 {
				return fail("section %d question %d importance %d out of range", i, j, q.Importance)
			}
			sec.Questions = append(sec.Questions, models.Question{
				Text:             q.Question,
				SuggestedSources: q.Sources,
				Importance:       q.Importance,
			})
		}
		plan.Sections = append(plan.Sections, sec)
	}
	if err := plan.Validate(); err != nil {
		return fail("%v", err)
	}
	return ParseResult{Plan: plan}
}

var errNoPlanObject = errors.New("no JSON object found")

// RepairPlan coerces a loosely shaped plan into a valid one. value may be
// the raw model text (a JSON object is extracted from surrounding prose),
// raw bytes, or an already decoded map. Single strings become lists,
// missing importance defaults to 5, importance is clamped to 1-10, depth
// to 1-3, orders are reassigned and empty questions are dropped.
func RepairPlan(value any) (models.Plan, error) {
	obj, err := toObject(value)
	if err != nil {
		return models.Plan{}, err
	}
	if inner, ok := obj["plan"].(map[string]any); ok {
		obj = inner
	}

	plan := models.Plan{
		Objective:   stringField(obj, "objective"),
		Description: stringField(obj, "description"),
		Depth:       clampInt(intField(obj, 2, "depth"), 1, 3),
	}

	for _, rawSection := range asList(obj["sections"]) {
		sm, ok := rawSection.(map[string]any)
		if !ok {
			continue
		}
		sec := models.Section{
			Title:       stringField(sm, "title"),
			Description: stringField(sm, "description"),
		}
		for _, rawQuestion := range asList(sm["questions"]) {
			if q, ok := coerceQuestion(rawQuestion); ok {
				sec.Questions = append(sec.Questions, q)
			}
		}
		if len(sec.Questions) == 0 {
			continue
		}
		sec.Order = len(plan.Sections) + 1
		plan.Sections = append(plan.Sections, sec)
	}

	if err := plan.Validate(); err != nil {
		return models.Plan{}, fmt.Errorf("repair plan: %w", err)
	}
	return plan, nil
}

func toObject(value any) (map[string]any, error) {
	switch v := value.(type) {
	case map[string]any:
		return v, nil
	case []byte:
		return extractObject(string(v))
	case string:
		return extractObject(v)
	default:
		return nil, fmt.Errorf("repair plan: unsupported input %T", value)
	}
}

// extractObject decodes the span from the first '{' to the last '}'.
func extractObject(text string) (map[string]any, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, errNoPlanObject
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(text[start : end+1])))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("repair plan: %w", err)
	}
	return obj, nil
}

func coerceQuestion(raw any) (models.Question, bool) {
	var q models.Question
	switch v := raw.(type) {
	case string:
		q.Text = strings.TrimSpace(v)
		q.Importance = defaultImportance
	case map[string]any:
		q.Text = strings.TrimSpace(stringField(v, "question", "text"))
		q.Importance = clampInt(intField(v, defaultImportance, "importance"), 1, 10)
		src, ok := v["sources"]
		if !ok {
			src = v["suggested_sources"]
		}
		for _, s := range asList(src) {
			if str, ok := s.(string); ok && strings.TrimSpace(str) != "" {
				q.SuggestedSources = append(q.SuggestedSources, strings.TrimSpace(str))
			}
		}
	default:
		return q, false
	}
	return q, q.Text != ""
}

// asList wraps a lone value in a slice; nil stays empty.
func asList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	default:
		return []any{t}
	}
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			return s
		}
	}
	return ""
}

func intField(m map[string]any, def int, keys ...string) int {
	for _, k := range keys {
		switch v := m[k].(type) {
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return int(math.Round(f))
			}
		case float64:
			return int(math.Round(v))
		case int:
			return v
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n
			}
		}
	}
	return def
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
