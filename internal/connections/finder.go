// Package connections detects relations between findings gathered from
// different sources.
package connections

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/models"
)

const (
	contrastStrength  = 0.7
	minCommonTerms    = 3
	maxDescribedTerms = 3
)

type antonymPair struct {
	a, b string
}

var antonymPairs = []antonymPair{
	{"increase", "decrease"},
	{"growth", "decline"},
	{"positive", "negative"},
	{"support", "oppose"},
	{"agree", "disagree"},
	{"benefit", "harm"},
	{"advantage", "disadvantage"},
}

var termPattern = regexp.MustCompile(`\b[A-Za-z]{4,}\b`)

// Finder compares findings pairwise.
type Finder struct {
	logger *zap.Logger
}

// NewFinder creates a Finder. A nil logger is replaced with a no-op logger.
func NewFinder(logger *zap.Logger) *Finder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Finder{logger: logger}
}

// FindConnections inspects every unordered pair (i<j) once. A pair may yield
// both a contrast and a support connection.
func (f *Finder) FindConnections(findings []models.Finding) []models.Connection {
	var out []models.Connection
	for i := 0; i < len(findings); i++ {
		for j := i + 1; j < len(findings); j++ {
			a, b := findings[i], findings[j]
			if c, ok := contrast(a, b); ok {
				out = append(out, c)
			}
			if c, ok := support(a, b); ok {
				out = append(out, c)
			}
		}
	}
	f.logger.Debug("Connections found",
		zap.Int("findings", len(findings)),
		zap.Int("connections", len(out)),
	)
	return out
}

func contrast(a, b models.Finding) (models.Connection, bool) {
	sa := strings.ToLower(a.Summary)
	sb := strings.ToLower(b.Summary)
	if sa == "" || sb == "" {
		return models.Connection{}, false
	}
	for _, p := range antonymPairs {
		if (strings.Contains(sa, p.a) && strings.Contains(sb, p.b)) ||
			(strings.Contains(sa, p.b) && strings.Contains(sb, p.a)) {
			return models.Connection{
				SourceA:     a.Source,
				SourceB:     b.Source,
				Relation:    models.RelationContrasts,
				Strength:    contrastStrength,
				Description: fmt.Sprintf("Contrasting views on %s/%s", p.a, p.b),
			}, true
		}
	}
	return models.Connection{}, false
}

func support(a, b models.Finding) (models.Connection, bool) {
	ta := keyPointTerms(a.KeyPoints)
	tb := keyPointTerms(b.KeyPoints)

	var common []string
	for t := range ta {
		if _, ok := tb[t]; ok {
			common = append(common, t)
		}
	}
	if len(common) < minCommonTerms {
		return models.Connection{}, false
	}
	sort.Strings(common)

	strength := 0.4 + 0.1*float64(len(common))
	if strength > 1.0 {
		strength = 1.0
	}
	described := common
	if len(described) > maxDescribedTerms {
		described = described[:maxDescribedTerms]
	}
	return models.Connection{
		SourceA:     a.Source,
		SourceB:     b.Source,
		Relation:    models.RelationSupports,
		Strength:    strength,
		Description: "Supporting evidence on " + strings.Join(described, ", "),
	}, true
}

func keyPointTerms(points []models.KeyPoint) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, p := range points {
		for _, t := range termPattern.FindAllString(strings.ToLower(p.Text), -1) {
			terms[t] = struct{}{}
		}
	}
	return terms
}
