// Package browser fetches pages and extracts their readable content.
package browser

import (
	"context"

	"github.com/Kocoro-lab/research-orchestrator/internal/models"
)

// Browser opens run-scoped sessions.
type Browser interface {
	NewSession(ctx context.Context) (Session, error)
}

// Session fetches pages. FetchAndExtract never returns an error; failures
// are reported through PageContent.LoadStatus and PageContent.Error.
type Session interface {
	FetchAndExtract(ctx context.Context, url string) models.PageContent
	Close() error
}
