package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/circuitbreaker"
	"github.com/Kocoro-lab/research-orchestrator/internal/metrics"
	"github.com/Kocoro-lab/research-orchestrator/internal/models"
	"github.com/Kocoro-lab/research-orchestrator/internal/scoring"
	"github.com/Kocoro-lab/research-orchestrator/internal/tracing"
	"github.com/Kocoro-lab/research-orchestrator/internal/util"
)

// Config controls page fetching.
type Config struct {
	NavigationTimeout time.Duration `mapstructure:"fetch_timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
	KeepRawHTML       bool          `mapstructure:"keep_raw_html"`
	AllowedDomains    []string      `mapstructure:"allowed_domains"`
	BlockedDomains    []string      `mapstructure:"blocked_domains"`
}

// DefaultConfig returns a 30s navigation timeout and a 1MB body cap.
func DefaultConfig() Config {
	return Config{
		NavigationTimeout: 30 * time.Second,
		UserAgent:         "research-orchestrator/1.0 (+https://github.com/Kocoro-lab/research-orchestrator)",
		MaxBodyBytes:      1 << 20,
	}
}

// HTTPFetcher is a Browser backed by plain HTTP GETs. Each host gets its
// own circuit breaker so one failing site does not block the others.
type HTTPFetcher struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*circuitbreaker.HTTPWrapper
}

// NewHTTPFetcher creates a fetcher. Zero config fields take defaults.
func NewHTTPFetcher(cfg Config, logger *zap.Logger) *HTTPFetcher {
	def := DefaultConfig()
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = def.NavigationTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPFetcher{
		cfg:      cfg,
		client:   &http.Client{},
		logger:   logger.With(zap.String("component", "browser")),
		breakers: make(map[string]*circuitbreaker.HTTPWrapper),
	}
}

// NewSession opens a session. Sessions share the fetcher's connection pool
// and breakers.
func (f *HTTPFetcher) NewSession(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &httpSession{fetcher: f}, nil
}

func (f *HTTPFetcher) wrapperFor(host string) *circuitbreaker.HTTPWrapper {
	f.mu.Lock()
	defer f.mu.Unlock()
	hw, ok := f.breakers[host]
	if !ok {
		hw = circuitbreaker.NewHTTPWrapper(f.client, host, "page-fetch", circuitbreaker.HTTPSettings(), f.logger)
		f.breakers[host] = hw
	}
	return hw
}

// domainAllowed applies the block list first, then the allow list when it
// is non-empty. Both match by substring of the host.
func (f *HTTPFetcher) domainAllowed(host string) bool {
	for _, d := range f.cfg.BlockedDomains {
		if strings.Contains(host, d) {
			return false
		}
	}
	if len(f.cfg.AllowedDomains) == 0 {
		return true
	}
	for _, d := range f.cfg.AllowedDomains {
		if strings.Contains(host, d) {
			return true
		}
	}
	return false
}

type httpSession struct {
	fetcher *HTTPFetcher

	mu     sync.Mutex
	closed bool
}

var errSessionClosed = errors.New("browser session closed")

func (s *httpSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *httpSession) FetchAndExtract(ctx context.Context, rawURL string) models.PageContent {
	start := time.Now()
	page := s.fetch(ctx, rawURL)
	metrics.RecordFetchMetrics(page.LoadStatus, time.Since(start).Seconds())
	if !page.OK() {
		s.fetcher.logger.Warn("Page fetch failed",
			zap.String("url", rawURL),
			zap.String("error", page.Error),
		)
	}
	return page
}

func (s *httpSession) fetch(ctx context.Context, rawURL string) models.PageContent {
	failed := func(err error) models.PageContent {
		return models.PageContent{URL: rawURL, LoadStatus: models.LoadFailed, Error: err.Error()}
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return failed(errSessionClosed)
	}
	if !util.IsHTTPURL(rawURL) {
		return failed(fmt.Errorf("unsupported URL %q", rawURL))
	}
	u, _ := url.Parse(strings.TrimSpace(rawURL))
	if !s.fetcher.domainAllowed(u.Hostname()) {
		return failed(fmt.Errorf("domain %s not allowed", u.Hostname()))
	}

	ctx, cancel := context.WithTimeout(ctx, s.fetcher.cfg.NavigationTimeout)
	defer cancel()
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodGet, u.String())
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return failed(err)
	}
	req.Header.Set("User-Agent", s.fetcher.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.fetcher.wrapperFor(u.Host).Do(req)
	if err != nil {
		tracing.RecordError(span, err)
		if errors.Is(err, context.DeadlineExceeded) {
			return failed(fmt.Errorf("navigation timeout after %s", s.fetcher.cfg.NavigationTimeout))
		}
		return failed(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return failed(fmt.Errorf("status code %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.fetcher.cfg.MaxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return failed(fmt.Errorf("navigation timeout after %s", s.fetcher.cfg.NavigationTimeout))
		}
		return failed(fmt.Errorf("read body: %w", err))
	}

	return s.fetcher.toPage(rawURL, resp.Header.Get("Content-Type"), string(body))
}

func (f *HTTPFetcher) toPage(rawURL, contentType, body string) models.PageContent {
	page := models.PageContent{URL: rawURL, LoadStatus: models.LoadSuccess}

	if !strings.Contains(contentType, "html") && !strings.HasPrefix(strings.TrimSpace(body), "<") {
		page.TextContent = strings.TrimSpace(body)
		return page
	}

	ex, err := Extract(body)
	if err != nil {
		page.LoadStatus = models.LoadFailed
		page.Error = fmt.Sprintf("parse html: %v", err)
		return page
	}
	page.Title = ex.Title
	page.TextContent = ex.Text
	page.Author = ex.Author
	page.Date = parsePageDate(ex.Date)
	if f.cfg.KeepRawHTML {
		page.RawHTML = body
	}
	return page
}

func parsePageDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return scoring.ParseDate(s)
}
