// Package runcache mirrors run state and finished documents into Redis so
// other processes can read them. The in-process registry stays
// authoritative; nothing here is read back to resume a run.
package runcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/circuitbreaker"
	"github.com/Kocoro-lab/research-orchestrator/internal/metrics"
	"github.com/Kocoro-lab/research-orchestrator/internal/models"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("not found in run cache")

const (
	keyPrefix  = "research:"
	runKeys    = keyPrefix + "run:"
	docKeys    = keyPrefix + "doc:"
	defaultTTL = 24 * time.Hour
)

// Options describe the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Store writes snapshots with a TTL.
type Store struct {
	client *circuitbreaker.RedisWrapper
	ttl    time.Duration
	logger *zap.Logger
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, opts Options, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	s := New(circuitbreaker.NewRedisWrapper(client, "runcache", logger), opts.TTL, logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return s, nil
}

// New wraps an existing client. A non-positive ttl means 24h.
func New(client *circuitbreaker.RedisWrapper, ttl time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{client: client, ttl: ttl, logger: logger.With(zap.String("component", "runcache"))}
}

// Client exposes the guarded client for health checks.
func (s *Store) Client() *circuitbreaker.RedisWrapper { return s.client }

// SaveRun stores the state of one run.
func (s *Store) SaveRun(ctx context.Context, state models.WorkflowState) error {
	return s.put(ctx, runKeys+state.RunID, state)
}

// SaveDocument stores the document of a completed run.
func (s *Store) SaveDocument(ctx context.Context, runID string, doc *models.Document) error {
	if doc == nil {
		return nil
	}
	return s.put(ctx, docKeys+runID, doc)
}

// GetRun loads a stored run state.
func (s *Store) GetRun(ctx context.Context, runID string) (models.WorkflowState, error) {
	var state models.WorkflowState
	err := s.get(ctx, runKeys+runID, &state)
	return state, err
}

// GetDocument loads a stored document.
func (s *Store) GetDocument(ctx context.Context, runID string) (*models.Document, error) {
	var doc models.Document
	if err := s.get(ctx, docKeys+runID, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListRunIDs returns the ids of every stored run, unordered.
func (s *Store) ListRunIDs(ctx context.Context) ([]string, error) {
	keys, err := s.client.Keys(ctx, runKeys+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, runKeys))
	}
	return ids, nil
}

// Delete removes a run and its document.
func (s *Store) Delete(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, runKeys+runID, docKeys+runID).Err(); err != nil {
		return fmt.Errorf("delete run %s: %w", runID, err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		metrics.SnapshotWrites.WithLabelValues("redis", "error").Inc()
		return fmt.Errorf("write %s: %w", key, err)
	}
	metrics.SnapshotWrites.WithLabelValues("redis", "ok").Inc()
	s.logger.Debug("Snapshot written", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}

func (s *Store) get(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}
