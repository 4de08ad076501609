// Package db archives run state and finished documents in a SQL database.
// Postgres is the production backend; SQLite serves single-node installs
// and tests. Writes from the orchestrator go through an async queue.
package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/circuitbreaker"
	"github.com/Kocoro-lab/research-orchestrator/internal/models"
)

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Config holds database configuration
type Config struct {
	Driver          string
	DSN             string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
	QueueSize       int
	Workers         int
}

// Client manages the connection pool and the write queue
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger

	writeQueue chan WriteRequest
	workers    int
	stopCh     chan struct{}
	stopOnce   sync.Once
	workerWg   sync.WaitGroup
}

// WriteRequest is one queued archive write
type WriteRequest struct {
	Type     WriteType
	Data     interface{}
	Callback func(error)
}

type WriteType int

const (
	WriteTypeRun WriteType = iota
	WriteTypeDocument
)

// String returns the string representation of WriteType
func (wt WriteType) String() string {
	switch wt {
	case WriteTypeRun:
		return "Run"
	case WriteTypeDocument:
		return "Document"
	default:
		return "Unknown"
	}
}

type documentWrite struct {
	runID string
	doc   *models.Document
}

// Open connects, pings, creates the schema and starts the write workers.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverPostgres
	}
	if cfg.Driver != DriverPostgres && cfg.Driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	// An in-memory SQLite database exists per connection.
	if cfg.Driver == DriverSQLite {
		cfg.MaxConnections = 1
		cfg.IdleConnections = 1
	}

	raw, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	raw.SetMaxOpenConns(cfg.MaxConnections)
	raw.SetMaxIdleConns(cfg.IdleConnections)
	raw.SetConnMaxLifetime(cfg.MaxLifetime)

	c := NewWithDB(raw, cfg.QueueSize, cfg.Workers, logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.db.PingContext(pingCtx); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := c.Migrate(ctx); err != nil {
		c.Close()
		return nil, err
	}

	logger.Info("Database client initialized",
		zap.String("driver", cfg.Driver),
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Int("workers", c.workers),
	)
	return c, nil
}

// NewWithDB wraps an open handle and starts the write workers. It does not
// ping or migrate.
func NewWithDB(raw *sqlx.DB, queueSize, workers int, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if workers <= 0 {
		workers = 4
	}
	c := &Client{
		db:         circuitbreaker.NewDatabaseWrapper(raw, "archive", logger),
		logger:     logger.With(zap.String("component", "archive")),
		writeQueue: make(chan WriteRequest, queueSize),
		workers:    workers,
		stopCh:     make(chan struct{}),
	}
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
	return c
}

func (c *Client) writeWorker(id int) {
	defer c.workerWg.Done()
	for {
		select {
		case <-c.stopCh:
			c.drainQueue()
			c.logger.Debug("Write worker stopped", zap.Int("worker_id", id))
			return
		case req := <-c.writeQueue:
			c.processWrite(req)
		}
	}
}

func (c *Client) processWrite(req WriteRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch req.Type {
	case WriteTypeRun:
		if state, ok := req.Data.(models.WorkflowState); ok {
			err = c.UpsertRun(ctx, state)
		}
	case WriteTypeDocument:
		if w, ok := req.Data.(documentWrite); ok {
			err = c.UpsertDocument(ctx, w.runID, w.doc)
		}
	default:
		err = fmt.Errorf("unknown write type %d", req.Type)
	}

	if req.Callback != nil {
		req.Callback(err)
	}
	if err != nil {
		c.logger.Error("Failed to process write request",
			zap.String("type", req.Type.String()),
			zap.Error(err),
		)
	}
}

func (c *Client) drainQueue() {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case req := <-c.writeQueue:
			c.processWrite(req)
		case <-timeout:
			c.logger.Warn("Timeout draining write queue")
			return
		default:
			return
		}
	}
}

// QueueWrite adds a write to the async queue. When the queue is full the
// write runs synchronously instead of being dropped.
func (c *Client) QueueWrite(writeType WriteType, data interface{}, callback func(error)) {
	req := WriteRequest{Type: writeType, Data: data, Callback: callback}
	select {
	case c.writeQueue <- req:
	default:
		c.logger.Warn("Write queue is full, falling back to synchronous write",
			zap.String("type", writeType.String()))
		c.processWrite(req)
	}
}

// SaveRun queues a snapshot of state.
func (c *Client) SaveRun(_ context.Context, state models.WorkflowState) error {
	c.QueueWrite(WriteTypeRun, state.Clone(), nil)
	return nil
}

// SaveDocument queues doc for runID. A nil document is ignored.
func (c *Client) SaveDocument(_ context.Context, runID string, doc *models.Document) error {
	if doc == nil {
		return nil
	}
	c.QueueWrite(WriteTypeDocument, documentWrite{runID: runID, doc: doc}, nil)
	return nil
}

// Close drains the queue and closes the pool. It is safe to call twice.
func (c *Client) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.workerWg.Wait()
		if cerr := c.db.Close(); cerr != nil {
			err = fmt.Errorf("failed to close database: %w", cerr)
		}
		c.logger.Info("Database client closed")
	})
	return err
}

// Wrapper returns the underlying DatabaseWrapper for health checks
func (c *Client) Wrapper() *circuitbreaker.DatabaseWrapper {
	return c.db
}
