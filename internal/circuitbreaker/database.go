package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper guards an sqlx handle. sql.ErrNoRows is an answer, not a
// failure.
type DatabaseWrapper struct {
	db      *sqlx.DB
	cb      *CircuitBreaker
	service string
}

// NewDatabaseWrapper wraps db. The breaker is named after the driver.
func NewDatabaseWrapper(db *sqlx.DB, service string, logger *zap.Logger) *DatabaseWrapper {
	name := db.DriverName()
	cb := NewCircuitBreaker(name, DatabaseSettings().ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(name, service, cb)
	return &DatabaseWrapper{db: db, cb: cb, service: service}
}

func (dw *DatabaseWrapper) run(ctx context.Context, op func() error) error {
	var opErr error
	err := dw.cb.Execute(ctx, func() error {
		opErr = op()
		if errors.Is(opErr, sql.ErrNoRows) {
			return nil
		}
		return opErr
	})
	GlobalMetricsCollector.RecordRequest(dw.cb.Name(), dw.service, dw.cb.State(), err == nil)
	if opErr != nil {
		return opErr
	}
	return err
}

// PingContext verifies the connection.
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.run(ctx, func() error { return dw.db.PingContext(ctx) })
}

// ExecContext runs a statement.
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	err := dw.run(ctx, func() error {
		var e error
		res, e = dw.db.ExecContext(ctx, query, args...)
		return e
	})
	return res, err
}

// NamedExecContext runs a statement with :name bindings from arg.
func (dw *DatabaseWrapper) NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error) {
	var res sql.Result
	err := dw.run(ctx, func() error {
		var e error
		res, e = dw.db.NamedExecContext(ctx, query, arg)
		return e
	})
	return res, err
}

// GetContext scans a single row into dest.
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.run(ctx, func() error { return dw.db.GetContext(ctx, dest, query, args...) })
}

// SelectContext scans all rows into dest.
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.run(ctx, func() error { return dw.db.SelectContext(ctx, dest, query, args...) })
}

// Rebind converts '?' placeholders to the driver's bindvar style.
func (dw *DatabaseWrapper) Rebind(query string) string { return dw.db.Rebind(query) }

// DB returns the underlying handle for migrations.
func (dw *DatabaseWrapper) DB() *sqlx.DB { return dw.db }

// Close closes the handle.
func (dw *DatabaseWrapper) Close() error { return dw.db.Close() }

// IsCircuitBreakerOpen reports whether calls are currently being rejected.
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool { return dw.cb.State() == StateOpen }
