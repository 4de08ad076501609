package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/research-orchestrator/internal/circuitbreaker"
)

func TestRedisChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	rw := circuitbreaker.NewRedisWrapper(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "health-test", zaptest.NewLogger(t))
	t.Cleanup(func() { rw.Close() })

	c := NewRedisChecker(rw, false)
	assert.Equal(t, "redis", c.Name())
	assert.False(t, c.IsCritical())
	assert.NotEqual(t, StatusUnhealthy, c.Check(context.Background()).Status)

	mr.Close()
	res := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.NotEmpty(t, res.Error)
}

func TestDatabaseChecker(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	dw := circuitbreaker.NewDatabaseWrapper(sqlx.NewDb(db, "sqlmock"), "health-test", zaptest.NewLogger(t))

	c := NewDatabaseChecker(dw, true)
	mock.ExpectPing()
	res := c.Check(context.Background())
	assert.NotEqual(t, StatusUnhealthy, res.Status)
	assert.Contains(t, res.Details, "open_connections")

	mock.ExpectPing().WillReturnError(assert.AnError)
	res = c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLLMServiceChecker(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/version", r.URL.Path)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewLLMServiceChecker(srv.URL + "/api/version")
	assert.False(t, c.IsCritical())
	res := c.Check(context.Background())
	assert.NotEqual(t, StatusUnhealthy, res.Status)
	assert.Equal(t, srv.URL+"/api/version", res.Details["url"])

	status = http.StatusBadGateway
	res = c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "unexpected status 502", res.Error)
}
