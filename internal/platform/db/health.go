package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthTimeout = 5 * time.Second

// PoolStats is a snapshot of the connection pool.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func poolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// SchemaState tells whether the database is migrated to the version the
// binary ships with.
type SchemaState struct {
	Schema  string `json:"schema"`
	Version int    `json:"version"`
	Pending int    `json:"pending"`
}

// HealthResponse is the body of GET /health/db.
type HealthResponse struct {
	Status     string       `json:"status"`
	Error      string       `json:"error,omitempty"`
	Pool       *PoolStats   `json:"pool"`
	Migrations *SchemaState `json:"migrations,omitempty"`
}

// schemaState folds migration statuses into the applied version and the
// number still pending.
func schemaState(schema string, statuses []MigrationStatus) *SchemaState {
	st := &SchemaState{Schema: schema}
	for _, s := range statuses {
		if !s.Applied {
			st.Pending++
			continue
		}
		if s.Version > st.Version {
			st.Version = s.Version
		}
	}
	return st
}

// HealthHandler pings the database and, when m is non-nil, reports the
// migration state of its schema. A server running against a schema with
// pending migrations is reported as degraded but still answers 200.
func HealthHandler(pool *pgxpool.Pool, m *Migrator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()

		resp := HealthResponse{Status: "healthy", Pool: poolStats(pool)}
		if err := pool.Ping(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			return c.JSON(http.StatusServiceUnavailable, resp)
		}

		if m != nil {
			statuses, err := m.Status(ctx)
			if err != nil {
				resp.Status = "unhealthy"
				resp.Error = err.Error()
				return c.JSON(http.StatusServiceUnavailable, resp)
			}
			resp.Migrations = schemaState(m.schema, statuses)
			if resp.Migrations.Pending > 0 {
				resp.Status = "degraded"
			}
		}
		return c.JSON(http.StatusOK, resp)
	}
}
