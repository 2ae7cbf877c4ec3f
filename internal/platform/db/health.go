package db

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"
)

const readinessTimeout = 5 * time.Second

// Check is one dependency probed by the readiness endpoint.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// PoolCheck probes the PostgreSQL pool.
func PoolCheck(pool *pgxpool.Pool) Check {
	return Check{Name: "database", Ping: pool.Ping}
}

type poolStats struct {
	Total    int32  `json:"total_conns"`
	Idle     int32  `json:"idle_conns"`
	Acquired int32  `json:"acquired_conns"`
	Max      int32  `json:"max_conns"`
	Acquires int64  `json:"acquire_count"`
	WaitTime string `json:"acquire_duration"`
}

func statsOf(pool *pgxpool.Pool) poolStats {
	s := pool.Stat()
	return poolStats{
		Total:    s.TotalConns(),
		Idle:     s.IdleConns(),
		Acquired: s.AcquiredConns(),
		Max:      s.MaxConns(),
		Acquires: s.AcquireCount(),
		WaitTime: s.AcquireDuration().String(),
	}
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Pool   *poolStats        `json:"pool,omitempty"`
}

// ReadinessHandler runs every check concurrently under a shared deadline
// and answers 503 when any fails. Pool statistics are included when pool
// is non-nil.
func ReadinessHandler(pool *pgxpool.Pool, checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), readinessTimeout)
		defer cancel()

		var (
			mu     sync.Mutex
			failed bool
			g      errgroup.Group
		)
		res := readiness{Status: "ready", Checks: make(map[string]string, len(checks))}
		for _, chk := range checks {
			g.Go(func() error {
				outcome := "ok"
				if err := chk.Ping(ctx); err != nil {
					outcome = err.Error()
				}
				mu.Lock()
				defer mu.Unlock()
				res.Checks[chk.Name] = outcome
				failed = failed || outcome != "ok"
				return nil
			})
		}
		_ = g.Wait()

		if pool != nil {
			stats := statsOf(pool)
			res.Pool = &stats
		}
		if failed {
			res.Status = "unavailable"
			return c.JSON(http.StatusServiceUnavailable, res)
		}
		return c.JSON(http.StatusOK, res)
	}
}
