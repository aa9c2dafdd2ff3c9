package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the pgxpool snapshot attached to health responses.
type PoolStats struct {
	MaxConns     int32  `json:"max_conns"`
	OpenConns    int32  `json:"open_conns"`
	IdleConns    int32  `json:"idle_conns"`
	InUseConns   int32  `json:"in_use_conns"`
	WaitCount    int64  `json:"wait_count"`
	WaitDuration string `json:"wait_duration"`
}

func snapshotPool(pool *pgxpool.Pool) PoolStats {
	stat := pool.Stat()
	return PoolStats{
		MaxConns:     stat.MaxConns(),
		OpenConns:    stat.TotalConns(),
		IdleConns:    stat.IdleConns(),
		InUseConns:   stat.AcquiredConns(),
		WaitCount:    stat.EmptyAcquireCount(),
		WaitDuration: stat.AcquireDuration().String(),
	}
}

// HealthHandler reports database reachability. It backs the readiness
// probe, so a failed ping answers 503 with the pool snapshot attached
// for diagnosis.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
		defer cancel()

		if err := pool.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{
				"status": "unavailable",
				"error":  err.Error(),
				"pool":   snapshotPool(pool),
			})
		}
		return c.JSON(http.StatusOK, echo.Map{
			"status": "ok",
			"pool":   snapshotPool(pool),
		})
	}
}
