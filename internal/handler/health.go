package handler

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// HealthHandler reports liveness plus the state of the two backing stores.
// Redis being down degrades the report but not the status code, matching
// the service's fail-open posture toward the cache.
type HealthHandler struct {
	DB  *sql.DB
	RDB *redis.Client
}

func (h *HealthHandler) Health(c echo.Context) error {
	ctx, cancel := dbCtx(c)
	defer cancel()

	out := echo.Map{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}

	dbState := "ok"
	if h.DB == nil {
		dbState = "unconfigured"
	} else if err := h.DB.PingContext(ctx); err != nil {
		dbState = "down"
		out["status"] = "degraded"
	}
	out["database"] = dbState

	cacheState := "ok"
	if h.RDB == nil {
		cacheState = "unconfigured"
	} else if err := h.RDB.Ping(ctx).Err(); err != nil {
		cacheState = "down"
	}
	out["cache"] = cacheState

	status := http.StatusOK
	if dbState == "down" {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, out)
}
