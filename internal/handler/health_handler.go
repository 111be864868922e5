package handler

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fixly/dispatch/pkg/cache"
	"github.com/fixly/dispatch/pkg/db"
)

// HealthHandler reports liveness of the process and its backing stores.
type HealthHandler struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
}

// NewHealthHandler creates the health endpoint.
func NewHealthHandler(pool *pgxpool.Pool, rdb *redis.Client) *HealthHandler {
	return &HealthHandler{pool: pool, rdb: rdb}
}

// Health handles GET /health
//
// Pings Postgres and Redis with a short deadline. Degraded dependencies
// yield 503 so the load balancer rotates the instance out.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "postgres": "ok", "redis": "ok"}
	code := http.StatusOK

	if err := db.HealthCheck(r.Context(), h.pool); err != nil {
		status["status"] = "degraded"
		status["postgres"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if err := cache.HealthCheck(r.Context(), h.rdb); err != nil {
		status["status"] = "degraded"
		status["redis"] = err.Error()
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, status)
}
