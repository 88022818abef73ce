package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// Depther reports the delivery queue backlog. Satisfied by
// *queue.Queue.
type Depther interface {
	Depth(ctx context.Context) (int64, error)
}

// HealthHandler answers GET /health with per-dependency status. The
// endpoint degrades to 503 when Postgres or Redis is unreachable; a
// queue depth read failure is reported but not fatal on its own.
type HealthHandler struct {
	db    *sql.DB
	rdb   redis.UniversalClient
	queue Depther
}

func NewHealthHandler(db *sql.DB, rdb redis.UniversalClient, q Depther) *HealthHandler {
	return &HealthHandler{db: db, rdb: rdb, queue: q}
}

type healthResponse struct {
	Status       string `json:"status"`
	Database     string `json:"database"`
	Redis        string `json:"redis"`
	QueueDepth   *int64 `json:"queue_depth,omitempty"`
	CheckedAtUTC string `json:"checked_at"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:       "healthy",
		Database:     "ok",
		Redis:        "ok",
		CheckedAtUTC: time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK

	if err := h.db.PingContext(ctx); err != nil {
		resp.Database = "unreachable"
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		resp.Redis = "unreachable"
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	} else if h.queue != nil {
		if depth, err := h.queue.Depth(ctx); err == nil {
			resp.QueueDepth = &depth
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
