package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/omnigate/omnigate/internal/services/usage"
)

type HealthHandler struct {
	db    *gorm.DB
	redis *redis.Client
	queue *usage.Queue
}

func NewHealthHandler(db *gorm.DB, rdb *redis.Client, queue *usage.Queue) *HealthHandler {
	return &HealthHandler{db: db, redis: rdb, queue: queue}
}

// Live answers as long as the process runs.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Ready checks both backends. Postgres down means billing cannot settle
// durably, redis down means admission cannot decide; either is not-ready.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok", "redis": "ok"}
	healthy := true

	sqlDB, err := h.db.DB()
	if err != nil || sqlDB.PingContext(ctx) != nil {
		checks["database"] = "unreachable"
		healthy = false
	}
	if err := h.redis.Ping(ctx).Err(); err != nil {
		checks["redis"] = "unreachable"
		healthy = false
	}

	w.Header().Set("Content-Type", "application/json")

	body := map[string]interface{}{"checks": checks}
	if healthy {
		ready, retry, dead := h.queue.Depths(ctx)
		body["status"] = "ok"
		body["usage_queue"] = map[string]int64{
			"ready": ready,
			"retry": retry,
			"dead":  dead,
		}
	} else {
		body["status"] = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}
