package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/otcheredev/ris-dicom-store/internal/jobs"
	"gorm.io/gorm"
)

type HealthHandler struct {
	db   *gorm.DB
	jobs *jobs.Engine
}

func NewHealthHandler(db *gorm.DB, engine *jobs.Engine) *HealthHandler {
	return &HealthHandler{db: db, jobs: engine}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
	Jobs      map[string]int    `json:"jobs,omitempty"`
}

func (h *HealthHandler) ping(ctx context.Context) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	// Check database
	if err := h.ping(r.Context()); err != nil {
		response.Services["database"] = "unhealthy"
		response.Status = "degraded"
	} else {
		response.Services["database"] = "healthy"
	}

	if h.jobs != nil {
		response.Jobs = make(map[string]int)
		for state, n := range h.jobs.Stats() {
			response.Jobs[state.String()] = n
		}
	}

	status := http.StatusOK
	if response.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.ping(r.Context()); err != nil {
		http.Error(w, "Service not ready", http.StatusServiceUnavailable)
		return
	}
	writeText(w, http.StatusOK, "OK")
}
