package handlers

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jmylchreest/av1arr/internal/database"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	db      *database.DB
	version string
	started time.Time
}

// NewHealthHandler creates the health handler.
func NewHealthHandler(db *database.DB, version string) *HealthHandler {
	return &HealthHandler{db: db, version: version, started: time.Now().UTC()}
}

// HealthOutput is the health probe response.
type HealthOutput struct {
	Body struct {
		Status   string `json:"status"`
		Version  string `json:"version"`
		Uptime   string `json:"uptime"`
		Database string `json:"database"`
	}
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/api/health",
		Summary:     "Health check",
		Tags:        []string{"Status"},
	}, h.Health)
}

// Health reports process and database health.
func (h *HealthHandler) Health(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	out := &HealthOutput{}
	out.Body.Status = "ok"
	out.Body.Version = h.version
	out.Body.Uptime = time.Since(h.started).Round(time.Second).String()
	out.Body.Database = "ok"

	if err := h.db.Ping(ctx); err != nil {
		out.Body.Status = "degraded"
		out.Body.Database = err.Error()
	}
	return out, nil
}
