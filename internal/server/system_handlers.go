package server

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/anshultibby/finch-sub002/internal/database"
)

// SystemHandlers exposes process and database health
type SystemHandlers struct {
	databases []*database.DB
	log       zerolog.Logger
	startedAt time.Time
}

// NewSystemHandlers creates system health handlers
func NewSystemHandlers(databases []*database.DB, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		databases: databases,
		log:       log.With().Str("handler", "system").Logger(),
		startedAt: time.Now(),
	}
}

// Health handles GET /api/health
func (h *SystemHandlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	dbStatus := make(map[string]string, len(h.databases))
	for _, db := range h.databases {
		if err := db.HealthCheck(r.Context()); err != nil {
			dbStatus[db.Name()] = "error: " + err.Error()
			status = "degraded"
			continue
		}
		dbStatus[db.Name()] = "ok"
	}

	payload := map[string]interface{}{
		"status":         status,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"databases":      dbStatus,
	}

	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		payload["cpu_percent"] = cpuPercent[0]
	}
	if memStat, err := mem.VirtualMemory(); err == nil {
		payload["memory_percent"] = memStat.UsedPercent
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, payload)
}
