package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/erichowens/port-daddy-sub004/internal/config"
	"github.com/erichowens/port-daddy-sub004/internal/db"
	"github.com/erichowens/port-daddy-sub004/internal/osprobe"
	"github.com/erichowens/port-daddy-sub004/internal/reaper"
	"github.com/erichowens/port-daddy-sub004/internal/services"
	"github.com/erichowens/port-daddy-sub004/internal/version"
)

// PassRunner runs one maintenance pass on demand. Implemented by the reaper.
type PassRunner interface {
	RunPass(ctx context.Context) (reaper.Summary, error)
}

// SystemHandler groups diagnostics and the forced-cleanup endpoint.
type SystemHandler struct {
	database *gorm.DB
	cfg      *config.Config
	registry *services.Registry
	probe    osprobe.Prober
	pass     PassRunner
	logger   *zap.Logger
	metrics  *Metrics
	started  time.Time
}

// NewSystemHandler creates a SystemHandler.
func NewSystemHandler(database *gorm.DB, cfg *config.Config, registry *services.Registry, probe osprobe.Prober, pass PassRunner, logger *zap.Logger, metrics *Metrics) *SystemHandler {
	return &SystemHandler{
		database: database,
		cfg:      cfg,
		registry: registry,
		probe:    probe,
		pass:     pass,
		logger:   logger.Named("system_handler"),
		metrics:  metrics,
		started:  time.Now(),
	}
}

// Health handles GET /health. 200 means the store answers.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := db.Ping(ctx, h.database); err != nil {
		h.logger.Error("health check failed", zap.Error(err))
		Fail(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	Ok(w, map[string]any{
		"status":   "ok",
		"uptimeMs": time.Since(h.started).Milliseconds(),
	})
}

// Version handles GET /version. Clients compare codeHash against their local
// build to detect a stale daemon.
func (h *SystemHandler) Version(w http.ResponseWriter, r *http.Request) {
	Ok(w, map[string]any{
		"version":  version.Version,
		"commit":   version.Commit,
		"date":     version.Date,
		"codeHash": version.CodeHash(),
	})
}

// Config handles GET /config: the effective configuration, for operator
// inspection. The daemon stores no secrets, so nothing needs redacting.
func (h *SystemHandler) Config(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.cfg)
}

// ActivePorts handles GET /ports/active: the database's view of held ports.
func (h *SystemHandler) ActivePorts(w http.ResponseWriter, r *http.Request) {
	rows, err := h.registry.List(r.Context(), services.FindOptions{})
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	type activePort struct {
		Port     int       `json:"port"`
		ID       string    `json:"id"`
		PID      int       `json:"pid,omitempty"`
		Status   string    `json:"status"`
		LastSeen db.Millis `json:"lastSeen"`
	}
	var ports []activePort
	for i := range rows {
		if rows[i].Port == nil {
			continue
		}
		ports = append(ports, activePort{
			Port:     *rows[i].Port,
			ID:       rows[i].ID,
			PID:      rows[i].PID,
			Status:   rows[i].Status,
			LastSeen: rows[i].LastSeen,
		})
	}
	Ok(w, map[string]any{"ports": ports, "count": len(ports)})
}

// SystemPorts handles GET /ports/system: the OS's view of listening sockets.
// refresh=true busts the probe cache first.
func (h *SystemHandler) SystemPorts(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "true" {
		h.probe.Refresh()
	}
	listeners := h.probe.Listeners(r.Context())
	Ok(w, map[string]any{"listeners": listeners, "count": len(listeners)})
}

// Cleanup handles POST /ports/cleanup: a forced maintenance pass, returning
// what it removed.
func (h *SystemHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	summary, err := h.pass.RunPass(r.Context())
	if err != nil {
		// Partial passes still report what succeeded.
		h.logger.Warn("forced pass finished with errors", zap.Error(err))
	}
	h.metrics.ReaperPasses.Inc()
	Ok(w, summary)
}
