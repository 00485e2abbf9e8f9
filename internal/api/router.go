package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// RouterConfig carries the fully-built handlers plus the shared middleware
// pieces. The same router is mounted on both listeners.
type RouterConfig struct {
	Logger *zap.Logger

	Services *ServiceHandler
	Locks    *LockHandler
	Messages *MessageHandler
	Agents   *AgentHandler
	Sessions *SessionHandler
	Webhooks *WebhookHandler
	Activity *ActivityHandler
	Projects *ProjectHandler
	System   *SystemHandler

	Metrics *Metrics
	Limiter *RateLimiter
}

// NewRouter builds the Chi router with the full route tree.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(CORSLoopback)
	r.Use(cfg.Metrics.Middleware)
	r.Use(cfg.Limiter.Middleware)

	// Diagnostics.
	r.Get("/health", cfg.System.Health)
	r.Get("/version", cfg.System.Version)
	r.Get("/config", cfg.System.Config)
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	// Port registry.
	r.Post("/claim", cfg.Services.Claim)
	r.Delete("/release", cfg.Services.Release)
	r.Route("/services", func(r chi.Router) {
		r.Get("/", cfg.Services.List)
		r.Get("/{id}", cfg.Services.Get)
		r.Get("/{id}/endpoints", cfg.Services.Endpoints)
		r.Put("/{id}/endpoints/{env}", cfg.Services.SetEndpoint)
	})
	r.Route("/ports", func(r chi.Router) {
		r.Get("/active", cfg.System.ActivePorts)
		r.Get("/system", cfg.System.SystemPorts)
		r.Post("/cleanup", cfg.System.Cleanup)
	})

	// Advisory locks.
	r.Route("/locks", func(r chi.Router) {
		r.Get("/", cfg.Locks.List)
		r.Post("/{name}", cfg.Locks.Acquire)
		r.Delete("/{name}", cfg.Locks.Release)
		r.Put("/{name}", cfg.Locks.Extend)
		r.Get("/{name}", cfg.Locks.Check)
	})

	// Message bus.
	r.Route("/msg", func(r chi.Router) {
		r.Get("/", cfg.Messages.Channels)
		r.Post("/{channel}", cfg.Messages.Publish)
		r.Get("/{channel}", cfg.Messages.Get)
		r.Delete("/{channel}", cfg.Messages.Clear)
		r.Get("/{channel}/poll", cfg.Messages.Poll)
		r.Get("/{channel}/subscribe", cfg.Messages.Subscribe)
		r.Get("/{channel}/ws", cfg.Messages.ServeWS)
	})

	// Agent registry and inboxes.
	r.Route("/agents", func(r chi.Router) {
		r.Get("/", cfg.Agents.List)
		r.Post("/", cfg.Agents.Register)
		r.Get("/{id}", cfg.Agents.Get)
		r.Delete("/{id}", cfg.Agents.Unregister)
		r.Put("/{id}/heartbeat", cfg.Agents.Heartbeat)
		r.Get("/{id}/inbox", cfg.Agents.Inbox)
		r.Post("/{id}/inbox", cfg.Agents.PostInbox)
	})
	r.Route("/resurrection", func(r chi.Router) {
		r.Get("/pending", cfg.Agents.PendingResurrections)
		r.Post("/claim/{oldId}", cfg.Agents.ClaimResurrection)
		r.Post("/{oldId}/complete", cfg.Agents.CompleteResurrection)
		r.Post("/{oldId}/dismiss", cfg.Agents.DismissResurrection)
	})

	// Sessions, notes, file claims.
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", cfg.Sessions.Start)
		r.Get("/", cfg.Sessions.List)
		r.Get("/{id}", cfg.Sessions.Get)
		r.Put("/{id}", cfg.Sessions.Update)
		r.Delete("/{id}", cfg.Sessions.Delete)
		r.Post("/{id}/notes", cfg.Sessions.AddNote)
		r.Get("/{id}/notes", cfg.Sessions.Notes)
		r.Post("/{id}/files", cfg.Sessions.ClaimFiles)
		r.Delete("/{id}/files", cfg.Sessions.ReleaseFiles)
		r.Get("/{id}/files", cfg.Sessions.Files)
	})
	r.Post("/notes", cfg.Sessions.QuickNote)
	r.Get("/notes", cfg.Sessions.RecentNotes)

	// Webhooks.
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/", cfg.Webhooks.Subscribe)
		r.Get("/", cfg.Webhooks.List)
		r.Get("/{id}", cfg.Webhooks.Get)
		r.Put("/{id}", cfg.Webhooks.Update)
		r.Delete("/{id}", cfg.Webhooks.Delete)
		r.Post("/{id}/test", cfg.Webhooks.Test)
		r.Get("/{id}/deliveries", cfg.Webhooks.Deliveries)
	})

	// Audit log.
	r.Route("/activity", func(r chi.Router) {
		r.Get("/", cfg.Activity.Recent)
		r.Get("/range", cfg.Activity.Range)
		r.Get("/summary", cfg.Activity.Summary)
		r.Get("/stats", cfg.Activity.Stats)
	})

	// Project records.
	r.Route("/projects", func(r chi.Router) {
		r.Get("/", cfg.Projects.List)
		r.Get("/{id}", cfg.Projects.Get)
		r.Put("/{id}", cfg.Projects.Put)
		r.Delete("/{id}", cfg.Projects.Delete)
	})

	return r
}
