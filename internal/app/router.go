package app

import (
	"io"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ledgerdesk/ledgerdesk/internal/auth"
	"github.com/ledgerdesk/ledgerdesk/internal/dashboard"
	"github.com/ledgerdesk/ledgerdesk/internal/observability"
	"github.com/ledgerdesk/ledgerdesk/internal/selection"
	"github.com/ledgerdesk/ledgerdesk/internal/shared"
	"github.com/ledgerdesk/ledgerdesk/internal/thirdparties"
	"github.com/ledgerdesk/ledgerdesk/internal/view"
	"github.com/ledgerdesk/ledgerdesk/internal/workspace"
	"github.com/ledgerdesk/ledgerdesk/jobs"
	"github.com/ledgerdesk/ledgerdesk/web"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	Templates      *view.Engine
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager

	Gate     *auth.Gate
	Registry *workspace.Registry
	Guard    *workspace.Guard

	AuthHandler         *auth.Handler
	SelectionHandler    *selection.Handler
	DashboardHandler    *dashboard.Handler
	ThirdPartiesHandler *thirdparties.Handler
	JobHandler          *jobs.Handler
	Metrics             *observability.Metrics
}

// NewRouter constructs the chi.Router with LedgerDesk defaults.
//
// Workspace routes sit behind three layers: the auth gate, the per-session
// context machine and, for views that need a company, the context guard.
func NewRouter(params RouterParams) http.Handler {
	if params.Logger == nil {
		params.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := chi.NewRouter()

	mwCfg := MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Metrics:        params.Metrics,
	}
	for _, mw := range MiddlewareStack(mwCfg) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	staticFS, err := fs.Sub(web.Static, "static")
	if err != nil {
		params.Logger.Error("create static sub filesystem", slog.Any("error", err))
	} else {
		fileServer := http.StripPrefix("/static/", http.FileServer(http.FS(staticFS)))
		r.Handle("/static/*", staticCacheHandler(fileServer))
	}

	r.Group(func(r chi.Router) {
		r.Use(chimw.Logger)
		for _, mw := range SessionStack(mwCfg) {
			r.Use(mw)
		}

		r.Route("/auth", params.AuthHandler.MountRoutes)

		r.Group(func(r chi.Router) {
			r.Use(params.Gate.Middleware)
			r.Use(params.Registry.Middleware)

			r.Route("/context", params.SelectionHandler.MountRoutes)
			r.Route("/api", params.DashboardHandler.MountAPI)

			r.Group(func(r chi.Router) {
				r.Use(params.Guard.Middleware)
				params.DashboardHandler.MountRoutes(r)
				r.Route("/thirdparties", params.ThirdPartiesHandler.MountRoutes)
			})
		})
	})

	return r
}

// PendingPage renders the transitional page shown while authentication or the
// workspace restore is unresolved. The page refreshes itself.
func PendingPage(templates *view.Engine, logger *slog.Logger, title string) http.Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data := view.TemplateData{Title: title, CurrentPath: r.URL.Path}
		if err := templates.RenderStatus(w, http.StatusServiceUnavailable, "pages/context/pending.html", data); err != nil {
			logger.Error("render pending page", slog.Any("error", err))
			http.Error(w, title, http.StatusServiceUnavailable)
		}
	})
}

// staticCacheHandler lets browsers keep static assets for an hour.
func staticCacheHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		next.ServeHTTP(w, r)
	})
}
