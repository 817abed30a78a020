package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/kiranshivaraju/gemstudio/internal/api/handler"
	mw "github.com/kiranshivaraju/gemstudio/internal/api/middleware"
	"github.com/kiranshivaraju/gemstudio/internal/api/response"
	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
// A nil Studio or Keys mounts 501 placeholders for the routes they serve.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc
	Studio        handler.Studio
	Keys          handler.KeyStore
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	studio := func(build func(handler.Studio) http.HandlerFunc) http.HandlerFunc {
		if deps.Studio == nil {
			return orNotImplemented(nil)
		}
		return build(deps.Studio)
	}
	keys := func(build func(handler.KeyStore) http.HandlerFunc) http.HandlerFunc {
		if deps.Keys == nil {
			return orNotImplemented(nil)
		}
		return build(deps.Keys)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Route("/api/v1/sessions", func(r chi.Router) {
			r.With(deps.Auth.RequireScope(models.ScopeWrite)).Post("/", studio(handler.NewCreateSessionHandler))

			r.Route("/{sessionID}", func(r chi.Router) {
				// Reads
				r.Get("/", studio(handler.NewGetSessionHandler))
				r.Get("/history", studio(handler.NewHistoryHandler))
				r.Get("/history/export", studio(handler.NewExportHistoryHandler))
				r.Get("/usage", studio(handler.NewGetUsageHandler))
				r.Get("/jobs", studio(handler.NewListJobsHandler))
				r.Get("/adventure", studio(handler.NewAdventureHandler))
				r.Get("/story", studio(handler.NewStoryHandler))

				// Writes
				r.Group(func(r chi.Router) {
					r.Use(deps.Auth.RequireScope(models.ScopeWrite))

					r.Patch("/", studio(handler.NewUpdateSessionHandler))
					r.Delete("/", studio(handler.NewDeleteSessionHandler))

					r.Post("/generate", studio(handler.NewGenerateHandler))

					r.Post("/messages", studio(handler.NewSendMessageHandler))
					r.Post("/regenerate", studio(handler.NewRegenerateHandler))
					r.Post("/respond", studio(handler.NewRespondHandler))
					r.Post("/turns", studio(handler.NewAddTurnHandler))
					r.Delete("/turns/last", studio(handler.NewRemoveLastTurnHandler))
					r.Delete("/signatures", studio(handler.NewCleanSignaturesHandler))
					r.Delete("/history", studio(handler.NewClearHistoryHandler))
					r.Post("/history/import", studio(handler.NewImportHistoryHandler))

					r.Delete("/usage", studio(handler.NewResetUsageHandler))

					r.Post("/adventure/moves", studio(handler.NewPlayMoveHandler))
					r.Delete("/adventure/moves/last", studio(handler.NewUndoMoveHandler))
					r.Post("/story/paragraphs", studio(handler.NewContinueStoryHandler))

					r.Post("/files", studio(handler.NewUploadFileHandler))
					r.Post("/batches", studio(handler.NewSubmitBatchHandler))
					r.Post("/novels", studio(handler.NewSubmitNovelHandler))
					r.Post("/videos", studio(handler.NewSubmitVideoHandler))
					r.Post("/videos/recover", studio(handler.NewRecoverVideoHandler))
				})
			})
		})

		r.Route("/api/v1/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", studio(handler.NewGetJobHandler))
			r.Get("/video", studio(handler.NewDownloadVideoHandler))
			r.Post("/wait", studio(handler.NewWaitJobHandler))

			r.Group(func(r chi.Router) {
				r.Use(deps.Auth.RequireScope(models.ScopeWrite))
				r.Delete("/poll", studio(handler.NewCancelPollHandler))
				r.Post("/resume", studio(handler.NewResumeJobHandler))
			})
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

			r.Post("/api/v1/admin/keys", keys(handler.NewCreateKeyHandler))
			r.Get("/api/v1/admin/keys", keys(handler.NewListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", keys(handler.NewRevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
