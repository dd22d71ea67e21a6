// Package api provides the REST surface of the balloon server.
//
// The API is a thin boundary: handlers decode requests, build the per-request
// client context, call the node factories and translate filesystem errors to
// HTTP statuses. No filesystem semantics live here.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/balloonfs/balloon/internal/logger"
	"github.com/balloonfs/balloon/pkg/api/handlers"
	"github.com/balloonfs/balloon/pkg/api/middleware"
	"github.com/balloonfs/balloon/pkg/delta"
	"github.com/balloonfs/balloon/pkg/identity"
	"github.com/balloonfs/balloon/pkg/quota"
	"github.com/balloonfs/balloon/pkg/scheduler"
	"github.com/balloonfs/balloon/pkg/vfs"
)

// Deps bundles the services the router dispatches to.
type Deps struct {
	FS       *vfs.Service
	Delta    *delta.Log
	Quota    *quota.Manager
	Jobs     *scheduler.Scheduler
	Identity identity.Provider

	// Probes feed the readiness endpoint. Optional.
	Probes map[string]handlers.Probe
}

// NewRouter creates and configures the chi router with all middleware and
// routes.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)

	healthHandler := handlers.NewHealthHandler(deps.Probes)
	nodeHandler := handlers.NewNodeHandler(deps.FS, deps.Jobs)
	contentHandler := handlers.NewContentHandler(deps.FS)
	syncHandler := handlers.NewSyncHandler(deps.Delta, deps.Quota)

	// Health routes - unauthenticated
	r.Route("/health", func(r chi.Router) {
		r.Get("/", healthHandler.Liveness)
		r.Get("/ready", healthHandler.Readiness)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Identity(deps.Identity))

		r.Route("/fs", func(r chi.Router) {
			r.Get("/root", nodeHandler.Root)
			r.Get("/trash", nodeHandler.Trash)
			r.Post("/nodes", nodeHandler.Add)

			r.Route("/nodes/{id}", func(r chi.Router) {
				r.Get("/", nodeHandler.Get)
				r.Patch("/", nodeHandler.Update)
				r.Delete("/", nodeHandler.Delete)
				r.Get("/children", nodeHandler.Children)
				r.Post("/undelete", nodeHandler.Undelete)
				r.Post("/move", nodeHandler.Move)
				r.Post("/copy", nodeHandler.Copy)
				r.Post("/share", nodeHandler.Share)
				r.Delete("/share", nodeHandler.Unshare)

				r.Get("/content", contentHandler.Download)
				r.Post("/content", contentHandler.SetContent)
				r.Post("/restore", contentHandler.Restore)
			})

			r.Post("/uploads", contentHandler.OpenUpload)
			r.Put("/uploads/{session}", contentHandler.WriteChunk)
			r.Delete("/uploads/{session}", contentHandler.AbortUpload)

			r.Get("/jobs/{handle}", nodeHandler.Job)
		})

		r.Route("/sync", func(r chi.Router) {
			r.Get("/delta", syncHandler.Feed)
			r.Get("/cursor", syncHandler.Cursor)
			r.Get("/quota", syncHandler.Quota)
		})
	})

	return r
}

// requestLogger logs requests through the internal logger and seeds the
// request-scoped log context the factories enrich.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := chimiddleware.GetReqID(r.Context())

		lc := logger.NewLogContext(r.RemoteAddr)
		lc.RequestID = requestID
		lc.Session = r.Header.Get("X-Session-ID")
		ctx := logger.WithContext(r.Context(), lc)

		logger.Debug("API request started",
			logger.KeyRequestID, requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(ctx))

		logger.Info("API request completed",
			logger.KeyRequestID, requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			logger.KeyDurationMs, float64(time.Since(start).Microseconds())/1000.0,
		)
	})
}
