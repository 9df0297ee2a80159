// Package api serves read-only introspection of estimator runs: the run
// manifest, the resolved segment tree, validation errors, entity rollups
// and single pair records. Run outputs are only served once the run is
// complete.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	if s.health != nil {
		r.Get("/health", s.health.HandleHealth)
		r.Get("/health/ready", s.health.HandleReadiness)
	} else {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"healthy"}`))
		})
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/runs", s.listRuns)
		r.Route("/runs/{runID}", func(r chi.Router) {
			r.Get("/", s.getRun)
			r.Group(func(r chi.Router) {
				r.Use(s.requireComplete)
				r.Get("/segments", s.listSegments)
				r.Get("/resolutions", s.listResolutions)
				r.Get("/validation-errors", s.listValidationErrors)
				r.Get("/rollups", s.listRollups)
				r.Get("/pairs", s.listPairs)
			})
		})
		r.Get("/pairs/{distinctID}/{productID}", s.getPair)
	})

	return r
}
