// Package app assembles the admin HTTP router from config, middleware
// and handlers.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/jobu/internal/adapter/httpserver"
	"github.com/fairyhunter13/jobu/internal/config"
	"github.com/fairyhunter13/jobu/internal/observability"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Rate limit mutating endpoints
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/crons", srv.CreateCron())
		wr.Put("/crons/{id}", srv.UpdateCron())
		wr.Delete("/crons/{id}", srv.DeleteCron())
		wr.Post("/crons/{id}/toggle", srv.ToggleCron())
		wr.Post("/jobs/{id}/retry", srv.RetryJob())
		wr.Delete("/jobs/{id}", srv.DeleteJob())
	})
	// Read-only endpoints
	r.Get("/crons", srv.ListCrons())
	r.Get("/crons/{id}", srv.GetCron())
	r.Get("/jobs", srv.ListJobs())
	r.Get("/jobs/{id}", srv.GetJob())

	// Health and metrics
	r.Get("/health", srv.Health())
	r.Get("/ready", srv.Ready())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
