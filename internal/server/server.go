// Package server assembles the HTTP surface: REST session management,
// both transport bindings, health, state, and metrics.
package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aurelabs/assay/internal/api"
	"github.com/aurelabs/assay/internal/config"
	"github.com/aurelabs/assay/internal/frameio"
	"github.com/aurelabs/assay/internal/metrics"
	"github.com/aurelabs/assay/internal/rtcbind"
	"github.com/aurelabs/assay/internal/session"
	"github.com/aurelabs/assay/internal/wsbind"
)

// New constructs the HTTP handler for the service.
func New(cfg config.ServerConfig, reg *session.Registry, binder *rtcbind.Binder, codec frameio.Codec) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(api.AccessLog)

	preg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = preg
	prometheus.DefaultGatherer = preg
	metrics.Register(preg)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	h := api.New(reg)
	r.Route("/api/v1", func(ar chi.Router) {
		ar.Group(func(g chi.Router) {
			g.Use(api.RequireKey(cfg.APIKey))
			h.Mount(g)
			g.Get("/sessions/{id}/stream", wsbind.Handler(reg, codec))
			if binder != nil {
				g.Post("/rtc/offer", binder.OfferHandler())
			}
			g.Get("/state", StateHandler(reg))
		})
	})

	if cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port) {
		r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	}

	return r
}
