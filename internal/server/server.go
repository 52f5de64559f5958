package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/kbridge/internal/api"
	"github.com/gaspardpetit/kbridge/internal/bridge"
	"github.com/gaspardpetit/kbridge/internal/config"
	"github.com/gaspardpetit/kbridge/internal/inflight"
	"github.com/gaspardpetit/kbridge/internal/kernelstore"
	"github.com/gaspardpetit/kbridge/internal/metrics"
	"github.com/gaspardpetit/kbridge/internal/serverstate"
)

// Deps are the long-lived components the router serves.
type Deps struct {
	Store    kernelstore.Store
	Sessions *bridge.Registry
	Opener   bridge.Opener
	Inflight *inflight.Counter
	Version  string
	Started  time.Time
}

// New constructs the HTTP handler for the bridge.
func New(cfg config.BridgeConfig, d Deps) (http.Handler, error) {
	if d.Inflight == nil {
		d.Inflight = &inflight.Counter{}
	}
	if d.Sessions == nil {
		d.Sessions = bridge.NewRegistry(d.Inflight)
	}
	if d.Opener == nil {
		d.Opener = bridge.DialOpener()
	}
	if d.Started.IsZero() {
		d.Started = time.Now()
	}
	doc, err := api.LoadOpenAPI(context.Background())
	if err != nil {
		return nil, err
	}
	openapiJSON, err := api.OpenAPIHandler(doc)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	for _, m := range api.MiddlewareChain() {
		r.Use(m)
	}

	preg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = preg
	prometheus.DefaultGatherer = preg
	preg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(preg)

	lookup := bridge.Lookup(kernelstore.Lookup(d.Store))
	channels := bridge.NewHandler(lookup, d.Opener, d.Sessions,
		bridge.WithOriginPatterns(cfg.AllowedOrigins),
		bridge.WithDrainCheck(serverstate.IsDraining),
		bridge.WithSessionOptions(bridge.WithSendBuffer(cfg.SendBuffer)),
	)
	state := &api.StateHandler{Sessions: d.Sessions, Version: d.Version, Started: d.Started}

	r.Get("/healthz", api.HealthHandler())
	r.Route("/api", func(ar chi.Router) {
		ar.Get("/openapi.json", openapiJSON)
		ar.Get("/docs", api.SwaggerHandler())
		ar.Group(func(g chi.Router) {
			g.Use(api.APIKeyMiddleware(cfg.APIKey))
			g.Get("/kernels", api.ListKernelsHandler(d.Store))
			g.Handle("/kernels/{kernelID}/channels", channels)
			g.With(d.Inflight.Middleware()).
				Post("/kernels/{kernelID}/execute", api.ExecuteHandler(lookup, d.Opener, cfg.RequestTimeout))
			g.Get("/state", state.GetState)
		})
	})

	if cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port) {
		r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	}
	return r, nil
}
