// Package statussrv exposes a small HTTP surface for operating a running
// clxd client: liveness, Prometheus metrics, and a redacted manifest dump
// for debugging sync state without shipping key material over the wire.
package statussrv

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riandyrn/otelchi"
	"github.com/rs/zerolog"

	"github.com/clxdb/clxdb/pkg/manifest"
	"github.com/clxdb/clxdb/pkg/syncengine"
)

const (
	routeHealthz  = "/healthz"
	routeMetrics  = "/metrics"
	routeManifest = "/manifest"

	contentTypeJSON = "application/json"
)

// Server is the status HTTP server. It implements http.Handler.
type Server struct {
	manifestMgr *manifest.Manager
	engine      *syncengine.Engine
	logger      zerolog.Logger
	router      *chi.Mux
}

// New builds a Server. gatherer is the registry returned by
// pkg/prometheus.SetupPrometheusMetrics.
func New(logger zerolog.Logger, manifestMgr *manifest.Manager, engine *syncengine.Engine, gatherer promclient.Gatherer) *Server {
	s := &Server{manifestMgr: manifestMgr, engine: engine, logger: logger}
	s.router = s.createRouter(gatherer)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) createRouter(gatherer promclient.Gatherer) *chi.Mux {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(otelchi.Middleware("clxd-status"))
	router.Use(s.requestLogger)
	router.Use(middleware.Recoverer)

	router.Get(routeHealthz, s.getHealthz)
	router.Handle(routeMetrics, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	router.Get(routeManifest, s.getManifest)

	return router
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		reqID := middleware.GetReqID(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(startedAt)).
				Str("reqID", reqID).
				Msg("request")
		}()

		next.ServeHTTP(ww, r)
	}

	return http.HandlerFunc(fn)
}

func (s *Server) getHealthz(w http.ResponseWriter, r *http.Request) {
	state := s.engine.State()

	w.Header().Set("Content-Type", contentTypeJSON)

	if state == syncengine.StateOffline {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	body := struct {
		State string `json:"state"`
	}{State: string(state)}

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("error writing healthz response")
	}
}

// redactedCrypto mirrors manifest.CryptoDescriptor but omits MasterKey,
// MasterKeySalt and every DeviceKeyEntry's Key — the raw wrapped root-key
// material has no business leaving the process over a debugging endpoint.
type redactedCrypto struct {
	DeviceNames []string `json:"deviceNames"`
	Timestamp   int64    `json:"timestamp"`
}

type redactedManifest struct {
	Version      int             `json:"version"`
	UUID         string          `json:"uuid"`
	LastSequence int64           `json:"lastSequence"`
	ShardCount   int             `json:"shardCount"`
	Crypto       *redactedCrypto `json:"crypto,omitempty"`
}

func (s *Server) getManifest(w http.ResponseWriter, r *http.Request) {
	m, err := s.manifestMgr.Read(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)

		return
	}

	resp := redactedManifest{
		Version:      m.Version,
		UUID:         m.UUID,
		LastSequence: m.LastSequence,
		ShardCount:   len(m.ShardFiles),
	}

	if m.Crypto != nil {
		names := make([]string, 0, len(m.Crypto.DeviceKey))
		for _, entry := range m.Crypto.DeviceKey {
			names = append(names, entry.DeviceName)
		}

		resp.Crypto = &redactedCrypto{DeviceNames: names, Timestamp: m.Crypto.Timestamp}
	}

	w.Header().Set("Content-Type", contentTypeJSON)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("error writing manifest response")
	}
}
