// Package server wires the gateway's HTTP edge: health, metrics, the
// streaming WebSocket upgrade, the Mode Gate's order endpoint, and the
// Action Center approval endpoints, on top of chi the way the teacher's
// server package does.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/quantgate/gateway/internal/actioncenter"
	"github.com/quantgate/gateway/internal/apperr"
	"github.com/quantgate/gateway/internal/latency"
	"github.com/quantgate/gateway/internal/metrics"
	"github.com/quantgate/gateway/internal/ratelimit"
	"github.com/quantgate/gateway/internal/registry"
	"github.com/quantgate/gateway/internal/router"
	"github.com/quantgate/gateway/internal/streaming"
)

// Config holds everything the HTTP server needs to mount its routes.
type Config struct {
	Port      int
	Log       zerolog.Logger
	DevMode   bool
	Gate      *router.Gate
	Pending   *actioncenter.Store
	Streaming *streaming.Handler
	Registry  *registry.Registry
	Limiter   *ratelimit.Limiter
	Latency   *latency.Recorder
}

// Server is the gateway's chi-based HTTP edge.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	log     zerolog.Logger
	gate    *router.Gate
	pending *actioncenter.Store
	reg     *registry.Registry
	limiter *ratelimit.Limiter
	latency *latency.Recorder
}

// New builds the HTTP server and its route table.
func New(cfg Config) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		log:     cfg.Log.With().Str("component", "server").Logger(),
		gate:    cfg.Gate,
		pending: cfg.Pending,
		reg:     cfg.Registry,
		limiter: cfg.Limiter,
		latency: cfg.Latency,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes(cfg.Streaming)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes(streamHandler *streaming.Handler) {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/ws", streamHandler.ServeHTTP)

	s.router.Route("/api", func(r chi.Router) {
		// §6.3: every api_type is POSTed with an embedded api_key, routed
		// through the single Mode Gate regardless of which operation it is.
		r.Post("/{apiType}", s.handleAPI)

		r.Route("/actioncenter", func(r chi.Router) {
			r.Get("/pending", s.handleListPending)
			r.Post("/{id}/approve", s.handleApprove)
			r.Post("/{id}/reject", s.handleReject)
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"instruments": s.reg.Size(),
		"built_at":    s.reg.BuiltAt(),
	})
}

// handleAPI implements the §6.3 generic order endpoint: every api_type
// shares one request shape, {"apikey": "...", ...fields}, and is routed
// through the Mode Gate.
func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	apiType := chi.URLParam(r, "apiType")

	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.New(apperr.InternalErr, "malformed request body"))
		return
	}
	apiKey, _ := body["apikey"].(string)
	if apiKey == "" {
		apiKey, _ = body["api_key"].(string)
	}

	if !s.limiter.Allow(apiKey, rateCategory(apiType)) {
		metrics.OrdersRouted.WithLabelValues("rate_limited").Inc()
		writeError(w, apperr.New(apperr.RateLimitExceeded, "rate limit exceeded for "+apiType))
		return
	}

	start := time.Now()
	result, err := s.gate.Route(r.Context(), apiKey, apiType, body)
	outcome := "live"
	if err != nil {
		if kind, ok := apperr.KindOf(err); ok && kind == apperr.OperationNotAllowed {
			outcome = "rejected"
		}
		metrics.OrdersRouted.WithLabelValues(outcome).Inc()
		s.latency.Record(r.Context(), apiType, outcome, time.Since(start))
		writeError(w, err)
		return
	}
	if result.PendingOrderID != 0 {
		outcome = "queued"
	}
	metrics.OrdersRouted.WithLabelValues(outcome).Inc()
	s.latency.Record(r.Context(), apiType, outcome, time.Since(start))
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	orders, err := s.pending.ListPending(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "data": orders})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, apperr.New(apperr.InternalErr, "invalid pending order id"))
		return
	}
	var body struct {
		CallerUserID string `json:"user_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	result, err := s.gate.Approve(r.Context(), id, body.CallerUserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, apperr.New(apperr.InternalErr, "invalid pending order id"))
		return
	}
	var body struct {
		CallerUserID string `json:"user_id"`
		Reason       string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := s.gate.Reject(r.Context(), id, body.CallerUserID, body.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

// rateCategory classifies an api_type into the ratelimit category it
// consumes (§4.9 / §6.5); anything not explicitly listed falls back to the
// general API bucket.
func rateCategory(apiType string) ratelimit.Category {
	switch apiType {
	case "placeorder", "modifyorder", "cancelorder":
		return ratelimit.CategoryOrderPlacement
	case "smartorder", "basketorder", "splitorder", "optionsorder", "optionsmultiorder":
		return ratelimit.CategorySmartOrder
	default:
		return ratelimit.CategoryGeneralAPI
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	resp, status := apperr.ToResponse(err)
	writeJSON(w, status, resp)
}
