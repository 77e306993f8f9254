// Package api is the HTTP query surface of spec §4.7/§6: read-only candle,
// trade, and market listings over the storage gateway, plus operational
// endpoints. Grounded in the teacher's internal/interfaces/http/server.go
// middleware chain and route-registration shape, adapted to this module's
// routes and to zerolog/gorilla-mux in place of the teacher's log.Printf.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/predictmkt/tradefeed/internal/hub"
	"github.com/predictmkt/tradefeed/internal/perf"
	"github.com/predictmkt/tradefeed/internal/persistence"
)

type requestIDKey struct{}

// Server is the read-only query HTTP server.
type Server struct {
	router  *mux.Router
	http    *http.Server
	gw      persistence.Gateway
	tracker *perf.Tracker
	log     zerolog.Logger
}

// Config controls listen address and CORS.
type Config struct {
	Addr        string
	FrontendURL string
}

// New wires routes and middleware per spec §6's table, registering hub at
// /ws for the WebSocket surface.
func New(cfg Config, gw persistence.Gateway, tracker *perf.Tracker, h *hub.Hub, log zerolog.Logger) *Server {
	router := mux.NewRouter()

	s := &Server{router: router, gw: gw, tracker: tracker, log: log}

	router.Use(s.requestIDMiddleware)
	router.Use(s.loggingMiddleware)
	router.Use(s.corsMiddleware(cfg.FrontendURL))

	api := router.PathPrefix("/").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)
	api.HandleFunc("/candles", s.handleCandles).Methods(http.MethodGet)
	api.HandleFunc("/candles/markets", s.handleCandleMarkets).Methods(http.MethodGet)
	api.HandleFunc("/trades", s.handleTrades).Methods(http.MethodGet)
	api.HandleFunc("/trades/latest", s.handleTradesLatest).Methods(http.MethodGet)
	api.HandleFunc("/trades/markets", s.handleTradeMarkets).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/ws", h.ServeHTTP)

	router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("starting query server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.Info().
			Str("request_id", requestIDFrom(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// corsMiddleware always allows same-origin tooling plus the configured
// frontend origin (spec §6: FRONTEND_URL is an "additional CORS origin").
func (s *Server) corsMiddleware(frontendURL string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if frontendURL != "" && strings.EqualFold(origin, frontendURL) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
