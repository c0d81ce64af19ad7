// Package server assembles the kiosk HTTP surface.
package server

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/vango-go/vai-kiosk/internal/metrics"
	"github.com/vango-go/vai-kiosk/pkg/config"
	"github.com/vango-go/vai-kiosk/pkg/kiosk/apierror"
	"github.com/vango-go/vai-kiosk/pkg/kiosk/handlers"
	"github.com/vango-go/vai-kiosk/pkg/kiosk/mw"
	"github.com/vango-go/vai-kiosk/pkg/kiosk/protocol"
	"github.com/vango-go/vai-kiosk/pkg/kiosk/streams"
)

type Server struct {
	cfg     config.Config
	engine  handlers.Engine
	logger  *zap.Logger
	metrics *metrics.Metrics

	streams  *streams.Registry
	draining atomic.Bool
	router   chi.Router
}

func New(cfg config.Config, engine handlers.Engine, logger *zap.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		engine:  engine,
		logger:  logger,
		metrics: m,
		streams: streams.NewRegistry(m),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(mw.RequestID)
	r.Use(mw.AccessLog(s.logger, s.metrics))
	r.Use(mw.Recover(s.logger))
	if len(s.cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	commands := handlers.Commands{Engine: s.engine, DefaultLanguage: s.cfg.Language}

	r.Method(http.MethodGet, "/healthz", handlers.HealthHandler{})
	r.Method(http.MethodGet, "/readyz", handlers.ReadyHandler{
		Engine:   s.engine,
		Provider: string(s.cfg.Provider),
		Draining: s.draining.Load,
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		handlers.API{Commands: commands, Logger: s.logger}.Routes(r)
		r.Method(http.MethodGet, "/events", handlers.EventsHandler{
			Commands:       commands,
			Streams:        s.streams,
			Logger:         s.logger,
			Draining:       s.draining.Load,
			AllowedOrigins: s.cfg.CORSAllowedOrigins,
			EventBuffer:    s.cfg.EventBuffer,
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		reqID, _ := mw.RequestIDFrom(r.Context())
		apierror.Write(w, http.StatusNotFound, &apierror.Body{Kind: "not_found", Message: "route not found", RequestID: reqID})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		reqID, _ := mw.RequestIDFrom(r.Context())
		apierror.Write(w, http.StatusMethodNotAllowed, &apierror.Body{Kind: apierror.KindInvalidRequest, Code: "method_not_allowed", Message: "method not allowed", RequestID: reqID})
	})

	s.router = r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Streams reports how many UI event streams are open.
func (s *Server) Streams() int {
	return s.streams.Len()
}

// Drain flips readiness, tells every UI stream the kiosk is going away and
// closes them. It returns false if streams were still open when ctx ended.
func (s *Server) Drain(ctx context.Context) bool {
	s.draining.Store(true)
	if frame, err := protocol.EncodeClosing("shutting_down"); err == nil {
		s.streams.Broadcast(frame)
	}
	s.streams.CloseAll("shutting_down")
	return s.streams.Wait(ctx)
}
