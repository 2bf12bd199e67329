// Package server exposes the runctl admin API: health, metrics, service
// snapshots, reconcile triggers, and recent reports.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/runctl/internal/auth"
	"github.com/danmuck/runctl/internal/observability"
	"github.com/danmuck/runctl/internal/orchestrator"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	Version = "0.1.0"

	shutdownTimeout = 5 * time.Second
)

// Options configures the admin listener.
type Options struct {
	Addr        string
	CorsOrigins []string
	// ReconcileTimeout bounds one triggered pass. Zero means no bound beyond
	// the request context.
	ReconcileTimeout time.Duration
	// AdminToken, when set, is required as a bearer token on mutating routes.
	AdminToken string
}

type Server struct {
	orch    *orchestrator.Orchestrator
	opts    Options
	router  *gin.Engine
	started time.Time
}

// New builds the router and registers every admin route.
func New(orch *orchestrator.Orchestrator, opts Options) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CorsOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		orch:    orch,
		opts:    opts,
		router:  r,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on Options.Addr until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.opts.Addr).Msg("admin api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Str("addr", s.opts.Addr).Msg("admin api stopped")
	return nil
}

// guard returns the middleware for mutating routes.
func (s *Server) guard() gin.HandlerFunc {
	if s.opts.AdminToken == "" {
		return auth.RequireBearer(nil)
	}
	return auth.RequireBearer(auth.StaticToken{Token: s.opts.AdminToken})
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
