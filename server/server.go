package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v6/limiter"
	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"
	v1 "github.com/pieter-berkel/storageflow/api/v1"
	"github.com/pieter-berkel/storageflow/blob"
	"github.com/pieter-berkel/storageflow/core"
	"github.com/pieter-berkel/storageflow/route"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const serviceName = "storageflow"

type Opts struct {
	Config Config
	Routes *route.Registry
	// Backend overrides the store built from Config.
	Backend *Backend
}

type Server struct {
	cfg     Config
	backend Backend
	service *core.Service
	limiter *limiter.Limiter
}

func New(ctx context.Context, opts Opts) (*Server, error) {
	if opts.Routes == nil {
		return nil, errors.New("a route registry is required")
	}

	var backend Backend
	if opts.Backend != nil {
		backend = *opts.Backend
	} else {
		b, err := NewBackend(ctx, opts.Config)
		if err != nil {
			return nil, err
		}
		backend = b
	}

	s := &Server{
		cfg:     opts.Config,
		backend: backend,
		service: core.NewService(opts.Routes, backend.Store),
	}
	if opts.Config.RateLimit.RPS > 0 {
		s.limiter = NewRateLimiter(opts.Config.RateLimit.RPS, opts.Config.RateLimit.TTL)
	}
	return s, nil
}

// Service exposes the core for in-process uploads.
func (s *Server) Service() *core.Service {
	return s.service
}

// Run serves until ctx is done and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	log.Info().Str("provider", s.cfg.Provider).Msg("starting server")

	telemetryShutdownFn, err := InitTelemetry(ctx, serviceName, s.cfg.OTLPEndpoint)
	if err != nil {
		return err
	}

	var sweeperDone <-chan struct{}
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	if sweeper, ok := s.backend.Store.(blob.Sweeper); ok && s.cfg.Sweep.Interval > 0 {
		sweeperDone = StartSweeper(sweepCtx, sweeper, s.cfg.Sweep.Interval, s.cfg.Sweep.TTL)
	}

	httpServer := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Handler(),
		// ReadTimeout also bounds part uploads when the disk store is
		// mounted, so it is far longer than the JSON endpoints need.
		ReadTimeout: 5 * time.Minute,
		// ReadHeaderTimeout is necessary here to prevent slowloris attacks.
		// https://www.cloudflare.com/learning/ddos/ddos-attack-tools/slowloris/
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("Starting http server on %s", s.cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error().Err(err).Msg("http server stopped")
		return err
	}

	gracefulShutdownPeriod := 30 * time.Second
	log.Warn().Msg("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownPeriod)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown http server gracefully")
	}
	log.Warn().Msg("http server gracefully stopped")

	stopSweeper()
	if sweeperDone != nil {
		<-sweeperDone
	}
	if err := s.backend.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close storage backend")
	}
	if err := telemetryShutdownFn(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown telemetry")
	}
	return nil
}

// Handler returns the complete HTTP handler: the storage API under the
// configured base path, /metrics and, for the disk store, /files.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(LogInterceptor)
	router.Handle("/metrics", promhttp.Handler())
	if s.backend.Files != nil {
		router.PathPrefix(DiskFilesPath + "/").Handler(http.StripPrefix(DiskFilesPath, s.backend.Files))
	}

	base := s.cfg.BasePath
	ctrl := v1.NewController(s.service)
	limited := RateLimit(s.limiter)

	apiRouter := router.PathPrefix(base).Subrouter()
	apiRouter.Use(func(next http.Handler) http.Handler { return gzhttp.GzipHandler(next) })
	apiRouter.Handle(v1.RequestUploadPath, otelhttp.WithRouteTag(base+v1.RequestUploadPath, limited(ctrl.RequestUpload()))).Methods(http.MethodPost)
	apiRouter.Handle(v1.CompleteMultipartUploadPath, otelhttp.WithRouteTag(base+v1.CompleteMultipartUploadPath, limited(ctrl.CompleteMultipartUpload()))).Methods(http.MethodPost)
	apiRouter.Handle(v1.ConfirmPath, otelhttp.WithRouteTag(base+v1.ConfirmPath, limited(ctrl.Confirm()))).Methods(http.MethodPost)
	apiRouter.Handle(v1.DeletePath, otelhttp.WithRouteTag(base+v1.DeletePath, limited(ctrl.Delete()))).Methods(http.MethodPost)
	apiRouter.Handle(v1.CopyPath, otelhttp.WithRouteTag(base+v1.CopyPath, limited(ctrl.Copy()))).Methods(http.MethodPost)
	apiRouter.Handle(v1.ListPath, otelhttp.WithRouteTag(base+v1.ListPath, ctrl.List())).Methods(http.MethodPost)
	apiRouter.Handle(v1.HealthPath, otelhttp.WithRouteTag(base+v1.HealthPath, ctrl.Health())).Methods(http.MethodGet)

	return otelhttp.NewHandler(router, "/")
}
