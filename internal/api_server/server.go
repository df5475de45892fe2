package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/rangelab/solverqueue/internal/config"
	"github.com/rangelab/solverqueue/internal/handlers"
	"github.com/rangelab/solverqueue/internal/queue"
	"github.com/rangelab/solverqueue/internal/service"
	"github.com/rangelab/solverqueue/internal/store"
	"github.com/rangelab/solverqueue/pkg/metrics"
	"github.com/rangelab/solverqueue/pkg/middleware"
)

const (
	gracefulShutdownTimeout = 5 * time.Second
)

type Server struct {
	cfg      *config.Config
	store    store.Store
	broker   queue.Broker
	listener net.Listener
}

// New returns a new instance of a solverqueue API server.
func New(
	cfg *config.Config,
	store store.Store,
	broker queue.Broker,
	listener net.Listener,
) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		broker:   broker,
		listener: listener,
	}
}

func (s *Server) Run(ctx context.Context) error {
	zap.S().Named("api_server").Info("Initializing API server")

	router := chi.NewRouter()

	metricMiddleware := metrics.NewMiddleware("api_server")
	metricMiddleware.MustRegisterDefault()

	router.Use(
		metricMiddleware.Handler,
		cors.Handler(cors.Options{
			AllowedMethods:   []string{"GET", "POST", "HEAD", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
			MaxAge:           300,
		}),
		middleware.RequestID,
		middleware.Logger(),
		chiMiddleware.Recoverer,
	)

	jobHandler := handlers.NewJobHandler(service.NewJobService(s.store, s.broker))

	router.Get("/health", handlers.Health)
	router.Route("/api/v1alpha1", jobHandler.Routes)

	httpServer := &http.Server{
		Addr:    s.cfg.Service.Address,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		httpServer.SetKeepAlivesEnabled(false)
		_ = httpServer.Shutdown(ctxTimeout)
		zap.S().Named("api_server").Info("api server terminated")
	}()

	zap.S().Named("api_server").Infof("serving api: %s", s.cfg.Service.Address)
	if err := httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
