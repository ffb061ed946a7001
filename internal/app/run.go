package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/adapters/httpapi"
	"github.com/Apurer/go-eventsourcing-server/internal/platform/observability"
)

const (
	APIServiceName    = "eventsourcing-api"
	WorkerServiceName = "eventsourcing-worker"

	shutdownTimeout = 5 * time.Second
)

func initObservability(ctx context.Context, cfg Config, serviceName string) (*observability.Instruments, func(), error) {
	instruments, shutdown, err := observability.Init(ctx, cfg.Observability(serviceName))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize observability: %w", err)
	}
	return instruments, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			instruments.Logger.Error("failed to shutdown observability", slog.String("error", err.Error()))
		}
	}, nil
}

// RunAPI serves the HTTP API until ctx ends. Consumers run in the same process when
// EMBEDDED_WORKERS is set or when nothing else could see this process's events.
func RunAPI(ctx context.Context, cfg Config) error {
	instruments, shutdown, err := initObservability(ctx, cfg, APIServiceName)
	if err != nil {
		return err
	}
	defer shutdown()
	logger := instruments.Logger

	node, err := Build(ctx, cfg, instruments)
	if err != nil {
		return err
	}
	defer node.Close()

	api := httpapi.NewAPI(node.Service,
		httpapi.WithLogger(instruments.Component("http")),
		httpapi.WithHeartbeat(cfg.StreamHeartbeat),
		httpapi.WithProblemBaseURI(cfg.ProblemTypeBaseURI))
	router := httpapi.NewRouter(api, otelgin.Middleware(APIServiceName))

	g, gctx := errgroup.WithContext(ctx)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// event streams end with the process
		BaseContext: func(net.Listener) context.Context { return gctx },
	}
	if node.Embedded() {
		g.Go(func() error { return node.RunWorkers(gctx) })
		// commands are accepted only once their events have somewhere to go
		select {
		case <-node.Ready():
		case <-gctx.Done():
			return g.Wait()
		}
	} else {
		logger.Info("consumers run in the worker process")
	}
	g.Go(func() error {
		logger.Info("event store API listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("event store API server exited", slog.String("addr", server.Addr), slog.String("error", err.Error()))
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// RunWorker runs consumers, the outbox relay, the saga sweeper and the Temporal saga worker.
func RunWorker(ctx context.Context, cfg Config) error {
	instruments, shutdown, err := initObservability(ctx, cfg, WorkerServiceName)
	if err != nil {
		return err
	}
	defer shutdown()
	logger := instruments.Logger

	node, err := Build(ctx, cfg, instruments)
	if err != nil {
		return err
	}
	defer node.Close()
	if !node.sharedBus || !node.Storage.Durable() {
		logger.Warn("worker runs on process-local storage or bus and only sees its own events")
	}
	logger.Info("worker started", slog.Int("consumers", len(node.Subscriptions())))
	if err := node.RunWorkers(ctx); err != nil {
		logger.Error("worker exited with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("worker stopped")
	return nil
}
