package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wikiprint/wikiprint/internal/api"
	"github.com/wikiprint/wikiprint/internal/clock/system"
	"github.com/wikiprint/wikiprint/internal/config"
	"github.com/wikiprint/wikiprint/internal/events"
	"github.com/wikiprint/wikiprint/internal/events/sinks"
	"github.com/wikiprint/wikiprint/internal/id/uuid"
	"github.com/wikiprint/wikiprint/internal/logging"
	"github.com/wikiprint/wikiprint/internal/probe"
	"github.com/wikiprint/wikiprint/internal/publisher"
	pubsubpublisher "github.com/wikiprint/wikiprint/internal/publisher/pubsub"
	"github.com/wikiprint/wikiprint/internal/queue"
	"github.com/wikiprint/wikiprint/internal/render"
	"github.com/wikiprint/wikiprint/internal/storage"
	"github.com/wikiprint/wikiprint/internal/storage/gcs"
	"github.com/wikiprint/wikiprint/internal/storage/local"
	"github.com/wikiprint/wikiprint/internal/storage/memory"
	"github.com/wikiprint/wikiprint/internal/storage/postgres"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the render HTTP server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub, cleanupHub, err := buildHub(ctx, cfg, registry, logger)
	if err != nil {
		return err
	}
	defer cleanupHub()

	q, err := queue.New(queue.Config{
		Concurrency:      cfg.Queue.Concurrency,
		QueueTimeout:     cfg.Queue.QueueTimeout(),
		ExecutionTimeout: cfg.Queue.ExecutionTimeout(),
		MaxTaskCount:     cfg.Queue.MaxTaskCount,
	}, hub, system.New(), logger.Named("queue"))
	if err != nil {
		return fmt.Errorf("build queue: %w", err)
	}

	restrictions, err := render.NewRestrictions(cfg.Render.HostDenyPattern)
	if err != nil {
		return fmt.Errorf("compile host deny pattern: %w", err)
	}
	renderLogger := logger.Named("render")
	newRenderer := func() render.Renderer {
		return render.NewChromium(render.Config{
			Restrictions: restrictions,
			CloseTimeout: cfg.Render.CloseTimeout(),
			ExtraFlags:   cfg.Render.ExtraFlags,
			PDF: render.PDFOptions{
				PrintBackground: cfg.Render.PrintBackground,
				Landscape:       cfg.Render.Landscape,
				MarginIn:        cfg.Render.MarginIn,
				Scale:           cfg.Render.Scale,
			},
		}, renderLogger)
	}

	var prober api.Prober
	if cfg.Probe.Enabled {
		p, err := probe.New(probe.Config{
			UserAgent:      cfg.Render.DesktopUserAgent,
			RequestTimeout: time.Duration(cfg.Probe.TimeoutSeconds) * time.Second,
		}, logger.Named("probe"))
		if err != nil {
			return fmt.Errorf("build prober: %w", err)
		}
		prober = p
	}

	archive, err := buildArchive(ctx, cfg)
	if err != nil {
		return err
	}

	pub, cleanupPub, err := buildPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanupPub()

	server, err := api.NewServer(cfg, api.Deps{
		Queue:       q,
		NewRenderer: newRenderer,
		Prober:      prober,
		Archive:     archive,
		Publisher:   pub,
		IDGen:       uuid.NewGenerator(),
		Registry:    registry,
		Logger:      logger.Named("http"),
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownGraceSec)*time.Second,
	)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// buildHub assembles the event hub with its configured sinks.
func buildHub(ctx context.Context, cfg config.Config, registry *prometheus.Registry, logger *zap.Logger) (*events.Hub, func(), error) {
	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		return nil, nil, fmt.Errorf("build prometheus sink: %w", err)
	}
	sinkList := []events.Sink{
		sinks.NewLogSink(logger.Named("events")),
		promSink,
	}

	var renderStore *postgres.RenderStore
	if cfg.RenderLog.Enabled {
		renderStore, err = postgres.NewRenderStore(ctx, postgres.RenderStoreConfig{
			DSN:      cfg.RenderLog.DSN,
			Table:    cfg.RenderLog.Table,
			MaxConns: cfg.RenderLog.MaxConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("build render store: %w", err)
		}
		sinkList = append(sinkList, sinks.NewStoreSink(renderStore, logger.Named("render_log")))
	}

	hub := events.NewHub(events.Config{Logger: logger.Named("hub")}, sinkList...)
	cleanup := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("close event hub", zap.Error(err))
		}
		if renderStore != nil {
			renderStore.Close()
		}
	}
	return hub, cleanup, nil
}

func buildArchive(ctx context.Context, cfg config.Config) (storage.Provider, error) {
	switch cfg.Archive.Backend {
	case "none":
		return storage.NoOpProvider{}, nil
	case "memory":
		return memory.NewBlobStore(), nil
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("build local archive: %w", err)
		}
		return store, nil
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("build gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("build gcs archive: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Archive.Backend)
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (publisher.Publisher, func(), error) {
	if !cfg.PubSub.Enabled {
		return publisher.NoOp{}, func() {}, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("build pubsub client: %w", err)
	}
	pub, err := pubsubpublisher.New(client)
	if err != nil {
		return nil, nil, fmt.Errorf("build pubsub publisher: %w", err)
	}
	return pub, func() { _ = pub.Close() }, nil
}
