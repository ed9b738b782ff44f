package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/calyptra/tornet-scanner/internal/activate"
	"github.com/calyptra/tornet-scanner/internal/api"
	"github.com/calyptra/tornet-scanner/internal/archive"
	"github.com/calyptra/tornet-scanner/internal/circuit"
	"github.com/calyptra/tornet-scanner/internal/classify"
	"github.com/calyptra/tornet-scanner/internal/clock/system"
	"github.com/calyptra/tornet-scanner/internal/config"
	"github.com/calyptra/tornet-scanner/internal/enrich"
	uuidgen "github.com/calyptra/tornet-scanner/internal/id/uuid"
	"github.com/calyptra/tornet-scanner/internal/langdetect"
	"github.com/calyptra/tornet-scanner/internal/logging"
	"github.com/calyptra/tornet-scanner/internal/policy/ratelimit"
	"github.com/calyptra/tornet-scanner/internal/progress"
	"github.com/calyptra/tornet-scanner/internal/progress/sinks"
	"github.com/calyptra/tornet-scanner/internal/publisher"
	"github.com/calyptra/tornet-scanner/internal/scan"
	"github.com/calyptra/tornet-scanner/internal/scanner"
	"github.com/calyptra/tornet-scanner/internal/storage/memory"
	"github.com/calyptra/tornet-scanner/internal/storage/postgres"
	"github.com/calyptra/tornet-scanner/internal/telemetry"
	"github.com/calyptra/tornet-scanner/internal/translate"
	"github.com/calyptra/tornet-scanner/internal/vision"
	"github.com/calyptra/tornet-scanner/internal/watch"
)

// dataStore is the union of persistence roles a backend must fill.
type dataStore interface {
	scanner.Registry
	scanner.ScanStore
	scanner.ItemStore
	scanner.SnapshotStore
	api.SessionStore
	watch.TargetSource
}

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	telemetry.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuidgen.New()

	var store dataStore
	if cfg.DB.DSN != "" {
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(cfg.DB.MaxConnLifetime) * time.Second,
		})
		if err != nil {
			logger.Fatal("postgres init failed", zap.Error(err))
		}
		defer pg.Close()
		store = pg
	} else {
		logger.Warn("no database DSN configured, using in-memory store")
		store = memory.NewStore()
	}

	pages, err := archive.New(ctx, cfg.Archive, logger.Named("archive"))
	if err != nil {
		logger.Fatal("archive init failed", zap.Error(err))
	}

	pub, err := publisher.New(ctx, cfg.PubSub, logger.Named("publisher"))
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}

	hub := progress.NewHub(progress.Config{},
		sinks.NewLogSink(logger.Named("progress")),
		sinks.NewMetricsSink(),
		sinks.NewPublishSink(pub, logger.Named("notify")),
	)

	dockerAPI, err := circuit.NewDockerClient()
	if err != nil {
		logger.Fatal("docker client init failed", zap.Error(err))
	}
	resolver := &circuit.SocksExitResolver{Timeout: cfg.HarvestTimeout()}
	provisioner := circuit.NewProvisioner(cfg.Circuit, dockerAPI, resolver, clock, logger.Named("circuit"))
	if err := provisioner.Reconcile(ctx); err != nil {
		logger.Warn("circuit reconcile failed", zap.Error(err))
	}

	visionCreds := apiCreds(ctx, store, "vision", cfg.Enrich.VisionEndpoint, logger)
	translateCreds := apiCreds(ctx, store, "translate", cfg.Enrich.TranslateEndpoint, logger)
	classifyCreds := apiCreds(ctx, store, "classify", cfg.Enrich.ClassifyEndpoint, logger)

	activatorTimeout := time.Duration(cfg.Activator.TimeoutSeconds) * time.Second
	solver := vision.NewClient(visionCreds.Endpoint, visionCreds.Key, visionCreds.Model, visionCreds.MaxTokens, activatorTimeout)
	factory := func(bot scanner.BotIdentity) (activate.Site, error) {
		return activate.NewForumSite(cfg.Activator.LoginURL, bot, activatorTimeout)
	}
	activator := activate.NewActivator(cfg.Activator, solver, factory, visionCreds.Prompt, logger.Named("activate"))

	translator := translate.NewClient(translateCreds.Endpoint, translateCreds.Key, cfg.HarvestTimeout())
	classifier := classify.NewClient(classifyCreds.Endpoint, classifyCreds.Key, classifyCreds.Model, classifyCreds.MaxTokens, cfg.HarvestTimeout())
	pipeline := enrich.NewPipeline(langdetect.New(), translator, classifier, classifyCreds.Prompt, cfg.Enrich.TargetLanguage, logger.Named("enrich"))

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Harvest.RPSPerCircuit,
		DefaultBurst: cfg.Harvest.Burst,
	})
	harvester := scan.NewWebHarvester(cfg.Harvest.SiteURL, cfg.HarvestTimeout(), limiter)

	engine := scan.NewEngine(ctx, store, store, store, harvester, pipeline, pages, hub, clock, logger.Named("engine"))

	var watcher *watch.Watcher
	if cfg.Watch.Enabled {
		watcher = watch.NewWatcher(store, store, store, cfg.Watch.SiteURL, cfg.HarvestTimeout(), clock, logger.Named("watch"))
		if err := watcher.Start(ctx); err != nil {
			logger.Error("watchlist scheduler failed to start", zap.Error(err))
			watcher = nil
		}
	}

	apiServer := api.NewServer(provisioner, engine, store, store, activator, store, idGen, logger.Named("api"), cfg)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if watcher != nil {
		watcher.Stop()
	}
	engine.Wait()
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("progress hub close error", zap.Error(err))
	}
	if closer, ok := pub.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Error("publisher close error", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}

// apiCreds loads service credentials from the registry, falling back to
// the configured endpoint when none are registered yet.
func apiCreds(ctx context.Context, registry scanner.Registry, kind, endpoint string, logger *zap.Logger) scanner.APICredentials {
	creds, err := registry.ActiveAPI(ctx, kind)
	if err != nil {
		logger.Warn("no registered credentials", zap.String("kind", kind), zap.Error(err))
		creds = scanner.APICredentials{Kind: kind}
	}
	if creds.Endpoint == "" {
		creds.Endpoint = endpoint
	}
	return creds
}
