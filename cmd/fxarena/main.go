package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/Aidin1998/fxarena/api"
	"github.com/Aidin1998/fxarena/internal/infrastructure/config"
	"github.com/Aidin1998/fxarena/internal/trading"
	"github.com/Aidin1998/fxarena/internal/trading/events"
	"github.com/Aidin1998/fxarena/internal/trading/pricing"
	"github.com/Aidin1998/fxarena/internal/trading/repository"
	"github.com/Aidin1998/fxarena/internal/trading/risk"
	"github.com/Aidin1998/fxarena/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	loader := config.NewLoader()
	var paths []string
	if *configPath != "" {
		paths = append(paths, *configPath)
	}
	cfg, err := loader.Load(paths...)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	if err := run(cfg, loader, zapLogger); err != nil {
		zapLogger.Fatal("Engine stopped with error", zap.Error(err))
	}
	zapLogger.Info("Engine stopped")
}

func run(cfg *config.Config, loader *config.Loader, zapLogger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdown, err := setupTracing(cfg.Tracing.ServiceName)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				zapLogger.Warn("Tracer shutdown failed", zap.Error(err))
			}
		}()
	}

	db, err := repository.Open(cfg.Database.Options())
	if err != nil {
		return err
	}
	if err := repository.Migrate(db); err != nil {
		return err
	}
	repo := repository.NewGormRepository(db, zapLogger)

	symbols, err := cfg.SymbolRegistry()
	if err != nil {
		return err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	quotes := pricing.NewAdapter(pricing.NewRedisFeed(redisClient, cfg.Redis.KeyPrefix), cfg.Engine.Pricing, zapLogger)

	bus := events.NewInMemoryBus(cfg.Engine.EventBuffer, zapLogger)
	defer bus.Close()
	if cfg.Kafka.Enabled {
		sink := events.NewKafkaSink(cfg.Kafka.Sink(), zapLogger)
		unsubscribe := bus.Subscribe(sink.Handle)
		defer func() {
			unsubscribe()
			if err := sink.Close(); err != nil {
				zapLogger.Warn("Kafka sink close failed", zap.Error(err))
			}
		}()
	}

	settings, err := settingsProvider(cfg, loader, db, zapLogger)
	if err != nil {
		return err
	}

	svc, err := trading.NewService(ctx, trading.Options{
		Repository: repo,
		Quotes:     quotes,
		Settings:   settings,
		Symbols:    symbols,
		Events:     bus,
		Queue:      cfg.Engine.Queue,
	}, zapLogger)
	if err != nil {
		return err
	}

	server := api.NewServer(zapLogger, svc, bus, api.Options{
		ServiceName:    cfg.Tracing.ServiceName,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})
	httpServer := server.HTTPServer(cfg.HTTP.Addr, cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	g.Go(func() error {
		zapLogger.Info("Starting HTTP server", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// settingsProvider reads thresholds from the config file, reloaded on change,
// or from the engine_settings table seeded with the configured values.
func settingsProvider(cfg *config.Config, loader *config.Loader, db *gorm.DB, zapLogger *zap.Logger) (risk.SettingsProvider, error) {
	defaults, err := cfg.Risk.Settings()
	if err != nil {
		return nil, err
	}
	if cfg.Engine.SettingsSource == "database" {
		return repository.NewSettingsStore(db, defaults, zapLogger), nil
	}

	static, err := config.NewStaticSettings(defaults)
	if err != nil {
		return nil, err
	}
	loader.Watch(zapLogger, func(next *config.Config) {
		s, err := next.Risk.Settings()
		if err == nil {
			err = static.Update(s)
		}
		if err != nil {
			zapLogger.Error("Rejected reloaded risk settings", zap.Error(err))
			return
		}
		zapLogger.Info("Risk settings reloaded",
			zap.String("warning", s.Thresholds.Warning.String()),
			zap.String("margin_call", s.Thresholds.MarginCall.String()),
			zap.String("liquidation", s.Thresholds.Liquidation.String()))
	})
	return static, nil
}

func setupTracing(serviceName string) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
